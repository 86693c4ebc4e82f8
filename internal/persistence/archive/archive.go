// Package archive packs a snapshot tree into a single zstd-compressed tar file and unpacks
// it back into a snapshot store.
package archive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"townsim.ai/internal/persistence/snapshot"
)

const headerName = "archive.json"

// Header is the first tar entry of every archive.
type Header struct {
	SimID        string `json:"sim_id"`
	ForkSourceID string `json:"fork_source_id"`
	Step         uint64 `json:"step"`
	CurrTime     string `json:"curr_time"`
	CreatedAt    string `json:"created_at"`
	Files        int    `json:"files"`
}

// WriteFile archives simID from store into path, replacing any existing file.
func WriteFile(path string, store *snapshot.Store, simID string) (Header, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Header{}, err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return Header{}, err
	}
	h, err := Write(f, store, simID)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return Header{}, err
	}
	return h, os.Rename(tmp, path)
}

func Write(w io.Writer, store *snapshot.Store, simID string) (Header, error) {
	meta, err := store.ReadMeta(simID)
	if err != nil {
		return Header{}, err
	}
	root := store.Dir(simID)

	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return Header{}, err
	}

	h := Header{
		SimID:        simID,
		ForkSourceID: meta.ForkSourceID,
		Step:         meta.Step,
		CurrTime:     meta.CurrTime,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Files:        len(files),
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return Header{}, err
	}
	tw := tar.NewWriter(zw)

	hb, err := json.Marshal(h)
	if err != nil {
		return Header{}, err
	}
	if err := writeEntry(tw, headerName, int64(len(hb)), strings.NewReader(string(hb))); err != nil {
		return Header{}, err
	}
	for _, rel := range files {
		if err := addFile(tw, root, rel); err != nil {
			return Header{}, err
		}
	}
	if err := tw.Close(); err != nil {
		return Header{}, err
	}
	if err := zw.Close(); err != nil {
		return Header{}, err
	}
	return h, nil
}

func addFile(tw *tar.Writer, root, rel string) error {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	return writeEntry(tw, "sim/"+rel, st.Size(), f)
}

func writeEntry(tw *tar.Writer, name string, size int64, r io.Reader) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     size,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return err
	}
	_, err := io.CopyN(tw, r, size)
	return err
}

// RestoreFile unpacks the archive at path into store under id. An empty id keeps the
// archived sim id.
func RestoreFile(path string, store *snapshot.Store, id string, policy snapshot.OverwritePolicy) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return Restore(f, store, id, policy)
}

func Restore(r io.Reader, store *snapshot.Store, id string, policy snapshot.OverwritePolicy) (Header, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return Header{}, err
	}
	defer zr.Close()
	tr := tar.NewReader(zr)

	first, err := tr.Next()
	if err != nil {
		return Header{}, fmt.Errorf("archive: read header: %w", err)
	}
	if first.Name != headerName {
		return Header{}, fmt.Errorf("archive: first entry is %q, want %s", first.Name, headerName)
	}
	var h Header
	if err := json.NewDecoder(tr).Decode(&h); err != nil {
		return Header{}, fmt.Errorf("archive: decode header: %w", err)
	}
	if id == "" {
		id = h.SimID
	}
	if store.Exists(id) && policy != snapshot.Overwrite {
		return Header{}, fmt.Errorf("%w: %s already exists", snapshot.ErrSnapshotConflict, id)
	}

	staging := filepath.Join(store.Root(), "."+id+".restoring")
	_ = os.RemoveAll(staging)
	if err := extract(tr, staging); err != nil {
		_ = os.RemoveAll(staging)
		return Header{}, err
	}
	if store.Exists(id) {
		if err := os.RemoveAll(store.Dir(id)); err != nil {
			_ = os.RemoveAll(staging)
			return Header{}, err
		}
	}
	if err := os.Rename(staging, store.Dir(id)); err != nil {
		_ = os.RemoveAll(staging)
		return Header{}, err
	}

	if id != h.SimID {
		meta, err := store.ReadMeta(id)
		if err != nil {
			return Header{}, err
		}
		meta.SimID = id
		if err := store.WriteMeta(id, meta); err != nil {
			return Header{}, err
		}
	}
	return h, nil
}

func extract(tr *tar.Reader, dst string) error {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel, ok := strings.CutPrefix(hdr.Name, "sim/")
		if !ok {
			continue
		}
		clean := path.Clean(rel)
		if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("archive: unsafe entry %q", hdr.Name)
		}
		target := filepath.Join(dst, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			_ = out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}
