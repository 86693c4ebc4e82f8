package r2s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	auth    []string
}

func (b *bucket) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = append(b.auth, r.Header.Get("Authorization"))
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if b.objects == nil {
			b.objects = map[string][]byte{}
		}
		b.objects[r.URL.Path] = body
	case http.MethodGet:
		body, ok := b.objects[r.URL.Path]
		if !ok {
			http.Error(rw, "NoSuchKey", http.StatusNotFound)
			return
		}
		_, _ = rw.Write(body)
	}
}

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{Endpoint: url, Bucket: "snaps", AccessKeyID: "AK", SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return c
}

func TestClient_PutGetRoundTrip(t *testing.T) {
	b := &bucket{}
	srv := httptest.NewServer(b)
	defer srv.Close()
	c := testClient(t, srv.URL)

	dir := t.TempDir()
	src := filepath.Join(dir, "a.tar.zst")
	if err := os.WriteFile(src, []byte("archive-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := c.PutFile(ctx, "/runs/base/step-1.tar.zst", src); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if _, ok := b.objects["/snaps/runs/base/step-1.tar.zst"]; !ok {
		t.Fatalf("objects=%v", b.objects)
	}
	if !strings.HasPrefix(b.auth[0], "AWS4-HMAC-SHA256 Credential=AK/20260301/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=") {
		t.Fatalf("auth=%q", b.auth[0])
	}

	dst := filepath.Join(dir, "pulled", "b.tar.zst")
	if err := c.GetFile(ctx, "runs/base/step-1.tar.zst", dst); err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "archive-bytes" {
		t.Fatalf("got %q", got)
	}
	if err := c.GetFile(ctx, "runs/missing", dst); err == nil || !strings.Contains(err.Error(), "status=404") {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(Config{Endpoint: "r2.example", Bucket: "b"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("/townsim/", "base", 42); got != "townsim/base/step-000000000042.tar.zst" {
		t.Fatalf("got %q", got)
	}
	if got := ObjectKey("", "base", 0); got != "base/step-000000000000.tar.zst" {
		t.Fatalf("got %q", got)
	}
}

type flakyUploader struct {
	mu    sync.Mutex
	calls int
	fails int
	keys  []string
}

func (f *flakyUploader) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("503")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirror_RetriesAndRemovesUploaded(t *testing.T) {
	up := &flakyUploader{fails: 1}
	m := NewMirror(up, "townsim", 1, 4, 0, nil)
	m.retryDelay = time.Millisecond
	m.RemoveUploaded = true

	path := filepath.Join(t.TempDir(), "x.tar.zst")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.Enqueue(m.ArchiveKey("base", 3), path)
	m.Close()

	st := m.Stats()
	if st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 || up.calls != 2 {
		t.Fatalf("stats=%+v calls=%d", st, up.calls)
	}
	if up.keys[0] != "townsim/base/step-000000000003.tar.zst" {
		t.Fatalf("keys=%v", up.keys)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("uploaded file should be removed: %v", err)
	}
}
