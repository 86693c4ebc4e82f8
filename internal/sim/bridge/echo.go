package bridge

import (
	"context"
	"errors"
	"io/fs"

	"townsim.ai/internal/protocol"
)

// Recorder persists the environment record for a step. *snapshot.Store satisfies it.
type Recorder interface {
	WriteEnvironment(simID string, step uint64, env protocol.Environment) error
}

// Source reads environment records written by an external frontend. *snapshot.Store
// satisfies it.
type Source interface {
	ReadEnvironment(simID string, step uint64) (protocol.Environment, error)
}

// Echo applies every agent's last decided tile as the environment update. It is always
// ready. When rec is set it also writes environment/<step> like a frontend would.
type Echo struct {
	rec Recorder
}

func NewEcho(rec Recorder) *Echo { return &Echo{rec: rec} }

func (e *Echo) Exchange(ctx context.Context, req Request) (Positions, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	pos := req.Positions.Clone()
	if e.rec != nil {
		if err := e.rec.WriteEnvironment(req.SimID, req.Step, pos.Environment()); err != nil {
			return nil, false, err
		}
	}
	return pos, true, nil
}

// File waits for environment/<step> to appear in the snapshot tree.
type File struct {
	src Source
}

func NewFile(src Source) *File { return &File{src: src} }

func (f *File) Exchange(ctx context.Context, req Request) (Positions, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	env, err := f.src.ReadEnvironment(req.SimID, req.Step)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return FromEnvironment(env), true, nil
}
