package world

import (
	"context"
	"errors"
	"fmt"

	"townsim.ai/internal/persistence/snapshot"
	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/bridge"
	"townsim.ai/internal/sim/tiles"
)

// Failure taxonomy. The first three stop the tick loop; agent failures are per-agent and
// reported alongside a completed tick.
var (
	ErrSnapshotConflict       = snapshot.ErrSnapshotConflict
	ErrBridgeTimeout          = bridge.ErrTimeout
	ErrTileStateInconsistency = tiles.ErrTileStateInconsistency
	ErrAgentDecisionFailure   = errors.New("agent decision failure")

	// ErrHalted wraps the error of a tick that failed after mutating state. The World
	// refuses further ticks and saves; the on-disk fork stays at its last saved step.
	ErrHalted = errors.New("simulation halted")

	ErrUnknownAgent = errors.New("unknown agent")
	ErrUnsupported  = errors.New("not supported by agent runtime")
)

type Phase string

const (
	PhasePlace    Phase = "place"
	PhasePerceive Phase = "perceive"
	PhaseDecide   Phase = "decide"
)

// AgentFailure is one agent's failure within a tick. The agent keeps its previous tile.
type AgentFailure struct {
	AgentID string
	Step    uint64
	Phase   Phase
	Err     error
}

func (f *AgentFailure) Error() string {
	return fmt.Sprintf("agent %s failed during %s at step %d: %v", f.AgentID, f.Phase, f.Step, f.Err)
}

func (f *AgentFailure) Unwrap() []error { return []error{ErrAgentDecisionFailure, f.Err} }

// IsFatal reports whether err stops the tick loop (as opposed to a per-agent failure or a
// rejected operator command).
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var af *AgentFailure
	if errors.As(err, &af) {
		return false
	}
	return errors.Is(err, ErrHalted) ||
		errors.Is(err, ErrBridgeTimeout) ||
		errors.Is(err, ErrTileStateInconsistency) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Code maps an error to its protocol error code.
func Code(err error) string {
	var af *AgentFailure
	switch {
	case err == nil:
		return ""
	case errors.As(err, &af):
		return protocol.ErrAgentDecision
	case errors.Is(err, ErrSnapshotConflict):
		return protocol.ErrSnapshotConflict
	case errors.Is(err, ErrBridgeTimeout):
		return protocol.ErrBridgeTimeout
	case errors.Is(err, ErrTileStateInconsistency):
		return protocol.ErrTileState
	case errors.Is(err, ErrUnknownAgent):
		return protocol.ErrUnknownAgent
	case errors.Is(err, snapshot.ErrNotFound), errors.Is(err, tiles.ErrOutOfBounds):
		return protocol.ErrNotFound
	}
	return protocol.ErrInternal
}
