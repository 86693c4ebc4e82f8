package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Stepper failures.
	ErrSnapshotConflict = "E_SNAPSHOT_CONFLICT"
	ErrBridgeTimeout    = "E_BRIDGE_TIMEOUT"
	ErrTileState        = "E_TILE_STATE"
	ErrAgentDecision    = "E_AGENT_DECISION"

	// Operator surface.
	ErrUnknownCommand = "E_UNKNOWN_COMMAND"
	ErrUnknownAgent   = "E_UNKNOWN_AGENT"
	ErrNotFound       = "E_NOT_FOUND"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrSnapshotConflict: {},
	ErrBridgeTimeout:    {},
	ErrTileState:        {},
	ErrAgentDecision:    {},
	ErrUnknownCommand:   {},
	ErrUnknownAgent:     {},
	ErrNotFound:         {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
