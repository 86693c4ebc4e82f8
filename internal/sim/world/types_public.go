package world

import (
	"time"

	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/tiles"
)

type TickLogEntry struct {
	SimID          string            `json:"sim_id"`
	Step           uint64            `json:"step"`
	Time           string            `json:"time"`
	Polls          int               `json:"polls"`
	WaitMS         int64             `json:"wait_ms"`
	DurationMS     int64             `json:"duration_ms"`
	Moves          map[string][2]int `json:"moves"`
	Failures       []FailureRecord   `json:"failures,omitempty"`
	PendingCleanup int               `json:"pending_cleanup"`
	Digest         string            `json:"digest"`
}

type FailureRecord struct {
	AgentID string `json:"agent_id"`
	Phase   string `json:"phase"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// AuditEntry records an object-event mutation made by the controller on behalf of an agent.
type AuditEntry struct {
	SimID  string      `json:"sim_id"`
	Step   uint64      `json:"step"`
	Actor  string      `json:"actor"`
	Action string      `json:"action"` // SPAWN_OBJECT_EVENT, IDLE_OBJECT_EVENT, ROLLBACK
	Tile   [2]int      `json:"tile"`
	Event  tiles.Event `json:"event"`
	Reason string      `json:"reason,omitempty"`
}

const (
	AuditSpawn    = "SPAWN_OBJECT_EVENT"
	AuditIdle     = "IDLE_OBJECT_EVENT"
	AuditRollback = "ROLLBACK"
)

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// Index receives completed ticks for secondary indexing. Implementations must not block.
type Index interface {
	WriteTick(entry TickLogEntry, batch protocol.MovementBatch) error
}

type Metrics interface {
	ObserveTick(d time.Duration, step uint64)
	ObserveBridgeWait(d time.Duration, polls int)
	IncBridgeTimeout()
	IncAgentFailure(phase string)
	SetPendingCleanup(n int)
}

// TickReport describes one completed tick. Step and Time are the values after advancing.
type TickReport struct {
	Step     uint64
	Time     time.Time
	Polls    int
	Wait     time.Duration
	Failures []*AgentFailure
	Batch    protocol.MovementBatch
}

type RunReport struct {
	Ticks []TickReport
}

func (r RunReport) Completed() int { return len(r.Ticks) }

func (r RunReport) Failures() []*AgentFailure {
	var out []*AgentFailure
	for _, t := range r.Ticks {
		out = append(out, t.Failures...)
	}
	return out
}

// Status is a point-in-time summary used by the admin surface and the frontend handshake.
type Status struct {
	SimID          string            `json:"sim_id"`
	ForkSourceID   string            `json:"fork_source_id"`
	RunID          string            `json:"run_id,omitempty"`
	MapID          string            `json:"map_id"`
	Step           uint64            `json:"step"`
	CurrTime       string            `json:"curr_time"`
	Agents         map[string][2]int `json:"agents"`
	PendingCleanup int               `json:"pending_cleanup"`
}
