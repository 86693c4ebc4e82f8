package protocol

// HELLO (frontend -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
}

// WELCOME (server -> frontend). Agents carries the controller's last known positions
// so the frontend can answer the first step.
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SimID           string      `json:"sim_id"`
	Step            uint64      `json:"step"`
	CurrTime        string      `json:"curr_time"`
	MapID           string      `json:"map_id"`
	Agents          Environment `json:"agents"`
}

// MOVEMENT (server -> frontend), one per completed tick.
type MovementMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Step            uint64        `json:"step"`
	Batch           MovementBatch `json:"batch"`
}

// ENVIRONMENT (frontend -> server): the positions the frontend applied for step.
type EnvironmentMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Step            uint64      `json:"step"`
	Agents          Environment `json:"agents"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
