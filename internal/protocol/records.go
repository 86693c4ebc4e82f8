package protocol

// Environment maps agent id to the tile the environment placed it on.
// Persisted as environment/<step>.json.
type Environment map[string][2]int

type ChatLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type AgentMovement struct {
	Movement    [2]int     `json:"movement"`
	Glyph       string     `json:"glyph"`
	Description string     `json:"description"`
	Chat        []ChatLine `json:"chat"`
}

type MovementMeta struct {
	CurrTime string `json:"curr_time"`
}

// MovementBatch is persisted as movement/<step>.json.
type MovementBatch struct {
	Agents map[string]AgentMovement `json:"agents"`
	Meta   MovementMeta             `json:"meta"`
}
