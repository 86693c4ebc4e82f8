package main

import (
	"encoding/json"
	"math/rand"
	"testing"

	"townsim.ai/internal/protocol"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestFrontend_AnswersWelcomeAndMovement(t *testing.T) {
	f := &frontend{positions: protocol.Environment{}, rng: rand.New(rand.NewSource(1))}

	env, err := f.handle(mustJSON(t, protocol.WelcomeMsg{Type: protocol.TypeWelcome, Step: 3, Agents: protocol.Environment{"ana": {1, 1}}}))
	if err != nil || env == nil || env.Step != 3 || env.Agents["ana"] != [2]int{1, 1} {
		t.Fatalf("welcome reply=%+v err=%v", env, err)
	}

	env, err = f.handle(mustJSON(t, protocol.MovementMsg{
		Type: protocol.TypeMovement, Step: 4,
		Batch: protocol.MovementBatch{Agents: map[string]protocol.AgentMovement{"ana": {Movement: [2]int{2, 1}}}},
	}))
	if err != nil || env.Step != 4 || env.Agents["ana"] != [2]int{2, 1} {
		t.Fatalf("movement reply=%+v err=%v", env, err)
	}
	if err := protocol.ValidateJSON(protocol.SchemaEnvironmentMsg, mustJSON(t, env)); err != nil {
		t.Fatalf("reply does not validate: %v", err)
	}

	if env, err := f.handle([]byte(`{"type":"ERROR","code":"E_INTERNAL"}`)); env != nil || err != nil {
		t.Fatalf("error message must not be answered: %+v %v", env, err)
	}
}

func TestFrontend_BlockHoldsPreviousTile(t *testing.T) {
	f := &frontend{positions: protocol.Environment{"ana": {1, 1}}, block: 1, rng: rand.New(rand.NewSource(1))}
	env, err := f.handle(mustJSON(t, protocol.MovementMsg{
		Type: protocol.TypeMovement, Step: 9,
		Batch: protocol.MovementBatch{Agents: map[string]protocol.AgentMovement{"ana": {Movement: [2]int{5, 5}}}},
	}))
	if err != nil || env.Agents["ana"] != [2]int{1, 1} {
		t.Fatalf("blocked reply=%+v err=%v", env, err)
	}
}
