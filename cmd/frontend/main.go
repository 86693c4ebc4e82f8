// Command frontend is a headless stand-in for the rendering frontend: it applies every
// movement batch verbatim and reports the resulting positions back to the server.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"

	"townsim.ai/internal/protocol"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/frontend", "ws url")
		name   = flag.String("name", "headless", "client name")
		blockP = flag.Float64("block", 0, "probability an agent is held on its previous tile each step")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[frontend] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.Close()
	}()

	f := &frontend{positions: protocol.Environment{}, block: *blockP, rng: rand.New(rand.NewSource(1))}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply, err := f.handle(msg)
		if err != nil {
			logger.Printf("%v", err)
			continue
		}
		if reply == nil {
			continue
		}
		if err := conn.WriteJSON(reply); err != nil {
			logger.Printf("send ENVIRONMENT: %v", err)
			return
		}
		logger.Printf("ENVIRONMENT step=%d agents=%d", reply.Step, len(reply.Agents))
	}
}

type frontend struct {
	positions protocol.Environment
	block     float64
	rng       *rand.Rand
}

// handle returns the ENVIRONMENT answer for msg, or nil when msg needs none.
func (f *frontend) handle(msg []byte) (*protocol.EnvironmentMsg, error) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return nil, err
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return nil, err
		}
		for id, xy := range w.Agents {
			f.positions[id] = xy
		}
		return f.environment(w.Step), nil

	case protocol.TypeMovement:
		var m protocol.MovementMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, err
		}
		for id, mv := range m.Batch.Agents {
			if _, known := f.positions[id]; known && f.block > 0 && f.rng.Float64() < f.block {
				continue
			}
			f.positions[id] = mv.Movement
		}
		return f.environment(m.Step), nil

	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, err
		}
		log.Printf("server error %s: %s", e.Code, e.Message)
	}
	return nil, nil
}

func (f *frontend) environment(step uint64) *protocol.EnvironmentMsg {
	agents := make(protocol.Environment, len(f.positions))
	for id, xy := range f.positions {
		agents[id] = xy
	}
	return &protocol.EnvironmentMsg{
		Type:            protocol.TypeEnvironment,
		ProtocolVersion: protocol.Version,
		Step:            step,
		Agents:          agents,
	}
}
