// Package ws exposes the stepper to a rendering frontend over a websocket. The frontend
// answers every MOVEMENT with an ENVIRONMENT message carrying the positions it applied.
package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/bridge"
)

// StatusFunc describes the simulation for the WELCOME sent after HELLO.
type StatusFunc func() protocol.WelcomeMsg

type Bridge struct {
	log      *log.Logger
	rec      bridge.Recorder
	upgrader websocket.Upgrader
	ready    chan struct{}

	mu      sync.Mutex
	status  StatusFunc
	pending map[uint64]protocol.Environment
	clients map[*client]struct{}
	dropped uint64
}

type client struct {
	name string
	out  chan []byte
}

// NewBridge returns a bridge with no frontend attached. rec, when set, persists every
// environment record the frontend sends.
func NewBridge(rec bridge.Recorder, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Bridge{
		log: logger,
		rec: rec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		ready:   make(chan struct{}, 1),
		pending: map[uint64]protocol.Environment{},
		clients: map[*client]struct{}{},
	}
}

func (b *Bridge) SetStatus(fn StatusFunc) {
	b.mu.Lock()
	b.status = fn
	b.mu.Unlock()
}

func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// Exchange pops the environment record for req.Step. Records for earlier steps are stale
// and discarded.
func (b *Bridge) Exchange(ctx context.Context, req bridge.Request) (bridge.Positions, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	env, ok := b.pending[req.Step]
	if ok {
		for step := range b.pending {
			if step <= req.Step {
				delete(b.pending, step)
			}
		}
	}
	b.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	if b.rec != nil {
		if err := b.rec.WriteEnvironment(req.SimID, req.Step, env); err != nil {
			return nil, false, err
		}
	}
	return bridge.FromEnvironment(env), true, nil
}

// Publish broadcasts the batch. A client whose queue is full misses it.
func (b *Bridge) Publish(ctx context.Context, step uint64, batch protocol.MovementBatch) error {
	raw, err := json.Marshal(protocol.MovementMsg{
		Type:            protocol.TypeMovement,
		ProtocolVersion: protocol.Version,
		Step:            step,
		Batch:           batch,
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.out <- raw:
		default:
			b.dropped++
			b.log.Printf("frontend %s queue full; dropped movement step=%d", c.name, step)
		}
	}
	return nil
}

// Clients returns the number of attached frontends.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Bridge) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bridge) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := b.handshake(conn)
		if c == nil {
			return
		}
		b.log.Printf("frontend %s attached", c.name)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			b.handleMessage(c, msg)
		}

		cancel()
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		b.log.Printf("frontend %s detached", c.name)
	}
}

func (b *Bridge) handleMessage(c *client, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		b.reply(c, protocol.ErrProtoBadRequest, "malformed json")
		return
	}
	if base.Type != protocol.TypeEnvironment {
		b.reply(c, protocol.ErrUnknownCommand, "unexpected message type "+base.Type)
		return
	}
	if err := protocol.ValidateJSON(protocol.SchemaEnvironmentMsg, msg); err != nil {
		b.reply(c, protocol.ErrProtoBadRequest, err.Error())
		return
	}
	var env protocol.EnvironmentMsg
	if err := json.Unmarshal(msg, &env); err != nil {
		b.reply(c, protocol.ErrProtoBadRequest, err.Error())
		return
	}
	if env.ProtocolVersion != protocol.Version {
		b.reply(c, protocol.ErrProtoBadRequest, "bad protocol_version")
		return
	}
	b.mu.Lock()
	b.pending[env.Step] = env.Agents
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *Bridge) reply(c *client, code, message string) {
	raw, err := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
	if err != nil {
		return
	}
	select {
	case c.out <- raw:
	default:
	}
}

func (b *Bridge) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	if err := protocol.ValidateJSON(protocol.SchemaHello, msg); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	b.mu.Lock()
	status := b.status
	b.mu.Unlock()
	var welcome protocol.WelcomeMsg
	if status != nil {
		welcome = status()
	}
	welcome.Type = protocol.TypeWelcome
	welcome.ProtocolVersion = protocol.Version
	if welcome.Agents == nil {
		welcome.Agents = protocol.Environment{}
	}
	// Registered before WELCOME goes out so no MOVEMENT published after it is missed.
	c := &client{name: hello.ClientName, out: make(chan []byte, 64)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	if err := writeJSON(conn, welcome); err != nil {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		return nil
	}
	return c
}

func writeJSON(conn *websocket.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, raw)
}
