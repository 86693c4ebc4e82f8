// Package console is the interactive operator surface over a running simulation.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"townsim.ai/internal/persistence/archive"
	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/tiles"
	"townsim.ai/internal/sim/world"
)

var ErrUnknownCommand = errors.New("unknown command")

// Sim is the slice of *world.World the console drives.
type Sim interface {
	RunTicks(ctx context.Context, n int) (world.RunReport, error)
	Save() error
	Discard() error
	Status() world.Status
	AgentIDs() []string
	AgentTile(id string) (tiles.Coord, error)
	Tile(c tiles.Coord) tiles.Tile
	InBounds(c tiles.Coord) bool
	Schedule(id string) (string, error)
	Ask(ctx context.Context, id, question string) (string, error)
	Lineage() ([]string, error)
	Archive(path string) (archive.Header, error)
}

// Result is what one command produced. Done ends the session.
type Result struct {
	Output string
	Done   bool
}

type handler func(ctx context.Context, s Sim, c *Command) (Result, error)

var dispatch = map[string]handler{
	"finish":          finish,
	"exit":            exit,
	"save":            save,
	"run":             run,
	"print schedule":  printSchedule,
	"print schedules": printSchedules,
	"print tile":      printTile,
	"print events":    printEvents,
	"print details":   printDetails,
	"print time":      printTime,
	"print lineage":   printLineage,
	"ask":             ask,
	"archive":         archiveTo,
}

type Console struct {
	sim Sim
	log *log.Logger
}

func New(s Sim, logger *log.Logger) *Console {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Console{sim: s, log: logger}
}

// Exec parses and runs one line.
func (c *Console) Exec(ctx context.Context, line string) (Result, error) {
	cmd, err := Parse(strings.TrimSpace(line))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnknownCommand, err)
	}
	h, ok := dispatch[cmd.Kind()]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
	}
	return h(ctx, c.sim, cmd)
}

// Run reads commands from in until a command ends the session, in is exhausted, or a
// fatal tick-loop error occurs. Only the fatal error is returned; rejected commands are
// reported on out and the session continues.
func (c *Console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Enter option: ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		res, err := c.Exec(ctx, line)
		if err != nil && res.Output != "" {
			fmt.Fprintln(out, res.Output)
		}
		if err != nil {
			code := Code(err)
			if world.IsFatal(err) {
				c.log.Printf("fatal %s: %v", code, err)
				fmt.Fprintf(out, "fatal [%s]: %v\n", code, err)
				return err
			}
			c.log.Printf("command %q rejected %s: %v", line, code, err)
			fmt.Fprintf(out, "error [%s]: %v\n", code, err)
			continue
		}
		if res.Output != "" {
			fmt.Fprintln(out, res.Output)
		}
		if res.Done {
			return nil
		}
	}
}

// Code maps a command error to its protocol code.
func Code(err error) string {
	if errors.Is(err, ErrUnknownCommand) {
		return protocol.ErrUnknownCommand
	}
	return world.Code(err)
}

func finish(_ context.Context, s Sim, _ *Command) (Result, error) {
	if err := s.Save(); err != nil {
		return Result{}, err
	}
	return Result{Output: "saved " + s.Status().SimID, Done: true}, nil
}

func exit(_ context.Context, s Sim, _ *Command) (Result, error) {
	id := s.Status().SimID
	if err := s.Discard(); err != nil {
		return Result{}, err
	}
	return Result{Output: "discarded " + id, Done: true}, nil
}

func save(_ context.Context, s Sim, _ *Command) (Result, error) {
	if err := s.Save(); err != nil {
		return Result{}, err
	}
	st := s.Status()
	return Result{Output: fmt.Sprintf("saved %s at step %d", st.SimID, st.Step)}, nil
}

func run(ctx context.Context, s Sim, c *Command) (Result, error) {
	rep, err := s.RunTicks(ctx, *c.Run)
	var b strings.Builder
	for _, f := range rep.Failures() {
		fmt.Fprintf(&b, "warning [%s]: %v\n", protocol.ErrAgentDecision, f)
	}
	st := s.Status()
	fmt.Fprintf(&b, "ran %d/%d ticks; step %d, %s", rep.Completed(), *c.Run, st.Step, st.CurrTime)
	if err != nil {
		return Result{Output: b.String()}, err
	}
	return Result{Output: b.String()}, nil
}

func printSchedule(_ context.Context, s Sim, c *Command) (Result, error) {
	out, err := s.Schedule(*c.Print.Schedule)
	return Result{Output: out}, err
}

func printSchedules(_ context.Context, s Sim, _ *Command) (Result, error) {
	var b strings.Builder
	for _, id := range s.AgentIDs() {
		out, err := s.Schedule(id)
		if err != nil {
			fmt.Fprintf(&b, "%s: %v\n", id, err)
			continue
		}
		fmt.Fprintf(&b, "%s\n%s\n", id, out)
	}
	return Result{Output: strings.TrimRight(b.String(), "\n")}, nil
}

func printTile(_ context.Context, s Sim, c *Command) (Result, error) {
	t, err := s.AgentTile(*c.Print.Tile)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: fmt.Sprintf("[%d, %d]", t.X, t.Y)}, nil
}

func printEvents(_ context.Context, s Sim, c *Command) (Result, error) {
	t, err := tileAt(s, c.Print.Events)
	if err != nil {
		return Result{}, err
	}
	lines := make([]string, 0, len(t.Events))
	for _, ev := range t.Events {
		lines = append(lines, ev.String())
	}
	return Result{Output: strings.Join(lines, "\n")}, nil
}

func printDetails(_ context.Context, s Sim, c *Command) (Result, error) {
	t, err := tileAt(s, c.Print.Details)
	if err != nil {
		return Result{}, err
	}
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return Result{}, err
	}
	return Result{Output: string(raw)}, nil
}

func tileAt(s Sim, xy *XY) (tiles.Tile, error) {
	c := tiles.Coord{X: xy.X, Y: xy.Y}
	if !s.InBounds(c) {
		return tiles.Tile{}, fmt.Errorf("tile %v: %w", c, tiles.ErrOutOfBounds)
	}
	return s.Tile(c), nil
}

func printTime(_ context.Context, s Sim, _ *Command) (Result, error) {
	st := s.Status()
	return Result{Output: fmt.Sprintf("%s (step %d)", st.CurrTime, st.Step)}, nil
}

func printLineage(_ context.Context, s Sim, _ *Command) (Result, error) {
	ids, err := s.Lineage()
	if err != nil {
		return Result{}, err
	}
	return Result{Output: strings.Join(ids, " <- ")}, nil
}

func ask(ctx context.Context, s Sim, c *Command) (Result, error) {
	out, err := s.Ask(ctx, c.Ask.Agent, c.Ask.Question)
	return Result{Output: out}, err
}

func archiveTo(_ context.Context, s Sim, c *Command) (Result, error) {
	h, err := s.Archive(*c.Archive)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: fmt.Sprintf("archived %s step %d (%d files) to %s", h.SimID, h.Step, h.Files, *c.Archive)}, nil
}
