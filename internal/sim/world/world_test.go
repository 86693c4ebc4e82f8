package world

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"townsim.ai/internal/persistence/snapshot"
	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/agent"
	"townsim.ai/internal/sim/bridge"
	"townsim.ai/internal/sim/tiles"
)

const stove = "town:cafe:kitchen:stove"

type fakeRuntime struct {
	mu       sync.Mutex
	id       string
	activity string
	object   tiles.Event
	path     bool
	lastSeen time.Time
	days     []agent.DayBoundary
	calls    int
	failOn   int
	dx       int
	saved    int
	onDecide func(ctx context.Context) error
}

func (f *fakeRuntime) ID() string { return f.id }

func (f *fakeRuntime) CurrentEvent() tiles.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activity == "" {
		return tiles.IdleEvent(f.id)
	}
	return tiles.ActiveEvent(f.id, "is", f.activity, f.activity)
}

func (f *fakeRuntime) ObjectEvent() tiles.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.object
}

func (f *fakeRuntime) HasPath() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

func (f *fakeRuntime) LastSeen() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen
}

func (f *fakeRuntime) Perceive(ctx context.Context, view tiles.Reader, at tiles.Coord) ([]tiles.Event, error) {
	var out []tiles.Event
	for _, p := range view.EventsNear(at, 2) {
		out = append(out, p.Event)
	}
	return out, nil
}

func (f *fakeRuntime) Decide(ctx context.Context, in agent.DecideInput) (agent.Move, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSeen = in.Now
	f.days = append(f.days, in.Day)
	if f.failOn > 0 && f.calls == f.failOn {
		return agent.Move{}, fmt.Errorf("model unavailable")
	}
	if f.onDecide != nil {
		if err := f.onDecide(ctx); err != nil {
			return agent.Move{}, err
		}
	}
	return agent.Move{
		Tile:        tiles.Coord{X: in.Tile.X + f.dx, Y: in.Tile.Y},
		Glyph:       "g-" + f.id,
		Description: fmt.Sprintf("%s call %d", f.activity, f.calls),
	}, nil
}

func (f *fakeRuntime) Save(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved++
	return nil
}

type fixture struct {
	store  *snapshot.Store
	cfg    Config
	agents map[string]*fakeRuntime
}

func newFixture(t *testing.T, currTime string, env protocol.Environment, rts ...*fakeRuntime) *fixture {
	t.Helper()
	store := snapshot.NewStore(t.TempDir())
	fx := &fixture{store: store, agents: map[string]*fakeRuntime{}}
	var ids []string
	for _, rt := range rts {
		fx.agents[rt.id] = rt
		ids = append(ids, rt.id)
	}
	meta := snapshot.Meta{
		StartDate:  "February 13, 2023",
		CurrTime:   currTime,
		SecPerStep: 10,
		MapID:      "town",
		AgentIDs:   ids,
	}
	if err := store.WriteMeta("base", meta); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	if err := store.WriteEnvironment("base", 0, env); err != nil {
		t.Fatalf("WriteEnvironment: %v", err)
	}
	fx.cfg = Config{
		Store: store,
		Maps: func(id string) (*tiles.Store, error) {
			return tiles.Build(tiles.MapFile{
				ID: id, World: "town", Width: 12, Height: 12,
				Arenas:  []tiles.ArenaDef{{Sector: "cafe", Arena: "kitchen", From: [2]int{0, 0}, To: [2]int{11, 11}}},
				Objects: []tiles.ObjectDef{{Name: "stove", Tiles: [][2]int{{3, 3}}}},
			})
		},
		Agents: func(id, dir string) (agent.Runtime, error) {
			rt, ok := fx.agents[id]
			if !ok {
				return nil, fmt.Errorf("no runtime %s", id)
			}
			return rt, nil
		},
		Bridge:      bridge.NewEcho(store),
		Wait:        bridge.WaitOptions{IdleDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		VerifyTiles: true,
		Logger:      log.New(io.Discard, "", 0),
	}
	return fx
}

func (fx *fixture) load(t *testing.T) *World {
	t.Helper()
	w, err := Load(fx.cfg, "base", "run1", snapshot.FailIfExists)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return w
}

func TestRunTicks_PersistsMovementKeyedByNewStep(t *testing.T) {
	ana := &fakeRuntime{id: "ana", activity: "walking", dx: 1}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {0, 0}}, ana)
	w := fx.load(t)

	rep, err := w.RunTicks(context.Background(), 3)
	if err != nil {
		t.Fatalf("RunTicks: %v", err)
	}
	if rep.Completed() != 3 || w.Step() != 3 {
		t.Fatalf("completed=%d step=%d", rep.Completed(), w.Step())
	}
	for step := uint64(1); step <= 3; step++ {
		mv, err := fx.store.ReadMovement("run1", step)
		if err != nil {
			t.Fatalf("ReadMovement %d: %v", step, err)
		}
		want := fmt.Sprintf("February 13, 2023, 00:00:%02d", step*10)
		if mv.Meta.CurrTime != want {
			t.Fatalf("step %d curr_time=%q want %q", step, mv.Meta.CurrTime, want)
		}
		if got := mv.Agents["ana"].Movement; got != [2]int{int(step), 0} {
			t.Fatalf("step %d movement=%v", step, got)
		}
	}
	if tile, _ := w.AgentTile("ana"); tile != (tiles.Coord{X: 2, Y: 0}) {
		t.Fatalf("registry tile=%s", tile)
	}
	if _, err := fx.store.ReadMovement("base", 1); err == nil {
		t.Fatalf("source snapshot must not be written")
	}
}

type stalling struct {
	inner  bridge.Bridge
	stalls int32
	calls  atomic.Int32
}

func (s *stalling) Exchange(ctx context.Context, req bridge.Request) (bridge.Positions, bool, error) {
	if s.calls.Add(1) <= s.stalls {
		return nil, false, nil
	}
	return s.inner.Exchange(ctx, req)
}

func TestRunTicks_WaitsForBridge(t *testing.T) {
	ana := &fakeRuntime{id: "ana", activity: "reading"}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {1, 1}}, ana)
	sb := &stalling{inner: bridge.NewEcho(nil), stalls: 2}
	fx.cfg.Bridge = sb
	w := fx.load(t)

	rep, err := w.RunTicks(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunTicks: %v", err)
	}
	if rep.Ticks[0].Polls != 3 || sb.calls.Load() != 3 {
		t.Fatalf("polls=%d calls=%d", rep.Ticks[0].Polls, sb.calls.Load())
	}
	if w.Step() != 1 || ana.calls != 1 {
		t.Fatalf("step=%d decide calls=%d", w.Step(), ana.calls)
	}
}

func TestRunTicks_BridgeTimeoutIsFatal(t *testing.T) {
	ana := &fakeRuntime{id: "ana"}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {1, 1}}, ana)
	fx.cfg.Bridge = &stalling{inner: bridge.NewEcho(nil), stalls: 1 << 30}
	fx.cfg.Wait.Timeout = 15 * time.Millisecond
	w := fx.load(t)

	_, err := w.RunTicks(context.Background(), 2)
	if !errors.Is(err, ErrBridgeTimeout) || !IsFatal(err) {
		t.Fatalf("expected fatal bridge timeout, got %v", err)
	}
	if Code(err) != protocol.ErrBridgeTimeout {
		t.Fatalf("code=%s", Code(err))
	}
	if w.Step() != 0 {
		t.Fatalf("step advanced on timeout")
	}
}

func TestRunTicks_CancelWhileWaiting(t *testing.T) {
	ana := &fakeRuntime{id: "ana"}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {1, 1}}, ana)
	fx.cfg.Bridge = &stalling{inner: bridge.NewEcho(nil), stalls: 1 << 30}
	w := fx.load(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := w.RunTicks(ctx, 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if w.Step() != 0 {
		t.Fatalf("step=%d", w.Step())
	}
	if steps, _ := fx.store.MovementSteps("run1"); len(steps) != 0 {
		t.Fatalf("movement written on cancel: %v", steps)
	}
}

func TestRunTicks_ObjectEventLifecycle(t *testing.T) {
	ana := &fakeRuntime{
		id:       "ana",
		activity: "cooking",
		object:   tiles.ActiveEvent(stove, "is", "in use", "in use"),
	}
	fx := newFixture(t, "February 13, 2023, 08:00:00", protocol.Environment{"ana": {3, 3}}, ana)
	w := fx.load(t)
	at := tiles.Coord{X: 3, Y: 3}

	hasActiveStove := func() bool {
		for _, ev := range w.Tile(at).Events {
			if ev.Subject == stove && ev.State.Kind == tiles.Active {
				return true
			}
		}
		return false
	}
	hasPlaceholder := func() bool {
		for _, ev := range w.Tile(at).Events {
			if ev == tiles.IdleEvent(stove) {
				return true
			}
		}
		return false
	}

	if _, err := w.RunTicks(context.Background(), 1); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if !hasActiveStove() || hasPlaceholder() {
		t.Fatalf("after arrival: events=%v", w.Tile(at).Events)
	}
	if w.Status().PendingCleanup != 1 {
		t.Fatalf("pending=%d", w.Status().PendingCleanup)
	}

	if _, err := w.RunTicks(context.Background(), 1); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if !hasActiveStove() || hasPlaceholder() || w.Status().PendingCleanup != 1 {
		t.Fatalf("still cooking: events=%v", w.Tile(at).Events)
	}

	ana.mu.Lock()
	ana.path = true
	ana.mu.Unlock()
	if _, err := w.RunTicks(context.Background(), 1); err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	if hasActiveStove() || !hasPlaceholder() || w.Status().PendingCleanup != 0 {
		t.Fatalf("after leaving: events=%v", w.Tile(at).Events)
	}
}

func TestRunTicks_LedgerMissIsFatal(t *testing.T) {
	obj := tiles.ActiveEvent(stove, "is", "in use", "in use")
	ana := &fakeRuntime{id: "ana", activity: "cooking", object: obj}
	fx := newFixture(t, "February 13, 2023, 08:00:00", protocol.Environment{"ana": {3, 3}}, ana)
	w := fx.load(t)

	if _, err := w.RunTicks(context.Background(), 1); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	w.tiles.RemoveEvent(tiles.Coord{X: 3, Y: 3}, obj)

	_, err := w.RunTicks(context.Background(), 1)
	if !errors.Is(err, ErrTileStateInconsistency) || !IsFatal(err) {
		t.Fatalf("expected tile state inconsistency, got %v", err)
	}
	if w.Step() != 1 {
		t.Fatalf("step=%d", w.Step())
	}
}

func TestRunTicks_PlacementFailureRollsBack(t *testing.T) {
	bob := &fakeRuntime{id: "bob", activity: "walking", dx: 1}
	ana := &fakeRuntime{id: "ana", activity: "reading"}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {0, 0}, "bob": {5, 5}}, ana, bob)
	fx.cfg.VerifyTiles = false
	w := fx.load(t)

	ghost := tiles.ActiveEvent("bob", "is", "haunting", "")
	if err := w.tiles.AddEvent(tiles.Coord{X: 6, Y: 5}, ghost); err != nil {
		t.Fatalf("seed ghost: %v", err)
	}

	if _, err := w.RunTicks(context.Background(), 1); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	before := w.Tile(tiles.Coord{X: 5, Y: 5}).Events

	rep, err := w.RunTicks(context.Background(), 1)
	if err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	fails := rep.Failures()
	if len(fails) != 1 || fails[0].AgentID != "bob" || fails[0].Phase != PhasePlace {
		t.Fatalf("failures=%v", fails)
	}
	if !errors.Is(fails[0], ErrAgentDecisionFailure) || !errors.Is(fails[0], ErrTileStateInconsistency) {
		t.Fatalf("failure does not unwrap: %v", fails[0])
	}
	if IsFatal(fails[0]) {
		t.Fatalf("agent failure must not be fatal")
	}
	if tile, _ := w.AgentTile("bob"); tile != (tiles.Coord{X: 5, Y: 5}) {
		t.Fatalf("bob moved despite failure: %s", tile)
	}
	after := w.Tile(tiles.Coord{X: 5, Y: 5}).Events
	if len(after) != len(before) || after[0] != before[0] {
		t.Fatalf("old tile not restored: before=%v after=%v", before, after)
	}
	if evs := w.Tile(tiles.Coord{X: 6, Y: 5}).Events; len(evs) != 1 || evs[0] != ghost {
		t.Fatalf("new tile not restored: %v", evs)
	}
	if w.Step() != 2 {
		t.Fatalf("tick must complete for other agents, step=%d", w.Step())
	}
	if bob.calls != 1 {
		t.Fatalf("bob decided after failed placement: calls=%d", bob.calls)
	}
	mv, err := fx.store.ReadMovement("run1", 2)
	if err != nil {
		t.Fatalf("ReadMovement: %v", err)
	}
	if b := mv.Agents["bob"]; b.Movement != [2]int{5, 5} || b.Description != "walking call 1" {
		t.Fatalf("bob movement=%+v", b)
	}
}

func TestRunTicks_DecideFailureKeepsPreviousMove(t *testing.T) {
	ana := &fakeRuntime{id: "ana", activity: "walking", dx: 1}
	cara := &fakeRuntime{id: "cara", activity: "jogging", dx: 1, failOn: 2}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {0, 0}, "cara": {0, 5}}, ana, cara)
	w := fx.load(t)

	rep, err := w.RunTicks(context.Background(), 2)
	if err != nil {
		t.Fatalf("RunTicks: %v", err)
	}
	fails := rep.Failures()
	if len(fails) != 1 || fails[0].AgentID != "cara" || fails[0].Phase != PhaseDecide || fails[0].Step != 1 {
		t.Fatalf("failures=%v", fails)
	}
	if Code(fails[0]) != protocol.ErrAgentDecision {
		t.Fatalf("code=%s", Code(fails[0]))
	}
	mv, err := fx.store.ReadMovement("run1", 2)
	if err != nil {
		t.Fatalf("ReadMovement: %v", err)
	}
	c := mv.Agents["cara"]
	if c.Movement != [2]int{1, 5} || c.Description != "jogging call 1" {
		t.Fatalf("cara movement=%+v", c)
	}
	if a := mv.Agents["ana"]; a.Movement != [2]int{2, 0} {
		t.Fatalf("ana movement=%+v", a)
	}
}

func TestRunTicks_DayBoundary(t *testing.T) {
	ana := &fakeRuntime{id: "ana"}
	fx := newFixture(t, "February 13, 2023, 23:59:50", protocol.Environment{"ana": {0, 0}}, ana)
	w := fx.load(t)
	if _, err := w.RunTicks(context.Background(), 3); err != nil {
		t.Fatalf("RunTicks: %v", err)
	}
	want := []agent.DayBoundary{agent.FirstDay, agent.NewDay, agent.SameDay}
	for i := range want {
		if ana.days[i] != want[i] {
			t.Fatalf("days=%v want %v", ana.days, want)
		}
	}
}

func TestRunTicks_ConcurrentDecide(t *testing.T) {
	var rts []*fakeRuntime
	env := protocol.Environment{}
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("a%d", i)
		rts = append(rts, &fakeRuntime{id: id, activity: "walking", dx: 1})
		env[id] = [2]int{0, i}
	}
	fx := newFixture(t, "February 13, 2023, 00:00:00", env, rts...)
	fx.cfg.DecideConcurrency = 3
	w := fx.load(t)
	if _, err := w.RunTicks(context.Background(), 4); err != nil {
		t.Fatalf("RunTicks: %v", err)
	}
	mv, err := fx.store.ReadMovement("run1", 4)
	if err != nil {
		t.Fatalf("ReadMovement: %v", err)
	}
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("a%d", i)
		if got := mv.Agents[id].Movement; got != [2]int{4, i} {
			t.Fatalf("%s movement=%v", id, got)
		}
	}
}

func TestLoad_SnapshotConflict(t *testing.T) {
	ana := &fakeRuntime{id: "ana"}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {0, 0}}, ana)
	fx.load(t)
	_, err := Load(fx.cfg, "base", "run1", snapshot.FailIfExists)
	if !errors.Is(err, ErrSnapshotConflict) || Code(err) != protocol.ErrSnapshotConflict {
		t.Fatalf("expected snapshot conflict, got %v", err)
	}
}

func TestLoad_MissingInitialTile(t *testing.T) {
	ana := &fakeRuntime{id: "ana"}
	bob := &fakeRuntime{id: "bob"}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {0, 0}}, ana, bob)
	if _, err := Load(fx.cfg, "base", "run1", snapshot.FailIfExists); err == nil {
		t.Fatalf("expected error for agent without initial tile")
	}
}

func TestSaveAndReopen(t *testing.T) {
	ana := &fakeRuntime{id: "ana", activity: "walking", dx: 1}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {0, 0}}, ana)
	w := fx.load(t)
	if _, err := w.RunTicks(context.Background(), 3); err != nil {
		t.Fatalf("RunTicks: %v", err)
	}
	if err := w.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ana.saved != 1 {
		t.Fatalf("runtime saved %d times", ana.saved)
	}

	back, err := Open(fx.cfg, "run1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if back.Step() != 3 || !back.Now().Equal(w.Now()) {
		t.Fatalf("reopened at step=%d time=%s", back.Step(), back.Now())
	}
	// No environment/3 exists yet; the tile comes from movement/3.
	if tile, _ := back.AgentTile("ana"); tile != (tiles.Coord{X: 3, Y: 0}) {
		t.Fatalf("reopened tile=%s", tile)
	}
	lineage, err := back.Lineage()
	if err != nil || len(lineage) != 2 || lineage[1] != "base" {
		t.Fatalf("lineage=%v err=%v", lineage, err)
	}
}

func TestIntrospection(t *testing.T) {
	ana := &fakeRuntime{id: "ana", activity: "reading"}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {2, 2}}, ana)
	w := fx.load(t)

	if _, err := w.AgentTile("nobody"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
	if _, err := w.Schedule("ana"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	st := w.Status()
	if st.SimID != "run1" || st.ForkSourceID != "base" || st.Agents["ana"] != [2]int{2, 2} {
		t.Fatalf("status=%+v", st)
	}
	if evs := w.Tile(tiles.Coord{X: 2, Y: 2}).Events; len(evs) != 1 || evs[0].Subject != "ana" {
		t.Fatalf("tile events=%v", evs)
	}
	answers := w.AskAll(context.Background(), "how are you?")
	if len(answers) != 1 || answers[0].Error == "" {
		t.Fatalf("answers=%+v", answers)
	}
}

func TestDiscard(t *testing.T) {
	ana := &fakeRuntime{id: "ana"}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {0, 0}}, ana)
	w := fx.load(t)
	if err := w.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if fx.store.Exists("run1") || !fx.store.Exists("base") {
		t.Fatalf("discard removed the wrong tree")
	}
}

func TestLoad_SurvivesSourceDeletion(t *testing.T) {
	ana := &fakeRuntime{id: "ana", activity: "walking", dx: 1}
	fx := newFixture(t, "February 13, 2023, 00:00:00", protocol.Environment{"ana": {0, 0}}, ana)
	w := fx.load(t)
	if err := fx.store.Remove("base"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := w.RunTicks(context.Background(), 2); err != nil {
		t.Fatalf("RunTicks after source deletion: %v", err)
	}
	if err := w.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	back, err := Open(fx.cfg, "run1")
	if err != nil || back.Step() != 2 {
		t.Fatalf("Open: %v", err)
	}
	if lineage, err := back.Lineage(); err != nil || len(lineage) != 2 || lineage[1] != "base" {
		t.Fatalf("lineage=%v err=%v", lineage, err)
	}
}

func TestCodeAndIsFatal(t *testing.T) {
	failure := &AgentFailure{AgentID: "ana", Step: 4, Phase: PhaseDecide, Err: errors.New("boom")}
	cases := []struct {
		err   error
		code  string
		fatal bool
	}{
		{fmt.Errorf("tick 3: %w", bridge.ErrTimeout), protocol.ErrBridgeTimeout, true},
		{fmt.Errorf("settle: %w", tiles.ErrTileStateInconsistency), protocol.ErrTileState, true},
		{fmt.Errorf("load: %w", snapshot.ErrSnapshotConflict), protocol.ErrSnapshotConflict, false},
		{failure, protocol.ErrAgentDecision, false},
		{fmt.Errorf("tile: %w", tiles.ErrOutOfBounds), protocol.ErrNotFound, false},
		{fmt.Errorf("open: %w", snapshot.ErrNotFound), protocol.ErrNotFound, false},
		{ErrUnknownAgent, protocol.ErrUnknownAgent, false},
		{context.Canceled, protocol.ErrInternal, true},
		{errors.New("disk full"), protocol.ErrInternal, false},
	}
	for _, c := range cases {
		if got := Code(c.err); got != c.code {
			t.Fatalf("Code(%v)=%s want %s", c.err, got, c.code)
		}
		if got := IsFatal(c.err); got != c.fatal {
			t.Fatalf("IsFatal(%v)=%v want %v", c.err, got, c.fatal)
		}
	}
	if !errors.Is(failure, ErrAgentDecisionFailure) {
		t.Fatalf("agent failure must match ErrAgentDecisionFailure")
	}
	if Code(nil) != "" || IsFatal(nil) {
		t.Fatalf("nil error must map to no code")
	}
}
