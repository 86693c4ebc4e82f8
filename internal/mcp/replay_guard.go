package mcp

import (
	"sync"
	"time"
)

const (
	replayPruneAbove = 4096
	replayMaxEntries = 65536
)

// replayGuard rejects a (client, signature) pair seen within ttl.
type replayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	lastPrune time.Time
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	if ttl <= 0 {
		ttl = 2 * maxClockSkew
	}
	return &replayGuard{seen: map[string]time.Time{}, ttl: ttl}
}

func (g *replayGuard) allow(clientID, signature string, now time.Time) bool {
	if g == nil || signature == "" {
		return true
	}
	key := clientID + "|" + signature

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.seen) > replayPruneAbove || now.Sub(g.lastPrune) > g.ttl/2 {
		for k, exp := range g.seen {
			if !exp.After(now) {
				delete(g.seen, k)
			}
		}
		g.lastPrune = now
	}
	if exp, ok := g.seen[key]; ok && exp.After(now) {
		return false
	}
	if len(g.seen) >= replayMaxEntries {
		g.seen = map[string]time.Time{}
	}
	g.seen[key] = now.Add(g.ttl)
	return true
}
