/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package guess

import (
	"context"
	"sync"
	"time"

	"github.com/Seednode/coverbox/chat"
)

// Manager holds one game per scope, created on first use.
type Manager struct {
	ctx   context.Context
	songs Songs
	out   chat.Sender
	opts  Options

	mu    sync.Mutex
	games map[chat.Scope]*Game
}

func NewManager(ctx context.Context, songs Songs, out chat.Sender, opts Options) *Manager {
	return &Manager{
		ctx:   ctx,
		songs: songs,
		out:   out,
		opts:  opts,
		games: make(map[chat.Scope]*Game),
	}
}

func (m *Manager) Game(scope chat.Scope) *Game {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.games[scope]; ok {
		return g
	}

	g := New(m.ctx, scope, m.songs, m.out, m.opts)
	m.games[scope] = g

	return g
}

func (m *Manager) Lookup(scope chat.Scope) (*Game, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.games[scope]
	return g, ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.games)
}

// Close stops and forgets the game for scope, if there is one.
func (m *Manager) Close(scope chat.Scope) {
	m.mu.Lock()
	g, ok := m.games[scope]
	delete(m.games, scope)
	m.mu.Unlock()

	if ok {
		g.Close()
	}
}

// Reap closes games that have seen no events for longer than idle and
// returns how many were closed.
func (m *Manager) Reap(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	m.mu.Lock()
	var stale []*Game
	for scope, g := range m.games {
		if g.LastActive().Before(cutoff) {
			stale = append(stale, g)
			delete(m.games, scope)
		}
	}
	m.mu.Unlock()

	for _, g := range stale {
		g.Close()
	}

	return len(stale)
}

// Shutdown closes every game.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	games := m.games
	m.games = make(map[chat.Scope]*Game)
	m.mu.Unlock()

	for _, g := range games {
		g.Close()
	}
}
