package gateway

import (
	"context"
	"sync"
)

// turnManager serializes turns per session key so one conversation never sees two
// dialog turns interleave.
type turnManager struct {
	mu       sync.Mutex
	sessions map[string]*sessionTurn
}

// sessionTurn is the lock tracked for one session key while any turn holds or awaits it.
type sessionTurn struct {
	lock chan struct{}
	refs int
}

func newTurnManager() *turnManager {
	return &turnManager{sessions: make(map[string]*sessionTurn)}
}

// Acquire blocks until the session's turn lock is free or ctx ends. The returned
// release must be called exactly once when err is nil.
func (m *turnManager) Acquire(ctx context.Context, sessionKey string) (func(), error) {
	turn := m.ref(sessionKey)

	select {
	case turn.lock <- struct{}{}:
	case <-ctx.Done():
		m.unref(sessionKey, turn)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-turn.lock
			m.unref(sessionKey, turn)
		})
	}, nil
}

// Active returns the number of sessions with a running or waiting turn.
func (m *turnManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *turnManager) ref(sessionKey string) *sessionTurn {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn, ok := m.sessions[sessionKey]
	if !ok {
		turn = &sessionTurn{lock: make(chan struct{}, 1)}
		m.sessions[sessionKey] = turn
	}
	turn.refs++

	return turn
}

func (m *turnManager) unref(sessionKey string, turn *sessionTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn.refs--
	if turn.refs == 0 {
		delete(m.sessions, sessionKey)
	}
}
