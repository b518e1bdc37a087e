package listsync

import (
	"context"
	"sync"
)

// streamManager owns the push connection lifecycle. The state machine is
// deliberately simple: idle until started, connecting while dialing, open
// while reading, failed after any error. Failed is terminal until retry();
// there is no automatic reconnect loop, so the UI stays in control of when
// to burn the user's battery on redials.
type streamManager struct {
	engine  *Engine
	source  PushSource
	onState func(state ConnState, err error)

	mu      sync.Mutex
	current ConnState
	ctx     context.Context
	cancel  context.CancelFunc
	conn    PushConn
}

func newStreamManager(engine *Engine, source PushSource, onState func(ConnState, error)) *streamManager {
	return &streamManager{
		engine:  engine,
		source:  source,
		onState: onState,
		current: ConnIdle,
	}
}

func (sm *streamManager) state() ConnState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

func (sm *streamManager) setState(state ConnState, err error) {
	sm.mu.Lock()
	if sm.current == state {
		sm.mu.Unlock()
		return
	}
	sm.current = state
	sm.mu.Unlock()
	if sm.onState != nil {
		sm.onState(state, err)
	}
}

// start begins consuming push events. Calling it again while a connection
// is live is a no-op.
func (sm *streamManager) start(ctx context.Context) {
	if sm.source == nil {
		return
	}
	sm.mu.Lock()
	if sm.current == ConnConnecting || sm.current == ConnOpen {
		sm.mu.Unlock()
		return
	}
	streamCtx, cancel := context.WithCancel(ctx)
	sm.ctx = streamCtx
	sm.cancel = cancel
	sm.mu.Unlock()
	go sm.consume(streamCtx)
}

// retry re-attempts a failed connection. Any other state is a no-op: a
// live connection is not torn down and an idle manager waits for start.
func (sm *streamManager) retry() {
	sm.mu.Lock()
	if sm.current != ConnFailed || sm.ctx == nil || sm.ctx.Err() != nil {
		sm.mu.Unlock()
		return
	}
	ctx := sm.ctx
	sm.mu.Unlock()
	go sm.consume(ctx)
}

func (sm *streamManager) stop() {
	sm.mu.Lock()
	cancel := sm.cancel
	conn := sm.conn
	sm.conn = nil
	sm.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (sm *streamManager) consume(ctx context.Context) {
	sm.setState(ConnConnecting, nil)
	conn, err := sm.source.Connect(ctx)
	if err != nil {
		sm.engine.logger.Printf("push stream connect failed: %v", err)
		sm.setState(ConnFailed, err)
		return
	}
	sm.mu.Lock()
	sm.conn = conn
	sm.mu.Unlock()
	sm.setState(ConnOpen, nil)

	// The stream is live again: drain the offline queue before folding in
	// events, so replayed writes and their echoes resolve in order.
	if err := sm.engine.Replay(ctx); err != nil {
		sm.engine.logger.Printf("offline replay interrupted: %v", err)
	}

	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			conn.Close()
			sm.mu.Lock()
			if sm.conn == conn {
				sm.conn = nil
			}
			sm.mu.Unlock()
			if ctx.Err() != nil {
				sm.setState(ConnIdle, nil)
				return
			}
			// A dropped stream degrades connection state only; cached data
			// stays served and mutations keep flowing over the write path.
			sm.engine.logger.Printf("push stream closed: %v", err)
			sm.setState(ConnFailed, err)
			return
		}
		sm.engine.HandleEvent(ev)
	}
}
