// Package scheduler implements the cooperative, fuel-driven concurrency
// model spec §5 asks for: many plugin sessions exist at once, but only one
// of them ever executes guest code at any instant, and a session gives up
// its turn voluntarily (sched_yield), involuntarily (fuel exhaustion), or
// while blocked on I/O it cannot complete yet (fd_read on an empty stdin,
// poll_oneoff with nothing ready).
//
// wazero has no public API for suspending a running call stack and
// resuming it later, so unlike the teacher's asyncify-based
// engine/asyncify.go (which transforms the guest module so a single Go
// call to it can pause mid-function), this package approximates the same
// guarantee with real goroutines: one per session, each blocked inside
// its own synchronous wazero call. A single-permit channel (the
// "turnstile") ensures only one of those goroutines is ever actually
// running guest code; all the others are parked either on the turnstile
// itself or inside a wasi.Session.Suspend callback waiting on an iopipe.
package scheduler

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/errors"
)

// Turnstile grants exactly one holder at a time the right to run guest
// code. It is the mechanism described in the package doc.
type Turnstile struct {
	token chan struct{}
}

func NewTurnstile() *Turnstile {
	t := &Turnstile{token: make(chan struct{}, 1)}
	t.token <- struct{}{}
	return t
}

// Acquire blocks until the turnstile is free or ctx is done.
func (t *Turnstile) Acquire(ctx context.Context) error {
	select {
	case <-t.token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release gives the turnstile back. Exactly one Release must follow every
// successful Acquire.
func (t *Turnstile) Release() {
	select {
	case t.token <- struct{}{}:
	default:
		panic("scheduler: turnstile released without being held")
	}
}

// Config controls fuel accounting and wait behavior.
type Config struct {
	// FuelPerQuantum is how many guest function-call boundaries a session
	// may cross before it must release the turnstile and wait to be
	// refueled. This stands in for literal per-instruction fuel, which
	// wazero's public API does not expose (see SPEC_FULL.md's open
	// question decision on this).
	FuelPerQuantum uint64
}

const DefaultFuelPerQuantum = 10_000

// Scheduler owns the single turnstile shared by every session in the host
// and the bookkeeping needed to refuel and wake sessions fairly enough
// that none starves, without promising any particular wake order (spec's
// open question: arbitrary order is acceptable).
type Scheduler struct {
	turnstile *Turnstile
	cfg       Config

	mu       sync.Mutex
	sessions map[tlock.SessionID]*sessionState
	nextID   uint64
}

func New(cfg Config) *Scheduler {
	if cfg.FuelPerQuantum == 0 {
		cfg.FuelPerQuantum = DefaultFuelPerQuantum
	}
	return &Scheduler{
		turnstile: NewTurnstile(),
		cfg:       cfg,
		sessions:  make(map[tlock.SessionID]*sessionState),
	}
}

type sessionState struct {
	id       tlock.SessionID
	pluginID tlock.PluginID
	fuel     uint64
	quanta   uint64 // number of times this session exhausted a quantum and was suspended for refueling
}

// NewSessionID allocates the next small monotonic session id.
func (s *Scheduler) NewSessionID() tlock.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return tlock.SessionID(s.nextID)
}

// Register tracks a session so Sessions() can report it (used by the
// cmd/run inspector and host.Introspect).
func (s *Scheduler) Register(id tlock.SessionID, pluginID tlock.PluginID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &sessionState{id: id, pluginID: pluginID, fuel: s.cfg.FuelPerQuantum}
}

func (s *Scheduler) Unregister(id tlock.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SessionInfo is a snapshot row for introspection.
type SessionInfo struct {
	ID       tlock.SessionID
	PluginID tlock.PluginID
	Fuel     uint64
	Quanta   uint64
}

func (s *Scheduler) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, st := range s.sessions {
		out = append(out, SessionInfo{ID: st.id, PluginID: st.pluginID, Fuel: st.fuel, Quanta: st.quanta})
	}
	return out
}

// SessionSnapshot returns a single session's current SessionInfo, used by
// callers that need a session's final fuel usage right before it's
// unregistered (Unregister deletes the session's entry, so this must be
// read before Unregister, not after).
func (s *Scheduler) SessionSnapshot(id tlock.SessionID) (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return SessionInfo{ID: st.id, PluginID: st.pluginID, Fuel: st.fuel, Quanta: st.quanta}, true
}

// Acquire and Release expose the shared turnstile to callers (the engine
// instantiation path, and wasi.Session.Suspend implementations) that need
// to give up and later reclaim the right to run guest code.
func (s *Scheduler) Acquire(ctx context.Context) error { return s.turnstile.Acquire(ctx) }
func (s *Scheduler) Release()                          { s.turnstile.Release() }

// Suspend releases the turnstile, waits for ready or ctx.Done, then
// reacquires the turnstile before returning. It is installed as every
// session's wasi.Session.Suspend callback, which is how fd_read and
// poll_oneoff park a session without occupying the turnstile while idle.
func (s *Scheduler) Suspend(ctx context.Context, ready <-chan struct{}) error {
	s.Release()
	select {
	case <-ready:
	case <-ctx.Done():
	}
	// Reacquire even if ctx is already done, so the caller's own error
	// handling (ctx's error, returned below) fires instead of leaving the
	// turnstile held by nobody.
	if err := s.Acquire(context.Background()); err != nil {
		return err
	}
	return ctx.Err()
}

// Yield implements dispatch.Yielder for host.yield (open question decision
// 3): release the turnstile and immediately try to reacquire it, the same
// thing wasi.schedYield does for a guest that calls sched_yield directly.
func (s *Scheduler) Yield(ctx context.Context, _ tlock.SessionID) error {
	return s.Suspend(ctx, refueled(s, 0))
}

// FuelListenerFactory returns an experimental.FunctionListenerFactory that
// debits one unit of fuel per guest function-call boundary for the named
// session and, on exhaustion, suspends it (yielding the turnstile). Once
// that suspend reacquires the turnstile, the listener resets the session
// back to a full quantum, so a session gets a fresh quantum every time it
// resumes from fuel exhaustion.
func (s *Scheduler) FuelListenerFactory(id tlock.SessionID) experimental.FunctionListenerFactory {
	return &fuelFactory{sched: s, id: id}
}

type fuelFactory struct {
	sched *Scheduler
	id    tlock.SessionID
}

func (f *fuelFactory) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return &fuelListener{sched: f.sched, id: f.id}
}

type fuelListener struct {
	sched *Scheduler
	id    tlock.SessionID
}

func (l *fuelListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	l.sched.mu.Lock()
	st := l.sched.sessions[l.id]
	if st == nil {
		l.sched.mu.Unlock()
		return
	}
	if st.fuel == 0 {
		st.quanta++
		l.sched.mu.Unlock()
		if err := l.sched.Suspend(ctx, refueled(l.sched, l.id)); err != nil {
			return
		}
		l.sched.mu.Lock()
		st = l.sched.sessions[l.id]
		if st != nil {
			st.fuel = l.sched.cfg.FuelPerQuantum
		}
		l.sched.mu.Unlock()
		return
	}
	st.fuel--
	l.sched.mu.Unlock()
}

func (l *fuelListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}
func (l *fuelListener) Abort(context.Context, api.Module, api.FunctionDefinition, error)    {}

// refueled returns a channel that is immediately ready: fuel exhaustion
// is not waiting on any external event, just the turnstile coming back
// around, so the session is always "ready" from the scheduler's point of
// view and simply re-enters the Acquire queue.
func refueled(_ *Scheduler, _ tlock.SessionID) <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// ClosedSessionErr is returned by session-scoped operations once a
// session has been unregistered mid-flight (its plugin trapped, or the
// host force-terminated it).
func ClosedSessionErr(id tlock.SessionID) error {
	return errors.ClosedSession(id.String())
}
