package scheduler

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/tetratelabs/wazero/experimental"
	"golang.org/x/time/rate"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/engine"
	"github.com/Robert-MacWha/tlock/errors"
	"github.com/Robert-MacWha/tlock/iopipe"
	"github.com/Robert-MacWha/tlock/wasi"
)

// Runner ties one Scheduler to one engine.Engine and wasi.Host, and knows
// how to run a single plugin session end to end: register it with both,
// hand its stdio pipes to the wasi host, instantiate the guest under the
// turnstile, and clean up however the guest finished (normal return,
// proc_exit, or trap).
type Runner struct {
	sched    *Scheduler
	eng      *engine.Engine
	wasiHost *wasi.Host
}

func NewRunner(sched *Scheduler, eng *engine.Engine, wasiHost *wasi.Host) *Runner {
	return &Runner{sched: sched, eng: eng, wasiHost: wasiHost}
}

// Stdio is the set of pipes a session's WASI fd 0/1/2 are bound to. The
// transport package owns Stdin (it writes requests, reads responses) and
// Stdout (the reverse); the host's log sink reads Stderr.
type Stdio struct {
	Stdin  *iopipe.Pipe
	Stdout *iopipe.Pipe
	Stderr *iopipe.Pipe
}

// RunConfig describes one session's guest process image.
type RunConfig struct {
	SessionID tlock.SessionID
	PluginID  tlock.PluginID
	Module    *engine.Module
	Stdio     Stdio
	Args      []string
	Env       []string

	// StdoutLimiter throttles every fd_write call the guest makes on
	// stdout to the limiter's rate (spec §5 "Backpressure"), whether or
	// not the host's consumer has fallen behind. nil disables throttling.
	StdoutLimiter *rate.Limiter

	// OnSessionEnd, if set, is called with the session's final SessionInfo
	// right before it's unregistered from the scheduler, so a caller can
	// record per-session fuel usage without racing Unregister.
	OnSessionEnd func(SessionInfo)
}

// Run instantiates and executes the guest synchronously in the calling
// goroutine (the caller is expected to have already spawned a dedicated
// goroutine per session, matching the package doc's one-goroutine-per-
// session model) and returns once the guest has returned from _start,
// called proc_exit, or trapped.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) error {
	name := cfg.SessionID.String()
	r.sched.Register(cfg.SessionID, cfg.PluginID)
	defer func() {
		if cfg.OnSessionEnd != nil {
			if info, ok := r.sched.SessionSnapshot(cfg.SessionID); ok {
				cfg.OnSessionEnd(info)
			}
		}
		r.sched.Unregister(cfg.SessionID)
	}()

	r.wasiHost.Register(name, &wasi.Session{
		Stdin:       cfg.Stdio.Stdin,
		Stdout:      cfg.Stdio.Stdout,
		Stderr:      cfg.Stdio.Stderr,
		Args:        cfg.Args,
		Env:         cfg.Env,
		Random:      rand.Reader,
		WallNanos:   func() uint64 { return uint64(time.Now().UnixNano()) },
		MonoNanos:   monotonicNanos,
		Suspend:     r.sched.Suspend,
		RateLimiter: cfg.StdoutLimiter,
	})
	defer r.wasiHost.Unregister(name)

	runCtx := experimental.WithFunctionListenerFactory(ctx, r.sched.FuelListenerFactory(cfg.SessionID))

	if err := r.sched.Acquire(runCtx); err != nil {
		return err
	}
	defer r.sched.Release()

	return r.instantiate(runCtx, cfg, name)
}

// instantiate recovers the sysExit panic wasi.procExit raises, turning a
// guest's clean exit into a nil error and anything else into a trap.
func (r *Runner) instantiate(ctx context.Context, cfg RunConfig, name string) (err error) {
	defer func() {
		if v := recover(); v != nil {
			if _, ok := wasi.Code(v); ok {
				err = nil
				return
			}
			err = errors.PluginTrap(string(cfg.PluginID), name, "panic during execution", "")
		}
	}()

	inst, instErr := r.eng.Instantiate(ctx, cfg.Module, engine.InstanceConfig{
		Name: name,
	})
	if instErr != nil {
		return instErr
	}
	return inst.Close(ctx)
}

var monotonicStart = time.Now()

func monotonicNanos() uint64 {
	return uint64(time.Since(monotonicStart).Nanoseconds())
}
