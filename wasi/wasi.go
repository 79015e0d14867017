// Package wasi implements the restricted WASI preview-1 subset spec §4.1
// grants a plugin: args_get/args_sizes_get, environ_get/environ_sizes_get,
// clock_time_get, random_get, sched_yield, proc_exit, fd_read on stdin
// only, fd_write on stdout/stderr only, and a poll_oneoff honored for
// relative-clock subscriptions and fd_read readiness on stdin. Any other
// wasi_snapshot_preview1 import a guest declares is rejected by
// engine.LoadModule before it ever reaches here. A call outside the
// subset made against one of the functions below does not trap the
// instance; it returns an errno to the guest: fd_read on any fd but stdin
// and fd_write on any fd but stdout/stderr return EBADF, and a
// poll_oneoff subscription on fd_write, on a non-stdin fd, or of an
// unknown type returns ENOSYS.
//
// Grounded on the teacher's wasi/preview2 host-per-concern split
// (clocks, poll, io each their own small Go struct); reimplemented
// against the flat preview1 signatures since preview1 has no resource
// table, just raw linear-memory pointers.
package wasi

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/time/rate"

	"github.com/Robert-MacWha/tlock/iopipe"
)

const ModuleName = "wasi_snapshot_preview1"

// errno values this module returns. Only the subset actually reachable
// through the restricted surface above is defined; wazero's calling
// convention treats any nonzero i32 return as the errno.
const (
	errnoSuccess uint32 = 0
	errnoBadF    uint32 = 8  // EBADF: fd outside the {0,1,2} allowed set
	errnoInval   uint32 = 28 // EINVAL: malformed subscription/argument
	errnoNoSys   uint32 = 52 // ENOSYS: anything outside the granted subset
)

// Session is the per-instance state the host functions below read and
// write. The scheduler constructs one per running session and registers
// it with Host before instantiating the guest, then unregisters it once
// the instance is torn down.
type Session struct {
	Stdin  *iopipe.Pipe
	Stdout *iopipe.Pipe
	Stderr *iopipe.Pipe

	Args []string
	Env  []string // "KEY=VALUE" preformatted, matching preview1's environ_get layout

	Random io.Reader

	// WallNanos and MonoNanos back clock_time_get's two clock ids. Tests
	// inject fixed clocks; production wires time.Now.
	WallNanos func() uint64
	MonoNanos func() uint64

	// Suspend is called by fd_read and poll_oneoff when they would
	// otherwise block. It must release the caller's turnstile slot and
	// return only once ready fires or ctx is done; this is the hook the
	// scheduler uses to let another session run while this one waits on
	// I/O, per the cooperative scheduling design.
	Suspend func(ctx context.Context, ready <-chan struct{}) error

	// RateLimiter throttles fd_write on stdout, implementing spec §5's "a
	// guest that stops reading has its writes throttled by the transport's
	// flow control rather than dropping messages": since iopipe.Pipe never
	// blocks a writer, a host slow to drain Stdout would otherwise let the
	// guest buffer unbounded bytes in host memory. nil disables throttling
	// (used for stderr-only or test sessions with nothing reading stdout).
	RateLimiter *rate.Limiter
}

// Host owns the wasi_snapshot_preview1 host module definition shared by
// every instance in one engine.Engine. Sessions register themselves by
// the same instance name they pass to engine.InstanceConfig.Name.
type Host struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewHost() *Host {
	return &Host{sessions: make(map[string]*Session)}
}

func (h *Host) Register(name string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[name] = s
}

func (h *Host) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, name)
}

func (h *Host) session(mod api.Module) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[mod.Name()]
}

// Build returns the HostModuleFunc engine.New expects.
func (h *Host) Build(rt wazero.Runtime) wazero.HostModuleBuilder {
	b := rt.NewHostModuleBuilder(ModuleName)

	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(h.argsSizesGet),
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("args_sizes_get")
	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(h.argsGet),
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("args_get")
	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(h.environSizesGet),
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("environ_sizes_get")
	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(h.environGet),
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("environ_get")
	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(h.clockTimeGet),
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("clock_time_get")
	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(h.randomGet),
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("random_get")
	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(h.schedYield),
		nil, []api.ValueType{api.ValueTypeI32}).
		Export("sched_yield")
	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(h.procExit),
		[]api.ValueType{api.ValueTypeI32}, nil).
		Export("proc_exit")
	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(h.fdRead),
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("fd_read")
	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(h.fdWrite),
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("fd_write")
	b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(h.pollOneoff),
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("poll_oneoff")

	return b
}

func (h *Host) argsSizesGet(ctx context.Context, mod api.Module, stack []uint64) {
	s := h.session(mod)
	argcPtr, bufSizePtr := uint32(stack[0]), uint32(stack[1])
	var bufSize uint32
	for _, a := range s.Args {
		bufSize += uint32(len(a)) + 1
	}
	mustPutU32(mod.Memory(), argcPtr, uint32(len(s.Args)))
	mustPutU32(mod.Memory(), bufSizePtr, bufSize)
	stack[0] = uint64(errnoSuccess)
}

func (h *Host) argsGet(ctx context.Context, mod api.Module, stack []uint64) {
	s := h.session(mod)
	argvPtr, argvBufPtr := uint32(stack[0]), uint32(stack[1])
	writeStringTable(mod.Memory(), argvPtr, argvBufPtr, s.Args)
	stack[0] = uint64(errnoSuccess)
}

func (h *Host) environSizesGet(ctx context.Context, mod api.Module, stack []uint64) {
	s := h.session(mod)
	argcPtr, bufSizePtr := uint32(stack[0]), uint32(stack[1])
	var bufSize uint32
	for _, e := range s.Env {
		bufSize += uint32(len(e)) + 1
	}
	mustPutU32(mod.Memory(), argcPtr, uint32(len(s.Env)))
	mustPutU32(mod.Memory(), bufSizePtr, bufSize)
	stack[0] = uint64(errnoSuccess)
}

func (h *Host) environGet(ctx context.Context, mod api.Module, stack []uint64) {
	s := h.session(mod)
	envPtr, envBufPtr := uint32(stack[0]), uint32(stack[1])
	writeStringTable(mod.Memory(), envPtr, envBufPtr, s.Env)
	stack[0] = uint64(errnoSuccess)
}

// clock ids, matching preview1: 0 = realtime, 1 = monotonic. Process and
// thread CPU-time clocks (2, 3) are outside the granted subset.
const (
	clockRealtime  = 0
	clockMonotonic = 1
)

func (h *Host) clockTimeGet(ctx context.Context, mod api.Module, stack []uint64) {
	s := h.session(mod)
	clockID := uint32(stack[0])
	timePtr := uint32(stack[2])

	var nanos uint64
	switch clockID {
	case clockRealtime:
		nanos = s.WallNanos()
	case clockMonotonic:
		nanos = s.MonoNanos()
	default:
		stack[0] = uint64(errnoNoSys)
		return
	}
	mustPutU64(mod.Memory(), timePtr, nanos)
	stack[0] = uint64(errnoSuccess)
}

func (h *Host) randomGet(ctx context.Context, mod api.Module, stack []uint64) {
	s := h.session(mod)
	bufPtr, bufLen := uint32(stack[0]), uint32(stack[1])
	buf := make([]byte, bufLen)
	if _, err := io.ReadFull(s.Random, buf); err != nil {
		stack[0] = uint64(errnoInval)
		return
	}
	mod.Memory().Write(bufPtr, buf)
	stack[0] = uint64(errnoSuccess)
}

func (h *Host) schedYield(ctx context.Context, mod api.Module, stack []uint64) {
	s := h.session(mod)
	ready := make(chan struct{})
	close(ready) // sched_yield is a voluntary, non-waiting handoff
	if s.Suspend != nil {
		s.Suspend(ctx, ready)
	}
	stack[0] = uint64(errnoSuccess)
}

func (h *Host) procExit(ctx context.Context, mod api.Module, stack []uint64) {
	code := uint32(stack[0])
	_ = code
	panic(sysExit{code: code})
}

// sysExit unwinds the guest call stack via panic/recover, mirroring how
// wazero's own WASI implementation turns proc_exit into a non-local
// control-transfer rather than a normal return. The scheduler recovers
// this in its per-session goroutine and treats it as a clean exit.
type sysExit struct{ code uint32 }

func (e sysExit) Error() string { return "proc_exit" }

// Code returns the exit code a sysExit panic carried, for callers that
// use recover() to observe it.
func Code(v any) (uint32, bool) {
	e, ok := v.(sysExit)
	return e.code, ok
}

// fd numbers. Only these three exist; anything else is EBADF.
const (
	fdStdin  = 0
	fdStdout = 1
	fdStderr = 2
)

func (h *Host) fdRead(ctx context.Context, mod api.Module, stack []uint64) {
	s := h.session(mod)
	fd := uint32(stack[0])
	iovsPtr, iovsLen := uint32(stack[1]), uint32(stack[2])
	nreadPtr := uint32(stack[3])

	if fd != fdStdin {
		stack[0] = uint64(errnoBadF)
		return
	}

	total := 0
	for i := uint32(0); i < iovsLen; i++ {
		bufPtr, _ := mod.Memory().ReadUint32Le(iovsPtr + i*8)
		bufLen, _ := mod.Memory().ReadUint32Le(iovsPtr + i*8 + 4)
		if bufLen == 0 {
			continue
		}
		dst := make([]byte, bufLen)
		n, ok, closed := s.Stdin.TryRead(dst)
		if !ok {
			if closed {
				break
			}
			if s.Suspend != nil {
				if err := s.Suspend(ctx, s.Stdin.WaitChan()); err != nil {
					stack[0] = uint64(errnoInval)
					return
				}
			}
			n, ok, closed = s.Stdin.TryRead(dst)
			if !ok {
				break
			}
		}
		mod.Memory().Write(bufPtr, dst[:n])
		total += n
		if closed {
			break
		}
		break // one iovec per read call keeps the line-framing simple and matches stdio's typical single-buffer use
	}

	mustPutU32(mod.Memory(), nreadPtr, uint32(total))
	stack[0] = uint64(errnoSuccess)
}

func (h *Host) fdWrite(ctx context.Context, mod api.Module, stack []uint64) {
	s := h.session(mod)
	fd := uint32(stack[0])
	iovsPtr, iovsLen := uint32(stack[1]), uint32(stack[2])
	nwrittenPtr := uint32(stack[3])

	var pipe *iopipe.Pipe
	var throttled bool
	switch fd {
	case fdStdout:
		pipe = s.Stdout
		throttled = true
	case fdStderr:
		pipe = s.Stderr
	default:
		stack[0] = uint64(errnoBadF)
		return
	}

	total := 0
	for i := uint32(0); i < iovsLen; i++ {
		bufPtr, _ := mod.Memory().ReadUint32Le(iovsPtr + i*8)
		bufLen, _ := mod.Memory().ReadUint32Le(iovsPtr + i*8 + 4)
		data, _ := mod.Memory().Read(bufPtr, bufLen)

		if throttled && s.RateLimiter != nil && len(data) > 0 {
			if err := waitForRateLimit(ctx, s, len(data)); err != nil {
				stack[0] = uint64(errnoInval)
				return
			}
		}

		n, _ := pipe.Write(data)
		total += n
	}

	mustPutU32(mod.Memory(), nwrittenPtr, uint32(total))
	stack[0] = uint64(errnoSuccess)
}

// waitForRateLimit blocks the session (via Suspend, so another session
// gets the turnstile meanwhile) until the rate limiter has a token for n
// bytes of stdout.
func waitForRateLimit(ctx context.Context, s *Session, n int) error {
	res := s.RateLimiter.ReserveN(time.Now(), n)
	if !res.OK() {
		return nil // burst exceeds the limiter's capacity; let it through rather than wedge forever
	}
	delay := res.Delay()
	if delay <= 0 {
		return nil
	}
	ready := make(chan struct{})
	timer := time.AfterFunc(delay, func() { close(ready) })
	defer timer.Stop()
	if s.Suspend != nil {
		return s.Suspend(ctx, ready)
	}
	<-ready
	return nil
}

// poll_oneoff subscription/event layout. eventtype Clock (0) and FdRead
// (1) on stdin are the granted subset, per spec §4.1 "honored only for
// clock timers and stdin readiness subscriptions." FdWrite (2), fd_read
// on any fd other than stdin, and any other eventtype make poll_oneoff
// return ENOSYS (an errno, not a trap): the plugin's fd_read already
// blocks on its own, so it never
// legitimately needs to poll for write-readiness or a non-stdin fd.
const subscriptionSize = 48 // preview1 ABI: userdata(8) + tag(1) + pad(7) + union(32)

const (
	eventtypeClock  = 0
	eventtypeFdRead = 1
)

func (h *Host) pollOneoff(ctx context.Context, mod api.Module, stack []uint64) {
	s := h.session(mod)
	inPtr, outPtr := uint32(stack[0]), uint32(stack[1])
	nsub := uint32(stack[2])
	neventsPtr := uint32(stack[3])

	if nsub == 0 {
		// Preview1 leaves this case to the implementation; spec §8's
		// boundary behavior picks "returns immediately" with nevents=0
		// over EINVAL, so a guest that calls poll_oneoff with nothing to
		// wait on doesn't have to special-case the result.
		mustPutU32(mod.Memory(), neventsPtr, 0)
		stack[0] = uint64(errnoSuccess)
		return
	}

	var minTimeout time.Duration
	haveTimeout := false
	var clockUserdata, fdReadUserdata []uint64

	for i := uint32(0); i < nsub; i++ {
		base := inPtr + i*subscriptionSize
		ud, _ := mod.Memory().ReadUint64Le(base)
		tag, _ := mod.Memory().ReadByte(base + 8)
		switch tag {
		case eventtypeClock:
			timeoutNanos, _ := mod.Memory().ReadUint64Le(base + 8 + 8 + 8) // clock_id(8) + timeout(8) -> offset of `timeout`
			d := time.Duration(timeoutNanos)
			if !haveTimeout || d < minTimeout {
				minTimeout = d
				haveTimeout = true
			}
			clockUserdata = append(clockUserdata, ud)
		case eventtypeFdRead:
			fd, _ := mod.Memory().ReadUint32Le(base + 16) // union's fd field
			if fd != fdStdin {
				stack[0] = uint64(errnoNoSys)
				return
			}
			fdReadUserdata = append(fdReadUserdata, ud)
		default:
			stack[0] = uint64(errnoNoSys)
			return
		}
	}

	ready := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(ready) }) }

	var timerFired atomic.Bool
	if haveTimeout {
		timer := time.AfterFunc(minTimeout, func() { timerFired.Store(true); signal() })
		defer timer.Stop()
	}
	if len(fdReadUserdata) > 0 {
		if s.Stdin.Ready() {
			signal()
		} else {
			go func() {
				select {
				case <-s.Stdin.WaitChan():
					signal()
				case <-ready:
				}
			}()
		}
	}

	if s.Suspend != nil {
		if err := s.Suspend(ctx, ready); err != nil {
			stack[0] = uint64(errnoInval)
			return
		}
	} else {
		<-ready
	}

	var nevents uint32
	if timerFired.Load() {
		for _, ud := range clockUserdata {
			writeEvent(mod.Memory(), outPtr+nevents*32, ud, eventtypeClock)
			nevents++
		}
	}
	if len(fdReadUserdata) > 0 && s.Stdin.Ready() {
		for _, ud := range fdReadUserdata {
			writeEvent(mod.Memory(), outPtr+nevents*32, ud, eventtypeFdRead)
			nevents++
		}
	}
	if nevents == 0 {
		// Woken without either condition observably true (e.g. the clock
		// subscription's own goroutine raced the check above): report the
		// clock side, since haveTimeout is always set whenever there is no
		// fd_read subscription to fall back on.
		for _, ud := range clockUserdata {
			writeEvent(mod.Memory(), outPtr+nevents*32, ud, eventtypeClock)
			nevents++
		}
	}

	mustPutU32(mod.Memory(), neventsPtr, nevents)
	stack[0] = uint64(errnoSuccess)
}

// writeEvent writes a preview1 event record reporting success for the
// given subscription's userdata and eventtype; the fixed 32-byte layout
// mirrors the union preview1 uses for every event type.
func writeEvent(mem api.Memory, ptr uint32, userdata uint64, typ byte) {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:], userdata)
	buf[10] = typ
	// error(2) + type(1) + pad(5) + fd_readwrite union(16), union zeroed: no error, 0 bytes reported available.
	mem.Write(ptr, buf)
}

func writeStringTable(mem api.Memory, ptrTable, bufPtr uint32, values []string) {
	offset := bufPtr
	for i, v := range values {
		mustPutU32(mem, ptrTable+uint32(i)*4, offset)
		mem.Write(offset, append([]byte(v), 0))
		offset += uint32(len(v)) + 1
	}
}

func mustPutU32(mem api.Memory, ptr, v uint32) { mem.WriteUint32Le(ptr, v) }
func mustPutU64(mem api.Memory, ptr uint32, v uint64) { mem.WriteUint64Le(ptr, v) }
