package wasi

import (
	"context"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/Robert-MacWha/tlock/iopipe"
)

// memoryOnlyWASM exports a one-page linear memory and nothing else, just
// enough to get a real api.Module (and so a real api.Memory) to drive the
// host functions directly without going through the whole engine.
var memoryOnlyWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // header
	0x05, 0x03, 0x01, 0x00, 0x01, // memory section: 1 memory, no max, min 1 page
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00, // export "memory"
}

func TestArgsSizesGetAndArgsGet(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, memoryOnlyWASM)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("s1").WithStartFunctions())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer mod.Close(ctx)

	h := NewHost()
	h.Register("s1", &Session{
		Stdin:     iopipe.New(),
		Stdout:    iopipe.New(),
		Stderr:    iopipe.New(),
		Args:      []string{"plugin", "--flag"},
		WallNanos: func() uint64 { return 0 },
		MonoNanos: func() uint64 { return 0 },
	})
	defer h.Unregister("s1")

	const argcPtr, bufSizePtr = 0, 4
	stack := []uint64{argcPtr, bufSizePtr}
	h.argsSizesGet(ctx, mod, stack)
	if stack[0] != uint64(errnoSuccess) {
		t.Fatalf("errno = %d", stack[0])
	}
	argc, _ := mod.Memory().ReadUint32Le(argcPtr)
	bufSize, _ := mod.Memory().ReadUint32Le(bufSizePtr)
	if argc != 2 {
		t.Fatalf("argc = %d, want 2", argc)
	}
	wantBufSize := uint32(len("plugin") + 1 + len("--flag") + 1)
	if bufSize != wantBufSize {
		t.Fatalf("bufSize = %d, want %d", bufSize, wantBufSize)
	}

	const argvPtr, argvBufPtr = 8, 64
	stack = []uint64{argvPtr, argvBufPtr}
	h.argsGet(ctx, mod, stack)
	if stack[0] != uint64(errnoSuccess) {
		t.Fatalf("errno = %d", stack[0])
	}
	p0, _ := mod.Memory().ReadUint32Le(argvPtr)
	s0, _ := mod.Memory().Read(p0, uint32(len("plugin")))
	if string(s0) != "plugin" {
		t.Fatalf("arg0 = %q", s0)
	}
}

func TestFdWriteAndFdReadRoundtrip(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, memoryOnlyWASM)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("s2").WithStartFunctions())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer mod.Close(ctx)

	stdout := iopipe.New()
	stdin := iopipe.New()
	h := NewHost()
	h.Register("s2", &Session{Stdin: stdin, Stdout: stdout, Stderr: iopipe.New()})
	defer h.Unregister("s2")

	msg := "hello\n"
	const bufPtr, iovsPtr, nPtr = 100, 0, 8
	mod.Memory().Write(bufPtr, []byte(msg))
	mod.Memory().WriteUint32Le(iovsPtr, bufPtr)
	mod.Memory().WriteUint32Le(iovsPtr+4, uint32(len(msg)))

	stack := []uint64{fdStdout, iovsPtr, 1, nPtr}
	h.fdWrite(ctx, mod, stack)
	if stack[0] != uint64(errnoSuccess) {
		t.Fatalf("fd_write errno = %d", stack[0])
	}
	n, _ := mod.Memory().ReadUint32Le(nPtr)
	if int(n) != len(msg) {
		t.Fatalf("nwritten = %d, want %d", n, len(msg))
	}

	var got strings.Builder
	buf := make([]byte, 64)
	for {
		nr, ok, closed := stdout.TryRead(buf)
		if nr > 0 {
			got.Write(buf[:nr])
		}
		if !ok {
			if closed {
				break
			}
			break
		}
	}
	if got.String() != msg {
		t.Fatalf("stdout got %q, want %q", got.String(), msg)
	}

	stdin.Write([]byte("reply\n"))
	const readBufPtr = 200
	mod.Memory().WriteUint32Le(iovsPtr, readBufPtr)
	mod.Memory().WriteUint32Le(iovsPtr+4, 64)
	stack = []uint64{fdStdin, iovsPtr, 1, nPtr}
	h.fdRead(ctx, mod, stack)
	if stack[0] != uint64(errnoSuccess) {
		t.Fatalf("fd_read errno = %d", stack[0])
	}
	nr, _ := mod.Memory().ReadUint32Le(nPtr)
	data, _ := mod.Memory().Read(readBufPtr, nr)
	if string(data) != "reply\n" {
		t.Fatalf("fd_read got %q", data)
	}
}

func TestPollOneoffWithZeroSubscriptionsReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	compiled, _ := rt.CompileModule(ctx, memoryOnlyWASM)
	mod, _ := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("s4").WithStartFunctions())
	defer mod.Close(ctx)

	h := NewHost()
	h.Register("s4", &Session{})
	defer h.Unregister("s4")

	const inPtr, outPtr, neventsPtr = 0, 64, 128
	mod.Memory().WriteUint32Le(neventsPtr, 0xffffffff) // poisoned, so a real write is distinguishable

	stack := []uint64{inPtr, outPtr, 0, neventsPtr}
	h.pollOneoff(ctx, mod, stack)
	if stack[0] != uint64(errnoSuccess) {
		t.Fatalf("errno = %d, want success", stack[0])
	}
	nevents, _ := mod.Memory().ReadUint32Le(neventsPtr)
	if nevents != 0 {
		t.Fatalf("nevents = %d, want 0", nevents)
	}
}

func TestPollOneoffFdReadSubscriptionReportsStdinReady(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	compiled, _ := rt.CompileModule(ctx, memoryOnlyWASM)
	mod, _ := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("s5").WithStartFunctions())
	defer mod.Close(ctx)

	stdin := iopipe.New()
	stdin.Write([]byte("hi"))

	h := NewHost()
	h.Register("s5", &Session{Stdin: stdin})
	defer h.Unregister("s5")

	const inPtr, outPtr, neventsPtr = 0, 64, 128
	const userdata = uint64(0xabcd)
	mod.Memory().WriteUint64Le(inPtr, userdata)
	mod.Memory().WriteByte(inPtr+8, eventtypeFdRead)
	mod.Memory().WriteUint32Le(inPtr+16, fdStdin)

	stack := []uint64{inPtr, outPtr, 1, neventsPtr}
	h.pollOneoff(ctx, mod, stack)
	if stack[0] != uint64(errnoSuccess) {
		t.Fatalf("errno = %d, want success", stack[0])
	}
	nevents, _ := mod.Memory().ReadUint32Le(neventsPtr)
	if nevents != 1 {
		t.Fatalf("nevents = %d, want 1", nevents)
	}
	gotUserdata, _ := mod.Memory().ReadUint64Le(outPtr)
	if gotUserdata != userdata {
		t.Fatalf("event userdata = %d, want %d", gotUserdata, userdata)
	}
	gotType, _ := mod.Memory().ReadByte(outPtr + 10)
	if gotType != eventtypeFdRead {
		t.Fatalf("event type = %d, want %d", gotType, eventtypeFdRead)
	}
}

func TestPollOneoffFdReadOnNonStdinReturnsENOSYS(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	compiled, _ := rt.CompileModule(ctx, memoryOnlyWASM)
	mod, _ := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("s6").WithStartFunctions())
	defer mod.Close(ctx)

	h := NewHost()
	h.Register("s6", &Session{Stdin: iopipe.New()})
	defer h.Unregister("s6")

	const inPtr, outPtr, neventsPtr = 0, 64, 128
	mod.Memory().WriteByte(inPtr+8, eventtypeFdRead)
	mod.Memory().WriteUint32Le(inPtr+16, 3) // fd 3, outside the granted subset

	stack := []uint64{inPtr, outPtr, 1, neventsPtr}
	h.pollOneoff(ctx, mod, stack)
	if stack[0] != uint64(errnoNoSys) {
		t.Fatalf("errno = %d, want ENOSYS", stack[0])
	}
}

func TestFdWriteRejectsUnknownFd(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	compiled, _ := rt.CompileModule(ctx, memoryOnlyWASM)
	mod, _ := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("s3").WithStartFunctions())
	defer mod.Close(ctx)

	h := NewHost()
	h.Register("s3", &Session{Stdout: iopipe.New(), Stderr: iopipe.New()})
	defer h.Unregister("s3")

	stack := []uint64{99, 0, 0, 0}
	h.fdWrite(ctx, mod, stack)
	if stack[0] != uint64(errnoBadF) {
		t.Fatalf("errno = %d, want EBADF", stack[0])
	}
}
