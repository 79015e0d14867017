package iopipe

import (
	"testing"
	"time"
)

func TestWriteThenTryRead(t *testing.T) {
	p := New()
	if _, ok, closed := p.TryRead(make([]byte, 4)); ok || closed {
		t.Fatalf("expected empty open pipe to report not-ready")
	}
	p.Write([]byte("abc"))
	buf := make([]byte, 4)
	n, ok, closed := p.TryRead(buf)
	if !ok || closed || n != 3 || string(buf[:n]) != "abc" {
		t.Fatalf("got n=%d ok=%v closed=%v buf=%q", n, ok, closed, buf[:n])
	}
}

func TestWaitChanWakesOnWrite(t *testing.T) {
	p := New()
	ch := p.WaitChan()
	select {
	case <-ch:
		t.Fatal("channel should not be ready yet")
	default:
	}
	go p.Write([]byte("x"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wake")
	}
}

func TestCloseReportedAfterDrain(t *testing.T) {
	p := New()
	p.Write([]byte("hi"))
	p.Close()
	buf := make([]byte, 1)
	_, ok, closed := p.TryRead(buf)
	if !ok || closed {
		t.Fatalf("expected data to still be readable before closed is reported")
	}
	_, ok, closed = p.TryRead(buf)
	if !ok || closed {
		t.Fatalf("expected remaining byte")
	}
	_, ok, closed = p.TryRead(buf)
	if ok || !closed {
		t.Fatalf("expected closed=true once drained")
	}
}

func TestLineReaderSplitsFrames(t *testing.T) {
	p := New()
	lr := NewLineReader(p)
	p.Write([]byte("one\ntwo\npart"))
	lines, closed := lr.Next()
	if closed {
		t.Fatal("pipe not closed")
	}
	if len(lines) != 2 || string(lines[0]) != "one" || string(lines[1]) != "two" {
		t.Fatalf("unexpected lines: %v", lines)
	}
	p.Write([]byte("ial\n"))
	lines, _ = lr.Next()
	if len(lines) != 1 || string(lines[0]) != "partial" {
		t.Fatalf("expected reassembled partial line, got %v", lines)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	p := New()
	p.Close()
	if _, err := p.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
