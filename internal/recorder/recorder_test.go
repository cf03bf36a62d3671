package recorder

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tnumfive/termmux/internal/packet"
)

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	n := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		n++
	}
	return n
}

func waitForLines(t *testing.T, path string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countLines(t, path) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines in %s, got %d", want, path, countLines(t, path))
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, err := New(ctx, dir, time.Second, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	mk := func(i int) packet.Packet {
		return packet.Packet{SentTime: int64(i), RouteTime: int64(i), Action: packet.ActionMessage, Source: "a", Destination: []string{"b"}, Content: "x"}
	}

	rec.Record(mk(1))
	rec.Record(mk(2))
	rec.Record(mk(3))
	waitForLines(t, filepath.Join(dir, activeFileName), 3)

	time.Sleep(1200 * time.Millisecond)

	rec.Record(mk(4))
	rec.Record(mk(5))
	waitForLines(t, filepath.Join(dir, activeFileName), 2)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	rotated := 0
	for _, e := range entries {
		if e.Name() != activeFileName {
			rotated++
		}
	}
	if rotated != 1 {
		t.Fatalf("want exactly 1 rotated file, got %d", rotated)
	}
}

func TestRecordNonBlocking(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, err := New(ctx, dir, time.Hour, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			rec.Record(packet.Packet{SentTime: int64(i), RouteTime: int64(i), Action: packet.ActionMessage, Source: "a"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record appears to block")
	}
}
