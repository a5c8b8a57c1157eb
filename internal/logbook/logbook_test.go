package logbook

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTailReturnsRecentLines(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "logs", "exec.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("task-a", "entry-%d", i)
	}
	lines := book.Tail(3)
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
		if !strings.Contains(lines[idx], "[task-a]") {
			t.Fatalf("line %d = %q, missing source tag", idx, lines[idx])
		}
	}
}

func TestCountAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	if n, err := book.Count(); err != nil || n != 0 {
		t.Fatalf("empty count = %d, %v", n, err)
	}
	book.Info("a", "one")
	book.Warn("a", "two")
	book.Error("b", "three")

	removed, err := book.Remove()
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected log file to be gone, stat err = %v", err)
	}
	if removed, err := book.Remove(); err != nil || removed != 0 {
		t.Fatalf("second remove = %d, %v", removed, err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"": LevelInfo, "info": LevelInfo, "Warn": LevelWarn, "warning": LevelWarn, "ERROR": LevelError}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %s, %v; want %s", raw, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}

func TestNilLogbookIsSafe(t *testing.T) {
	var book *Logbook
	book.Info("x", "ignored")
	if lines := book.Tail(5); lines != nil {
		t.Fatalf("expected nil tail, got %v", lines)
	}
	if n, err := book.Count(); n != 0 || err != nil {
		t.Fatalf("nil count = %d, %v", n, err)
	}
}
