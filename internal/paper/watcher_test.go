package paper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()
	w, err := New(Config{Dir: dir, SettleDelay: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func awaitPaper(t *testing.T, w *Watcher) string {
	t.Helper()
	select {
	case path, ok := <-w.Ready():
		if !ok {
			t.Fatal("ready channel closed without a path")
		}
		return path
	case <-time.After(5 * time.Second):
		t.Fatal("paper never signaled")
		return ""
	}
}

func TestDetectsDroppedPaper(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	path := filepath.Join(dir, "answers.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 content"), 0o644); err != nil {
		t.Fatalf("write paper: %v", err)
	}

	if got := awaitPaper(t, w); got != path {
		t.Errorf("signaled path = %q, want %q", got, path)
	}
}

func TestPreexistingPaperSignaledOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.jpg")
	if err := os.WriteFile(path, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatalf("write paper: %v", err)
	}

	w := startWatcher(t, dir)
	if got := awaitPaper(t, w); got != path {
		t.Errorf("signaled path = %q, want %q", got, path)
	}
}

func TestIgnoresNonPaperFiles(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case path := <-w.Ready():
		t.Fatalf("non-paper file signaled: %q", path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestIgnoresEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "empty.pdf"), nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case path := <-w.Ready():
		t.Fatalf("empty file signaled: %q", path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSignalsAtMostOnce(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	for _, name := range []string{"a.pdf", "b.pdf"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("content"), 0o644); err != nil {
			t.Fatalf("write paper: %v", err)
		}
	}

	awaitPaper(t, w)

	// The channel is closed after the single signal; a second receive
	// reports closure rather than another path.
	select {
	case path, ok := <-w.Ready():
		if ok {
			t.Fatalf("second paper signaled: %q", path)
		}
	case <-time.After(time.Second):
		t.Fatal("ready channel not closed after signal")
	}
}

func TestMatchesIsCaseInsensitive(t *testing.T) {
	w, err := New(Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Stop()

	cases := map[string]bool{
		"Answers.PDF": true,
		"scan.JPEG":   true,
		"photo.png":   true,
		"notes.txt":   false,
		"pdf":         false,
	}
	for name, want := range cases {
		if got := w.matches(name); got != want {
			t.Errorf("matches(%q) = %v, want %v", name, got, want)
		}
	}
}
