// Package paper watches for the student's exported answer paper.
//
// Exams requiring a handwritten paper give the student a bounded grace
// window to scan and drop the file into the export directory. The
// watcher signals the submit coordinator as soon as a matching file
// appears and is stable, so submission proceeds without waiting out the
// full window.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config configures the paper watcher.
type Config struct {
	// Dir is the directory watched for the paper file.
	Dir string

	// Extensions accepted as a paper, lowercase with dot. Defaults to
	// .pdf, .jpg, .jpeg, .png.
	Extensions []string

	// SettleDelay is how long a file must stay unchanged before it is
	// considered fully written. Defaults to 1s.
	SettleDelay time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Extensions) == 0 {
		c.Extensions = []string{".pdf", ".jpg", ".jpeg", ".png"}
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
}

// Watcher watches the export directory for the answer paper.
type Watcher struct {
	cfg    Config
	logger *slog.Logger

	fsWatcher *fsnotify.Watcher
	ready     chan string

	mu       sync.Mutex
	signaled bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a watcher for the given directory.
func New(cfg Config, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create paper watcher: %w", err)
	}

	return &Watcher{
		cfg:       cfg,
		logger:    logger.With("component", "paper_watcher"),
		fsWatcher: fsWatcher,
		ready:     make(chan string, 1),
	}, nil
}

// Ready returns a channel that receives the paper path at most once.
func (w *Watcher) Ready() <-chan string {
	return w.ready
}

// Start begins watching. A paper already present in the directory is
// signaled immediately.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create paper directory: %w", err)
	}
	if err := w.fsWatcher.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch paper directory: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	// The student may have dropped the file before the exam client
	// started watching.
	entries, err := os.ReadDir(w.cfg.Dir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && w.matches(entry.Name()) {
				w.signal(filepath.Join(w.cfg.Dir, entry.Name()))
				break
			}
		}
	}

	w.wg.Add(1)
	go w.watchLoop(loopCtx)

	w.logger.Info("paper watcher started", "dir", w.cfg.Dir)
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	// Candidate paths pending their settle delay.
	pending := make(map[string]time.Time)
	settle := time.NewTicker(250 * time.Millisecond)
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if w.matches(filepath.Base(event.Name)) {
				pending[event.Name] = time.Now()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("paper watcher error", "error", err)

		case <-settle.C:
			now := time.Now()
			for path, last := range pending {
				if now.Sub(last) < w.cfg.SettleDelay {
					continue
				}
				delete(pending, path)
				if info, err := os.Stat(path); err == nil && info.Size() > 0 {
					w.signal(path)
				}
			}
		}
	}
}

func (w *Watcher) matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, accepted := range w.cfg.Extensions {
		if ext == accepted {
			return true
		}
	}
	return false
}

// signal delivers the paper path exactly once.
func (w *Watcher) signal(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.signaled {
		return
	}
	w.signaled = true
	w.ready <- path
	close(w.ready)
	w.logger.Info("answer paper detected", "path", path)
}
