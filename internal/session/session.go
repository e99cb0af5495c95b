// Package session wires the exam client together: platform events into
// the violation ledger, the countdown engine, camera monitoring, the
// offline staging store, and the auto-submit coordinator.
//
// One Session is constructed per exam attempt and owned by whoever runs
// the exam (the daemon, or a test harness). There is no implicit global
// instance; lifecycle is explicit Start/Stop.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/client"
	"proctord/internal/config"
	"proctord/internal/health"
	"proctord/internal/manifest"
	"proctord/internal/monitor"
	"proctord/internal/offline"
	"proctord/internal/paper"
	"proctord/internal/platform"
	"proctord/internal/submit"
	"proctord/internal/timer"
	"proctord/internal/violation"
)

// Backend is everything the session needs from the exam server.
// *client.Client implements it; tests supply fakes.
type Backend interface {
	violation.Reporter
	timer.TimeSource
	monitor.Uploader
	offline.Forwarder
	SubmitTest(ctx context.Context, p client.SubmitPayload) (string, error)
}

// CredentialWiper clears local session credentials on a critical
// violation. Supplied by the embedding process.
type CredentialWiper func()

// Options carries the optional collaborators.
type Options struct {
	// Camera enables proctoring when the manifest asks for it. Nil
	// disables camera monitoring regardless of configuration.
	Camera monitor.Camera

	// Host is the platform event adapter. Nil uses the surface source
	// alone.
	Host platform.Source

	// WipeCredentials runs on critical-violation termination.
	WipeCredentials CredentialWiper
}

// Session orchestrates one exam attempt.
type Session struct {
	cfg    *config.Config
	man    *manifest.Manifest
	logger *slog.Logger
	api    Backend

	ledger  *violation.Ledger
	engine  *timer.Engine
	store   *offline.Store
	monitor *monitor.Session
	coord   *submit.Coordinator
	surface *platform.SurfaceSource
	host    platform.Source
	papers  *paper.Watcher
	checker *health.Checker
	wipe    CredentialWiper

	mu            sync.Mutex
	started       bool
	resultID      string
	lastFocusLoss time.Time

	terminated chan violation.Event
	finished   chan submit.Result
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New assembles a session from configuration and manifest.
func New(cfg *config.Config, man *manifest.Manifest, api Backend, opts Options, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "exam_session", "test_id", man.TestID)

	store, err := offline.Open(cfg.Storage.Path, api, logger)
	if err != nil {
		return nil, fmt.Errorf("open staging store: %w", err)
	}

	s := &Session{
		cfg:        cfg,
		man:        man,
		logger:     logger,
		api:        api,
		store:      store,
		surface:    platform.NewSurfaceSource(),
		host:       opts.Host,
		checker:    health.NewChecker(),
		wipe:       opts.WipeCredentials,
		terminated: make(chan violation.Event, 1),
		finished:   make(chan submit.Result, 1),
	}

	maxViolations := cfg.Integrity.MaxViolations
	if man.MaxViolations > 0 {
		maxViolations = man.MaxViolations
	}
	s.ledger = violation.NewLedger(violation.Config{
		MaxViolations: maxViolations,
		DedupWindow:   cfg.Integrity.DedupWindow(),
		CriticalTypes: violation.DefaultConfig().CriticalTypes,
	}, &stagedReporter{
		api:    api,
		store:  store,
		testID: man.TestID,
		logger: logger,
	}, nil, logger)
	s.ledger.SetTerminateFunc(s.terminate)

	// The time source is wrapped so resync outcomes double as the
	// connectivity signal for the staging store.
	s.engine = timer.NewEngine(timer.Config{
		TickInterval:   cfg.Timer.Tick(),
		ResyncInterval: cfg.Timer.Resync(),
		DriftTolerance: cfg.Timer.DriftTolerance(),
	}, &connectivitySource{inner: api, store: store}, logger)

	if man.Monitoring && cfg.Monitoring.Enabled && opts.Camera != nil {
		s.monitor = monitor.NewSession(monitor.Config{
			TestID:      man.TestID,
			MinInterval: cfg.Monitoring.MinInterval(),
			MaxInterval: cfg.Monitoring.MaxInterval(),
			UploadWidth: cfg.Monitoring.UploadWidth,
		}, opts.Camera, s.ledger, api, logger)
	}

	if man.RequirePaper && cfg.Paper.Dir != "" {
		s.papers, err = paper.New(paper.Config{Dir: cfg.Paper.Dir}, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("create paper watcher: %w", err)
		}
	}

	s.coord = submit.NewCoordinator(submit.Config{
		RequirePaper: man.RequirePaper,
		GraceWindow:  cfg.Paper.Grace(),
	}, s, api, logger)

	s.registerHealthChecks()
	return s, nil
}

// Start recovers staged state, seeds the countdown, and starts every
// collaborator.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.recoverStagedState()

	duration, online := s.initialRemaining(runCtx)
	s.store.SetOnline(runCtx, online)

	if err := s.engine.Start(runCtx, duration); err != nil {
		return fmt.Errorf("start countdown: %w", err)
	}

	if err := s.surface.Start(runCtx); err != nil {
		return fmt.Errorf("start surface source: %w", err)
	}
	if s.host != nil {
		if err := s.host.Start(runCtx); err != nil {
			// Hosts without an adapter run on surface events alone,
			// the same degraded mode as a denied camera.
			s.logger.Warn("host event adapter unavailable", "error", err)
			s.host = nil
		}
	}

	if s.monitor != nil {
		if err := s.monitor.Start(runCtx); err != nil {
			s.logger.Warn("monitoring start failed", "error", err)
		}
	}

	var paperReady <-chan string
	if s.papers != nil {
		if err := s.papers.Start(runCtx); err != nil {
			s.logger.Warn("paper watcher unavailable", "error", err)
			s.papers = nil
		} else {
			paperReady = s.papers.Ready()
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.coord.Run(runCtx, submit.Sources{
			TimerFinished: s.engine.Finished(),
			Escalated:     s.ledger.Escalated(),
			PaperReady:    paperReady,
		})
	}()

	s.wg.Add(1)
	go s.eventLoop(runCtx)

	s.wg.Add(1)
	go s.snapshotLoop(runCtx)

	s.wg.Add(1)
	go s.resultLoop(runCtx)

	s.logger.Info("exam session started",
		"duration", duration, "online", online, "monitoring", s.monitor != nil)
	return nil
}

// Stop tears the session down: countdown halted, camera released,
// sources stopped, store closed.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	s.engine.Stop()
	if s.monitor != nil {
		s.mu.Lock()
		resultID := s.resultID
		s.mu.Unlock()
		s.monitor.Stop(resultID)
	}
	s.surface.Stop()
	if s.host != nil {
		s.host.Stop()
	}
	if s.papers != nil {
		s.papers.Stop()
	}

	s.wg.Wait()
	s.store.Close()
	s.logger.Info("exam session stopped")
}

// Surface returns the source the embedding UI pushes its input events
// into.
func (s *Session) Surface() *platform.SurfaceSource {
	return s.surface
}

// Timer exposes the countdown for read-only projection (ticks, drift
// notices).
func (s *Session) Timer() *timer.Engine {
	return s.engine
}

// Warnings returns the user-visible violation notices.
func (s *Session) Warnings() <-chan violation.Warning {
	return s.ledger.Warnings()
}

// Terminated delivers the critical violation that ended the session, if
// one occurred.
func (s *Session) Terminated() <-chan violation.Event {
	return s.terminated
}

// Finished delivers the final submission result.
func (s *Session) Finished() <-chan submit.Result {
	return s.finished
}

// Health runs the component health checks.
func (s *Session) Health(ctx context.Context) map[string]health.CheckResult {
	return s.checker.Run(ctx)
}

// SaveAnswer stages an answer edit. Rejected once the session is
// locked.
func (s *Session) SaveAnswer(ctx context.Context, key, value string) error {
	if s.ledger.Locked() {
		return fmt.Errorf("session is locked, answer rejected")
	}
	return s.store.WriteAnswer(ctx, s.man.TestID, key, value)
}

// SetOnline reports a connectivity change observed by the embedding
// process (the engine's resync path also feeds this).
func (s *Session) SetOnline(ctx context.Context, online bool) {
	s.store.SetOnline(ctx, online)
}

// BeginFileUpload suspends violation recording while the student
// processes a large local file; heavy local work triggers focus and
// visibility false positives.
func (s *Session) BeginFileUpload() {
	s.ledger.Suspend()
}

// EndFileUpload resumes violation recording.
func (s *Session) EndFileUpload() {
	s.ledger.Resume()
}

// SubmitNow triggers the student's own submission, or retries a failed
// one.
func (s *Session) SubmitNow(ctx context.Context) error {
	return s.coord.TriggerNow(ctx)
}

// BuildSubmitPayload implements submit.PayloadBuilder: merged answers
// with locally staged edits winning, the full violation log, and the
// monitoring digest.
func (s *Session) BuildSubmitPayload(ctx context.Context, trig submit.Trigger) (client.SubmitPayload, error) {
	answers, err := s.store.Answers(s.man.TestID)
	if err != nil {
		return client.SubmitPayload{}, fmt.Errorf("gather answers: %w", err)
	}

	var summary client.MonitoringSummary
	if s.monitor != nil {
		stats := s.monitor.Stats()
		summary = client.MonitoringSummary{
			SessionID:        stats.SessionID,
			FramesAnalyzed:   stats.FramesAnalyzed,
			FramesUploaded:   stats.FramesUploaded,
			SuspiciousFrames: stats.SuspiciousFrames,
			Degraded:         stats.Degraded,
		}
	} else {
		summary.Degraded = true
	}

	return client.SubmitPayload{
		TestID:     s.man.TestID,
		Answers:    answers,
		Violations: s.ledger.Events(),
		Monitoring: summary,
		ElapsedMs:  s.engine.Elapsed().Milliseconds(),
		Forced:     trig != submit.TriggerManual,
		Reason:     string(trig),
	}, nil
}

// recoverStagedState replays locally staged violations from a crashed
// or reloaded session into the ledger.
func (s *Session) recoverStagedState() {
	staged, err := s.store.StagedViolations(s.man.TestID)
	if err != nil {
		s.logger.Warn("staged violation recovery failed", "error", err)
		return
	}

	var events []violation.Event
	for _, payload := range staged {
		var ev violation.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.logger.Warn("unreadable staged violation skipped", "error", err)
			continue
		}
		events = append(events, ev)
	}
	if len(events) > 0 {
		s.ledger.Restore(events)
		s.logger.Info("recovered staged violations", "count", len(events))
	}
}

// initialRemaining seeds the countdown: the server's value when
// reachable, otherwise the crash-recovery snapshot, otherwise the full
// manifest duration. The bool reports whether the server was reachable.
func (s *Session) initialRemaining(ctx context.Context) (time.Duration, bool) {
	seedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	remaining, _, err := s.api.RemainingTime(seedCtx)
	if err == nil && remaining > 0 {
		return remaining, true
	}
	if err != nil {
		s.logger.Warn("server time unavailable at start", "error", err)
	}

	snapshot, savedAt, snapErr := s.store.TimerSnapshot(s.man.TestID)
	if snapErr == nil && snapshot > 0 {
		// Time kept passing while the client was down.
		adjusted := snapshot - time.Since(savedAt)
		if adjusted > 0 {
			return adjusted, false
		}
		return time.Second, false
	}

	return s.man.Duration(), false
}

// eventLoop maps platform events into ledger records.
func (s *Session) eventLoop(ctx context.Context) {
	defer s.wg.Done()

	surface := s.surface.Events()
	var hostEvents <-chan platform.Event
	if s.host != nil {
		hostEvents = s.host.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-surface:
			if !ok {
				surface = nil
				if hostEvents == nil {
					return
				}
				continue
			}
			s.handleEvent(ev)
		case ev, ok := <-hostEvents:
			if !ok {
				hostEvents = nil
				if surface == nil {
					return
				}
				continue
			}
			s.handleEvent(ev)
		}
	}
}

// focusLossDebounce collapses the burst of focus events a single
// alt-tab produces into one counted violation.
const focusLossDebounce = 2 * time.Second

// handleEvent classifies one platform event. Focus loss follows one
// consistent policy: it is always a counted violation, debounced so a
// single switch-away counts once.
func (s *Session) handleEvent(ev platform.Event) {
	switch ev.Kind {
	case platform.KindKeyCombo:
		s.handleKeyCombo(ev.Combo)

	case platform.KindVisibilityHidden:
		s.ledger.Record(violation.TypeVisibilityLost, violation.SeverityMedium, ev.Detail)

	case platform.KindFocusLost:
		s.mu.Lock()
		debounced := time.Since(s.lastFocusLoss) < focusLossDebounce
		if !debounced {
			s.lastFocusLoss = time.Now()
		}
		s.mu.Unlock()
		if !debounced {
			s.ledger.Record(violation.TypeFocusLoss, violation.SeverityMedium, ev.Detail)
		}

	case platform.KindFullscreenExited:
		s.ledger.Record(violation.TypeFullscreenExit, violation.SeverityMedium, ev.Detail)

	case platform.KindRightClick:
		s.ledger.Record(violation.TypeRightClick, violation.SeverityLow, ev.Detail)

	case platform.KindCopyPaste:
		s.ledger.Record(violation.TypeCopyPaste, violation.SeverityLow, ev.Detail)

	case platform.KindMouseLeft:
		s.ledger.Record(violation.TypeMouseLeft, violation.SeverityLow, ev.Detail)
	}
}

func (s *Session) handleKeyCombo(combo platform.KeyCombo) {
	switch {
	case platform.IsDevtoolsCombo(combo):
		s.ledger.Record(violation.TypeDevtoolsCombo, violation.SeverityHigh, combo.String())
	case platform.IsViewSourceCombo(combo):
		s.ledger.Record(violation.TypeViewSource, violation.SeverityHigh, combo.String())
	case (combo.Ctrl || combo.Meta) && (combo.Key == "C" || combo.Key == "V" || combo.Key == "X"):
		s.ledger.Record(violation.TypeCopyPaste, violation.SeverityLow, combo.String())
	}
}

// snapshotLoop checkpoints the remaining time for crash recovery.
// Violations are staged at record time by the stagedReporter, not here.
func (s *Session) snapshotLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.Timer.SnapshotInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.SaveTimerSnapshot(s.man.TestID, s.engine.Remaining()); err != nil {
				s.logger.Debug("timer snapshot failed", "error", err)
			}
		}
	}
}

// resultLoop finalizes the session when the coordinator reports an
// outcome.
func (s *Session) resultLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case res := <-s.coord.Results():
			if res.Err != nil {
				// Surfaced to the embedding UI; the lock was released
				// so SubmitNow can retry.
				s.logger.Error("submission attempt failed",
					"trigger", res.Trigger, "error", res.Err)
				select {
				case s.finished <- res:
				default:
				}
				continue
			}

			s.mu.Lock()
			s.resultID = res.ResultID
			s.mu.Unlock()

			if err := s.store.ClearTest(s.man.TestID); err != nil {
				s.logger.Warn("staged state cleanup failed", "error", err)
			}
			s.engine.Stop()

			select {
			case s.finished <- res:
			default:
			}
			return
		}
	}
}

// terminate handles a critical violation: wipe credentials, stop the
// countdown, and surface the event. No submission occurs; the server
// sees the reported critical violation.
func (s *Session) terminate(ev violation.Event) {
	s.logger.Error("session terminated by critical violation",
		"type", ev.Type, "details", ev.Details)

	if s.wipe != nil {
		s.wipe()
	}

	select {
	case s.terminated <- ev:
	default:
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.engine.Stop()
}

func (s *Session) registerHealthChecks() {
	s.checker.Register("timer", func(ctx context.Context) health.CheckResult {
		switch s.engine.State() {
		case timer.StateRunning, timer.StatePaused:
			return health.CheckResult{Status: health.StatusHealthy}
		case timer.StateIdle:
			return health.CheckResult{Status: health.StatusUnknown, Message: "not started"}
		default:
			return health.CheckResult{Status: health.StatusDegraded, Message: s.engine.State().String()}
		}
	})

	s.checker.Register("monitoring", func(ctx context.Context) health.CheckResult {
		if s.monitor == nil {
			return health.CheckResult{Status: health.StatusDegraded, Message: "disabled"}
		}
		if s.monitor.Degraded() {
			return health.CheckResult{Status: health.StatusDegraded, Message: "camera unavailable"}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	})

	s.checker.Register("staging", func(ctx context.Context) health.CheckResult {
		pending, err := s.store.PendingCount(s.man.TestID)
		if err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: err.Error()}
		}
		if pending > 0 {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: fmt.Sprintf("%d records awaiting sync", pending),
			}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	})
}

// stagedReporter stages every violation durably before attempting live
// delivery, then marks the staged row synced when the server accepts
// it. A crash loses nothing, and a reconnect flush never re-posts an
// event the server already has.
type stagedReporter struct {
	api    violation.Reporter
	store  *offline.Store
	testID string
	logger *slog.Logger
}

func (r *stagedReporter) ReportViolation(ctx context.Context, ev violation.Event) error {
	if payload, err := json.Marshal(ev); err == nil {
		if err := r.store.StageViolation(r.testID, ev.ID, string(payload)); err != nil {
			r.logger.Debug("violation staging failed", "id", ev.ID, "error", err)
		}
	}

	if err := r.api.ReportViolation(ctx, ev); err != nil {
		return err
	}
	if err := r.store.MarkViolationSynced(ev.ID); err != nil {
		r.logger.Debug("violation sync mark failed", "id", ev.ID, "error", err)
	}
	return nil
}

// connectivitySource wraps the backend time source so resync outcomes
// drive the staging store's online state.
type connectivitySource struct {
	inner timer.TimeSource
	store *offline.Store
}

func (c *connectivitySource) RemainingTime(ctx context.Context) (time.Duration, time.Time, error) {
	remaining, serverNow, err := c.inner.RemainingTime(ctx)
	c.store.SetOnline(ctx, err == nil)
	return remaining, serverNow, err
}
