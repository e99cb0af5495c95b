package violation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reporter delivers a violation event to the server. Reporting is
// best-effort: failures are logged and dropped, never retried here and
// never allowed to block local bookkeeping.
type Reporter interface {
	ReportViolation(ctx context.Context, ev Event) error
}

// TerminateFunc is invoked synchronously when a critical violation is
// recorded. It must clear local session credentials and tear the exam
// session down.
type TerminateFunc func(ev Event)

// Config configures a Ledger.
type Config struct {
	// MaxViolations is the counted tally at which the ledger escalates.
	MaxViolations int

	// DedupWindow suppresses the user-visible warning for identical
	// (type, details) pairs recorded within this window of each other.
	// Suppressed events are still counted.
	DedupWindow time.Duration

	// CriticalTypes bypass the tally and terminate the session on
	// first occurrence.
	CriticalTypes map[Type]bool
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig() Config {
	return Config{
		MaxViolations: 5,
		DedupWindow:   5 * time.Second,
		CriticalTypes: map[Type]bool{
			TypeDevtoolsCombo: true,
			TypeViewSource:    true,
		},
	}
}

// Ledger is the central violation event sink.
//
// All Record calls are serialized under one mutex, so the escalation
// check-and-set is race-free regardless of which goroutine a detector
// runs on. The ledger owns the event log and tally exclusively; other
// components only observe them through copies.
type Ledger struct {
	cfg      Config
	logger   *slog.Logger
	reporter Reporter

	mu        sync.Mutex
	events    []Event
	tally     Tally
	lastSeen  map[dedupKey]time.Time
	startedAt time.Time
	suspended bool
	escalated bool
	locked    bool

	warnings   chan Warning
	escalation chan Tally
	terminate  TerminateFunc
}

type dedupKey struct {
	typ     Type
	details string
}

// NewLedger creates a ledger. reporter may be nil (no server reporting,
// used by offline recovery and tests). terminate may be nil.
func NewLedger(config Config, reporter Reporter, terminate TerminateFunc, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxViolations <= 0 {
		config.MaxViolations = DefaultConfig().MaxViolations
	}
	if config.CriticalTypes == nil {
		config.CriticalTypes = DefaultConfig().CriticalTypes
	}

	return &Ledger{
		cfg:        config,
		logger:     logger.With("component", "violation_ledger"),
		reporter:   reporter,
		tally:      make(Tally),
		lastSeen:   make(map[dedupKey]time.Time),
		startedAt:  time.Now(),
		warnings:   make(chan Warning, 16),
		escalation: make(chan Tally, 1),
	}
}

// Warnings returns the channel of user-visible violation notices.
func (l *Ledger) Warnings() <-chan Warning {
	return l.warnings
}

// Escalated returns a channel that receives the final tally exactly
// once, when the counted total reaches MaxViolations.
func (l *Ledger) Escalated() <-chan Tally {
	return l.escalation
}

// Record classifies and logs one violation.
//
// Critical types short-circuit: the event is logged and reported, the
// terminate callback runs, and the tally is untouched. Counted types
// increment the tally and may fire the one-shot escalation. Recording
// while suspended (file upload in progress) is a no-op.
func (l *Ledger) Record(typ Type, sev Severity, details string) {
	l.mu.Lock()

	if l.suspended {
		l.mu.Unlock()
		return
	}
	if l.locked {
		// Session already locked; keep appending to the log for the
		// submission payload but never warn or escalate again.
		ev := newEvent(typ, sev, time.Since(l.startedAt), details)
		l.events = append(l.events, ev)
		l.mu.Unlock()
		l.report(ev)
		return
	}

	ev := newEvent(typ, sev, time.Since(l.startedAt), details)
	l.events = append(l.events, ev)

	if l.cfg.CriticalTypes[typ] {
		l.locked = true
		terminate := l.terminate
		l.mu.Unlock()

		l.logger.Warn("critical violation, terminating session",
			"type", typ, "details", details)
		l.report(ev)
		if terminate != nil {
			terminate(ev)
		}
		return
	}

	l.tally[typ]++
	total := l.tally.Total()

	key := dedupKey{typ: typ, details: details}
	suppress := false
	if last, ok := l.lastSeen[key]; ok && ev.Timestamp.Sub(last) < l.cfg.DedupWindow {
		suppress = true
	}
	l.lastSeen[key] = ev.Timestamp

	escalate := false
	if total >= l.cfg.MaxViolations && !l.escalated {
		l.escalated = true
		l.locked = true
		escalate = true
	}

	var warning *Warning
	if !suppress {
		warning = &Warning{
			Event:     ev,
			Count:     total,
			Remaining: max(0, l.cfg.MaxViolations-total),
		}
	}
	var finalTally Tally
	if escalate {
		finalTally = l.tallySnapshotLocked()
	}
	l.mu.Unlock()

	l.report(ev)

	if warning != nil {
		select {
		case l.warnings <- *warning:
		default:
			l.logger.Warn("warning channel full, dropping notice", "type", typ)
		}
	}

	if escalate {
		l.logger.Warn("violation threshold crossed, escalating",
			"total", total, "max", l.cfg.MaxViolations)
		l.escalation <- finalTally
	}
}

// SetTerminateFunc installs the critical-violation handler. Must be
// called before detectors start recording.
func (l *Ledger) SetTerminateFunc(fn TerminateFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminate = fn
}

// Suspend pauses recording entirely. Used during local file-upload
// processing, which can trigger focus and visibility false positives.
func (l *Ledger) Suspend() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.suspended = true
}

// Resume re-enables recording after Suspend.
func (l *Ledger) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.suspended = false
}

// Locked reports whether the session has crossed the threshold or hit a
// critical violation. The transition is one-way.
func (l *Ledger) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Tally returns a copy of the current counted tally.
func (l *Ledger) Tally() Tally {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tallySnapshotLocked()
}

// Events returns a copy of the full ordered event log.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Restore seeds the ledger with events recovered from local storage
// after a crash or reload. Counted types rebuild the tally; restoring
// never fires warnings, and escalation state is recomputed so a session
// that was already over the threshold comes back locked.
func (l *Ledger) Restore(events []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range events {
		l.events = append(l.events, ev)
		if !l.cfg.CriticalTypes[ev.Type] {
			l.tally[ev.Type]++
		}
	}
	if l.tally.Total() >= l.cfg.MaxViolations {
		l.escalated = true
		l.locked = true
	}
}

func (l *Ledger) tallySnapshotLocked() Tally {
	out := make(Tally, len(l.tally))
	for k, v := range l.tally {
		out[k] = v
	}
	return out
}

// report delivers the event to the server without blocking the caller.
func (l *Ledger) report(ev Event) {
	if l.reporter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.reporter.ReportViolation(ctx, ev); err != nil {
			l.logger.Debug("violation report failed", "type", ev.Type, "error", err)
		}
	}()
}
