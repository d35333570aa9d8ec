// Package monitor runs the periodic consistency scan over the release store.
//
// Each tick runs six checks, each in its own store transaction, and repairs
// what it safely can. Findings it cannot repair are escalated through a
// notify.Sink. The scan is supervised: one scan at a time, a hard per-run
// timeout, exponential backoff after failures and a circuit breaker that
// stops the task until it is restarted.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seantiz/releaseflow/internal/notify"
	"github.com/seantiz/releaseflow/internal/store"
)

// Supervision states.
const (
	StateRunning = "running"
	StateBackoff = "backoff"
	StateStopped = "stopped"
)

var (
	// ErrScanInProgress is returned when a scan is requested while one runs.
	ErrScanInProgress = errors.New("consistency scan already in progress")
	// ErrCircuitOpen is returned after repeated failures until Restart.
	ErrCircuitOpen = errors.New("consistency monitor stopped after repeated failures")
)

// Defaults.
const (
	DefaultInterval         = 30 * time.Second
	DefaultTimeout          = 60 * time.Second
	DefaultMaxFailures      = 3
	DefaultLockTTL          = 15 * time.Minute
	DefaultDraftTTL         = time.Hour
	DefaultAlertCooldown    = 5 * time.Minute
	DefaultMaxIssuesPerType = 10
	DefaultMaxFixesPerType  = 20
)

// Options configures a Monitor.
type Options struct {
	Interval         time.Duration
	Timeout          time.Duration
	MaxFailures      int
	LockTTL          time.Duration
	DraftTTL         time.Duration
	AlertCooldown    time.Duration
	MaxIssuesPerType int
	MaxFixesPerType  int
	// RenameDuplicates renames newer releases that share a release number.
	// When false duplicates are only reported and escalated.
	RenameDuplicates bool
	Clock            func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Interval:         DefaultInterval,
		Timeout:          DefaultTimeout,
		MaxFailures:      DefaultMaxFailures,
		LockTTL:          DefaultLockTTL,
		DraftTTL:         DefaultDraftTTL,
		AlertCooldown:    DefaultAlertCooldown,
		MaxIssuesPerType: DefaultMaxIssuesPerType,
		MaxFixesPerType:  DefaultMaxFixesPerType,
		RenameDuplicates: true,
	}
}

// Report is the outcome of one scan. Issues and Fixes are rate limited;
// the totals count everything found and applied.
type Report struct {
	StartedAt   time.Time `json:"startedAt"`
	DurationMS  int64     `json:"durationMs"`
	Issues      []Issue   `json:"issues"`
	Fixes       []Fix     `json:"fixes"`
	TotalIssues int       `json:"totalIssues"`
	TotalFixes  int       `json:"totalFixes"`
}

// Status is a snapshot of the monitor for dashboards.
type Status struct {
	State               string     `json:"state"`
	IsRunning           bool       `json:"isRunning"`
	LastCheck           *time.Time `json:"lastCheck,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	IssuesFound         int        `json:"issuesFound"`
	FixesApplied        int        `json:"fixesApplied"`
	Issues              []Issue    `json:"issues"`
	Fixes               []Fix      `json:"fixes"`
}

// Monitor is the supervised consistency scan.
type Monitor struct {
	store  store.Store
	sink   notify.Sink
	logger *slog.Logger
	opts   Options

	scanning atomic.Bool
	restart  chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	state     string
	looping   bool
	lastCheck time.Time
	lastError string
	failures  int
	issues    []Issue
	fixes     []Fix
	limiter   *alertLimiter
	backoff   *backoff.ExponentialBackOff
}

// New creates a Monitor. A nil sink disables escalation.
func New(s store.Store, sink notify.Sink, logger *slog.Logger, opts Options) *Monitor {
	d := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = d.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = d.MaxFailures
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = d.LockTTL
	}
	if opts.DraftTTL <= 0 {
		opts.DraftTTL = d.DraftTTL
	}
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = d.AlertCooldown
	}
	if opts.MaxIssuesPerType <= 0 {
		opts.MaxIssuesPerType = d.MaxIssuesPerType
	}
	if opts.MaxFixesPerType <= 0 {
		opts.MaxFixesPerType = d.MaxFixesPerType
	}
	if sink == nil {
		sink = notify.Discard
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.Interval
	b.MaxInterval = 10 * opts.Interval
	b.MaxElapsedTime = 0
	b.Reset()

	recordState(StateRunning)
	return &Monitor{
		store:   s,
		sink:    sink,
		logger:  logger,
		opts:    opts,
		restart: make(chan struct{}, 1),
		state:   StateRunning,
		limiter: newAlertLimiter(opts.AlertCooldown, opts.MaxIssuesPerType, opts.MaxFixesPerType),
		backoff: b,
	}
}

func (m *Monitor) now() time.Time {
	if m.opts.Clock != nil {
		return m.opts.Clock().UTC()
	}
	return time.Now().UTC()
}

// Start runs the scan loop until ctx is cancelled. The first scan runs
// immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.looping = true
	m.mu.Unlock()

	m.wg.Go(func() {
		defer func() {
			m.mu.Lock()
			m.looping = false
			m.mu.Unlock()
		}()
		m.loop(ctx)
	})
	m.logger.Info("consistency monitor started", "interval", m.opts.Interval)
}

// Wait blocks until the scan loop exits.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("consistency monitor stopped")
			return
		case <-m.restart:
			timer.Reset(0)
		case <-timer.C:
			_, err := m.RunOnce(ctx)
			if ctx.Err() != nil {
				continue
			}
			if delay, ok := m.nextDelay(err); ok {
				timer.Reset(delay)
			}
		}
	}
}

// nextDelay picks the wait before the next tick. It reports false while the
// circuit is open.
func (m *Monitor) nextDelay(err error) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == StateStopped:
		return 0, false
	case err == nil, errors.Is(err, ErrScanInProgress):
		return m.opts.Interval, true
	default:
		return m.backoff.NextBackOff(), true
	}
}

// RunOnce runs one scan and returns its report. It fails fast with
// ErrScanInProgress or ErrCircuitOpen.
func (m *Monitor) RunOnce(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	stopped := m.state == StateStopped
	m.mu.Unlock()
	if stopped {
		return nil, ErrCircuitOpen
	}
	if !m.scanning.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer m.scanning.Store(false)

	started := m.now()
	begin := time.Now()
	scanCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	f, err := m.scan(scanCtx, started)
	elapsed := time.Since(begin)
	scanDuration.Observe(elapsed.Seconds())
	if err != nil {
		if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("scan timed out after %s: %w", m.opts.Timeout, err)
		}
		m.recordFailure(started, err)
		return nil, err
	}

	r := m.recordSuccess(started, elapsed, f)
	m.escalate(ctx, r.Issues)
	return r, nil
}

func (m *Monitor) scan(ctx context.Context, now time.Time) (*findings, error) {
	all := &findings{}
	for _, c := range m.checks() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s check: %w", c.name, err)
		}
		var f findings
		err := m.store.Update(ctx, func(tx store.Tx) error {
			f = findings{}
			return c.run(tx, now, &f)
		})
		if err != nil {
			return nil, fmt.Errorf("%s check: %w", c.name, err)
		}
		all.issues = append(all.issues, f.issues...)
		all.fixes = append(all.fixes, f.fixes...)
	}
	return all, nil
}

func (m *Monitor) recordFailure(at time.Time, err error) {
	scanFailuresTotal.Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCheck = at
	m.lastError = err.Error()
	m.failures++
	if m.failures >= m.opts.MaxFailures {
		m.state = StateStopped
		m.logger.Error("consistency monitor circuit open", "failures", m.failures, "error", err)
	} else {
		m.state = StateBackoff
		m.logger.Warn("consistency scan failed", "failures", m.failures, "error", err)
	}
	recordState(m.state)
}

func (m *Monitor) recordSuccess(at time.Time, elapsed time.Duration, f *findings) *Report {
	for _, i := range f.issues {
		issuesTotal.WithLabelValues(i.Type).Inc()
	}
	for _, fx := range f.fixes {
		fixesTotal.WithLabelValues(fx.Type).Inc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r := &Report{
		StartedAt:   at,
		DurationMS:  elapsed.Milliseconds(),
		Issues:      m.limiter.issues(f.issues, at),
		Fixes:       m.limiter.fixes(f.fixes),
		TotalIssues: len(f.issues),
		TotalFixes:  len(f.fixes),
	}
	m.lastCheck = at
	m.lastError = ""
	m.failures = 0
	m.state = StateRunning
	m.backoff.Reset()
	m.issues = r.Issues
	m.fixes = r.Fixes
	recordState(m.state)

	if r.TotalIssues > 0 || r.TotalFixes > 0 {
		m.logger.Info("consistency scan complete",
			"issues", r.TotalIssues, "reported", len(r.Issues), "fixes", r.TotalFixes)
	} else {
		m.logger.Debug("consistency scan found no issues")
	}
	return r
}

// escalate sends unrepaired issues to operations. Delivery failures are
// logged.
func (m *Monitor) escalate(ctx context.Context, issues []Issue) {
	for _, i := range issues {
		if i.Repaired {
			continue
		}
		ev := notify.Event{
			Type:       notify.EventMonitorAlert,
			Audience:   notify.AudienceOperations,
			Message:    i.Description,
			Data:       map[string]any{"issueType": i.Type, "documentId": i.DocumentID, "details": i.Data},
			OccurredAt: m.now(),
		}
		if i.Type != IssueOrphanedAllocation {
			ev.ReleaseID = i.DocumentID
		}
		if err := m.sink.Notify(ctx, ev); err != nil {
			m.logger.Error("failed to deliver monitor alert", "type", i.Type, "error", err)
		}
	}
}

// Restart closes the circuit and schedules an immediate scan.
func (m *Monitor) Restart() {
	m.mu.Lock()
	m.state = StateRunning
	m.failures = 0
	m.lastError = ""
	m.backoff.Reset()
	recordState(m.state)
	m.mu.Unlock()

	select {
	case m.restart <- struct{}{}:
	default:
	}
	m.logger.Info("consistency monitor restarted")
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:               m.state,
		IsRunning:           m.looping && m.state != StateStopped,
		LastError:           m.lastError,
		ConsecutiveFailures: m.failures,
		IssuesFound:         len(m.issues),
		FixesApplied:        len(m.fixes),
		Issues:              append([]Issue{}, m.issues...),
		Fixes:               append([]Fix{}, m.fixes...),
	}
	if !m.lastCheck.IsZero() {
		t := m.lastCheck
		s.LastCheck = &t
	}
	return s
}
