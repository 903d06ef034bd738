package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/emribilemir/atlas-ois-tracker/internal/config"
	"github.com/emribilemir/atlas-ois-tracker/internal/grades"
	"github.com/emribilemir/atlas-ois-tracker/internal/portal"
)

// ErrPaused is returned by Check while monitoring is paused.
var ErrPaused = errors.New("monitor: paused")

// Sessions hands out an authenticated portal session.
type Sessions interface {
	EnsureValid(ctx context.Context) (*portal.Session, error)
	Invalidate(s *portal.Session)
}

type Extractor interface {
	Extract(ctx context.Context, s *portal.Session) ([]grades.Record, error)
}

type State string

const (
	Running State = "running"
	Paused  State = "paused"
)

// CheckResult is the outcome of a successful manual check.
type CheckResult struct {
	CycleID  string          `json:"cycleId"`
	At       time.Time       `json:"at"`
	Changes  []grades.Change `json:"changes"`
	Records  int             `json:"records"`
	Baseline bool            `json:"baseline"` // first snapshot, nothing to compare against
}

type Status struct {
	State               State          `json:"state"`
	StartedAt           time.Time      `json:"startedAt"`
	IntervalSeconds     int64          `json:"intervalSeconds"`
	Checks              int64          `json:"checks"`
	LastCheck           time.Time      `json:"lastCheck"`
	LastSuccess         time.Time      `json:"lastSuccess"`
	SnapshotAt          time.Time      `json:"snapshotAt"`
	Records             int            `json:"records"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	LastError           *ErrorInfo     `json:"lastError,omitempty"`
	Resources           *ResourceUsage `json:"resources,omitempty"`
}

// Monitor runs check cycles: authenticate, extract, diff against the stored
// snapshot, commit and notify. At most one cycle runs at a time.
type Monitor struct {
	sessions  Sessions
	extractor Extractor
	store     *grades.Store
	sink      Sink

	interval      time.Duration
	alertAfter    int
	resourceEvery time.Duration

	sem chan struct{} // cycle slot

	mu        sync.RWMutex // protects state, startedAt, lastCheck
	state     State
	startedAt time.Time
	lastCheck time.Time

	checks    atomic.Int64
	health    *cycleHealth
	resources *resourceSampler
	now       func() time.Time
}

func New(cfg config.MonitorConfig, sessions Sessions, extractor Extractor, store *grades.Store, sink Sink) *Monitor {
	if sink == nil {
		sink = nopSink{}
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = config.DefaultCheckInterval
	}
	state := Running
	if cfg.StartPaused {
		state = Paused
	}
	return &Monitor{
		sessions:      sessions,
		extractor:     extractor,
		store:         store,
		sink:          sink,
		interval:      interval,
		alertAfter:    cfg.AlertAfterFailures,
		resourceEvery: cfg.ResourceLogInterval,
		sem:           make(chan struct{}, 1),
		state:         state,
		health:        newCycleHealth(),
		resources:     newResourceSampler(),
		now:           time.Now,
	}
}

// SetSink replaces the sink. Call before Start.
func (m *Monitor) SetSink(s Sink) {
	if s == nil {
		s = nopSink{}
	}
	m.sink = s
}

// Start runs a cycle immediately and then one per interval until ctx is
// done. Ticks that find a cycle in flight are skipped.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.startedAt = m.now()
	m.mu.Unlock()

	if m.resourceEvery > 0 {
		go m.resources.run(ctx, m.resourceEvery)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("[monitor] started, checking every %s (state=%s)", m.interval, m.State())

	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("[monitor] stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if m.State() == Paused {
		return
	}
	select {
	case m.sem <- struct{}{}:
	default:
		log.Println("[monitor] cycle already running, skipping tick")
		return
	}
	defer func() { <-m.sem }()

	m.cycle(WithOrigin(ctx, OriginTimer))
}

// Check runs a cycle now, waiting for an in-flight cycle to finish first.
// Changes reach the sink as for timer cycles, tagged with the origin set on
// ctx (OriginManual by default).
func (m *Monitor) Check(ctx context.Context) (CheckResult, error) {
	if m.State() == Paused {
		return CheckResult{}, ErrPaused
	}
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return CheckResult{}, ctx.Err()
	}
	defer func() { <-m.sem }()

	if m.State() == Paused {
		return CheckResult{}, ErrPaused
	}
	return m.cycle(ctx)
}

// cycle must be called holding the cycle slot.
func (m *Monitor) cycle(ctx context.Context) (res CheckResult, err error) {
	res.CycleID = uuid.NewString()
	res.At = m.now()
	m.checks.Add(1)
	m.mu.Lock()
	m.lastCheck = res.At
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor: cycle panic: %v", r)
		}
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			log.Printf("[monitor] cycle %s interrupted: %v", res.CycleID, err)
			return
		}
		m.fail(ctx, res.CycleID, err)
	}()

	records, err := m.fetch(ctx)
	if err != nil {
		return res, err
	}

	_, hadBaseline := m.store.Snapshot()
	res.Changes = m.store.Diff(records)
	m.store.Commit(records, res.At)
	res.Records = len(records)
	res.Baseline = !hadBaseline

	log.Printf("[monitor] cycle %s: %d records, %d changes", res.CycleID, res.Records, len(res.Changes))

	if m.health.recordSuccess(res.At) {
		m.alert(ctx, Alert{Kind: AlertRecovered, Message: "grade checks are succeeding again", At: res.At})
	}
	if len(res.Changes) > 0 {
		ev := ChangeEvent{CycleID: res.CycleID, At: res.At, Origin: OriginFrom(ctx), Changes: res.Changes}
		if err := m.sink.NotifyChanges(ctx, ev); err != nil {
			log.Printf("[monitor] cycle %s: notify failed: %v", res.CycleID, err)
		}
	}
	return res, nil
}

// fetch extracts with a valid session. An expired session is dropped and the
// cycle retries once with a fresh login.
func (m *Monitor) fetch(ctx context.Context) ([]grades.Record, error) {
	s, err := m.sessions.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}
	records, err := m.extractor.Extract(ctx, s)
	if !errors.Is(err, portal.ErrSessionExpired) {
		return records, err
	}

	log.Println("[monitor] session expired, logging in again")
	m.sessions.Invalidate(s)
	s, err = m.sessions.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}
	records, err = m.extractor.Extract(ctx, s)
	if errors.Is(err, portal.ErrSessionExpired) {
		m.sessions.Invalidate(s)
	}
	return records, err
}

func (m *Monitor) fail(ctx context.Context, cycleID string, err error) {
	kind := portal.Classify(err)
	at := m.now()
	failures, crossed := m.health.recordFailure(kind, err, at, m.alertAfter)
	log.Printf("[monitor] cycle %s failed (%s, %d in a row): %v", cycleID, kind, failures, err)

	if kind == portal.KindBadCredentials {
		m.Pause()
		m.alert(ctx, Alert{
			Kind:      AlertPaused,
			ErrorKind: kind,
			Message:   "portal rejected the username or password; monitoring paused until resumed",
			Failures:  failures,
			At:        at,
		})
		return
	}
	if crossed {
		m.alert(ctx, Alert{
			Kind:      AlertDegraded,
			ErrorKind: kind,
			Message:   err.Error(),
			Failures:  failures,
			At:        at,
		})
	}
}

func (m *Monitor) alert(ctx context.Context, a Alert) {
	if err := m.sink.Alert(ctx, a); err != nil {
		log.Printf("[monitor] alert %s failed: %v", a.Kind, err)
	}
}

func (m *Monitor) Pause() {
	m.setState(Paused)
}

func (m *Monitor) Resume() {
	m.setState(Running)
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		log.Printf("[monitor] %s -> %s", prev, s)
	}
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot returns the stored grades and whether a baseline exists.
func (m *Monitor) Snapshot() (grades.Snapshot, bool) {
	return m.store.Snapshot()
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	st := Status{
		State:           m.state,
		StartedAt:       m.startedAt,
		IntervalSeconds: int64(m.interval / time.Second),
		LastCheck:       m.lastCheck,
	}
	m.mu.RUnlock()

	st.Checks = m.checks.Load()
	st.ConsecutiveFailures, st.LastError, st.LastSuccess = m.health.snapshot()
	if snap, ok := m.store.Snapshot(); ok {
		st.SnapshotAt = snap.CapturedAt
		st.Records = len(snap.Records)
	}
	u := m.resources.sample()
	st.Resources = &u
	return st
}
