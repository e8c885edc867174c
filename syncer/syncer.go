// Package syncer orchestrates the fetch -> validate -> write(cold) ->
// project(hot) -> commit pipeline and guarantees its idempotence.
//
// Every sync runs under a per-scope mutex; a scope is the pair of fetcher
// name and canonicalized parameters. Cold writes are merge-on-write and hot
// writes are merge-on-id, so replaying a batch converges to the same state.
// Catalog offsets only advance inside the final commit; a crash anywhere
// before it leaves a lag that ReplayLag closes on the next startup.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xiaoniaoyouhuajiang/fstorage/catalog"
	"github.com/xiaoniaoyouhuajiang/fstorage/engine"
	"github.com/xiaoniaoyouhuajiang/fstorage/fetch"
	"github.com/xiaoniaoyouhuajiang/fstorage/lake"
	"github.com/xiaoniaoyouhuajiang/fstorage/schema"
)

var (
	// ErrAlreadyRunning is returned when a sync is attempted on a scope
	// that has one in flight. Callers decide whether to retry; nothing is
	// queued.
	ErrAlreadyRunning = errors.New("syncer: sync already running for scope")

	// ErrUnknownFetcher is returned for an unregistered fetcher name.
	ErrUnknownFetcher = errors.New("syncer: fetcher not registered")
)

// ValidationError reports a batch that failed descriptor validation. The
// whole batch is rejected and no offsets advance.
type ValidationError struct {
	Type   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("syncer: batch %q failed validation: %s", e.Type, e.Reason)
}

// FetcherError wraps a remote failure surfaced by a fetcher.
type FetcherError struct {
	Fetcher    string
	RetryAfter time.Duration
	cause      error
}

func (e *FetcherError) Error() string {
	return fmt.Sprintf("syncer: fetcher %q failed: %v", e.Fetcher, e.cause)
}

func (e *FetcherError) Unwrap() error { return e.cause }

// Status is the outcome class of a sync.
type Status string

const (
	StatusOK       Status = "ok"
	StatusUpToDate Status = "up_to_date"
	StatusPartial  Status = "partial"
)

// NextAction tells the caller how to follow up on a sync.
type NextAction string

const (
	NextActionNone     NextAction = "none"
	NextActionContinue NextAction = "continue"
	NextActionBackoff  NextAction = "backoff"
)

// Result is the outcome of one sync call.
type Result struct {
	Status      Status
	RowsWritten map[string]int64
	Anchor      string
	NextAction  NextAction
	JobID       uint64
}

// Logger is the minimal structured logging surface the syncer needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}

// Synchronizer drives fetchers through their lifecycle and keeps the two
// stores mutually consistent.
type Synchronizer struct {
	registry *schema.Registry
	catalog  *catalog.Catalog
	lake     *lake.Lake
	engine   *engine.Engine
	logger   Logger

	mu       sync.Mutex
	fetchers map[string]fetch.Fetcher
	scopes   map[string]*sync.Mutex
}

// New builds a synchronizer over the shared stores.
func New(registry *schema.Registry, cat *catalog.Catalog, lk *lake.Lake, eng *engine.Engine, logger Logger) *Synchronizer {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Synchronizer{
		registry: registry,
		catalog:  cat,
		lake:     lk,
		engine:   eng,
		logger:   logger,
		fetchers: make(map[string]fetch.Fetcher),
		scopes:   make(map[string]*sync.Mutex),
	}
}

// RegisterFetcher makes a fetcher available by its capability name.
func (s *Synchronizer) RegisterFetcher(f fetch.Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchers[f.Capability().Name] = f
}

// Capabilities lists the capabilities of all registered fetchers, sorted by
// name.
func (s *Synchronizer) Capabilities() []fetch.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fetch.Capability, 0, len(s.fetchers))
	for _, f := range s.fetchers {
		out = append(out, f.Capability())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ScopeID derives the scope identifier from a fetcher name and its
// parameters. Parameters canonicalize through JSON marshaling, which orders
// map keys, so equal parameter sets always map to the same scope.
func ScopeID(fetcherName string, params map[string]any) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("syncer: canonicalizing params: %w", err)
	}
	sum := sha256.Sum256(append([]byte(fetcherName+"\x00"), canonical...))
	return hex.EncodeToString(sum[:16]), nil
}

func (s *Synchronizer) scopeMutex(scope string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.scopes[scope]
	if !ok {
		m = &sync.Mutex{}
		s.scopes[scope] = m
	}
	return m
}

func (s *Synchronizer) fetcher(name string) (fetch.Fetcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fetchers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFetcher, name)
	}
	return f, nil
}

// Sync runs the full pipeline for one scope within one budget.
func (s *Synchronizer) Sync(ctx context.Context, fetcherName string, params map[string]any, budget fetch.Budget) (*Result, error) {
	f, err := s.fetcher(fetcherName)
	if err != nil {
		return nil, err
	}
	capability := f.Capability()

	// Plan.
	scope, err := ScopeID(fetcherName, params)
	if err != nil {
		return nil, err
	}
	mu := s.scopeMutex(scope)
	if !mu.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, scope)
	}
	defer mu.Unlock()

	now := time.Now().UTC()
	job, err := s.catalog.BeginJob(fetcherName, scope, now)
	if err != nil {
		return nil, err
	}

	storedAnchor, err := s.catalog.GetAnchor(fetcherName, scope)
	if err != nil {
		return nil, err
	}

	datasets := capability.DatasetsProduced
	if len(datasets) == 0 {
		datasets = []string{"default"}
	}

	// Probe.
	probe, err := f.Probe(ctx, params)
	if err != nil {
		ferr := &FetcherError{Fetcher: fetcherName, cause: err}
		_ = s.catalog.FinishJob(job, catalog.JobFailed, ferr.Error(), time.Now().UTC())
		return nil, ferr
	}
	if storedAnchor != nil && probe.Anchor != "" && probe.Anchor == storedAnchor.Token && s.readinessFresh(scope, datasets, now) {
		_ = s.catalog.FinishJob(job, catalog.JobSuccess, "up to date", time.Now().UTC())
		s.logger.Debug("sync skipped, scope up to date", "scope", scope, "anchor", probe.Anchor)
		return &Result{Status: StatusUpToDate, Anchor: storedAnchor.Token, NextAction: NextActionNone, JobID: job.JobID}, nil
	}

	// Fetch, paced against any stored API budget for this fetcher.
	meter := fetch.NewMeter(budget, s.meterOptions(fetcherName, now))
	fetchCtx := ctx
	if budget.MaxDuration > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, budget.MaxDuration)
		defer cancel()
	}
	resp, err := f.Fetch(fetchCtx, params, budget, meter)
	if err != nil {
		ferr := &FetcherError{Fetcher: fetcherName, cause: err}
		_ = s.catalog.FinishJob(job, catalog.JobFailed, ferr.Error(), time.Now().UTC())
		return nil, ferr
	}

	anchorToken := resp.Anchor
	if anchorToken == "" {
		anchorToken = probe.Anchor
	}

	var written map[string]int64
	var offsets []catalog.Offset

	switch {
	case resp.Panel != nil:
		written, offsets, err = s.writePanel(ctx, resp.Panel)
	case resp.Graph != nil:
		written, offsets, err = s.processGraph(ctx, resp.Graph)
	default:
		written = map[string]int64{}
	}
	if err != nil {
		status := catalog.JobFailed
		var verr *ValidationError
		if errors.As(err, &verr) {
			status = catalog.JobRejected
		}
		_ = s.catalog.FinishJob(job, status, err.Error(), time.Now().UTC())
		return nil, err
	}

	// Commit: offsets, anchor, readiness and the terminal job row land in a
	// single catalog transaction.
	var rows int64
	for _, n := range written {
		rows += n
	}
	finished := time.Now().UTC()
	job.Status = catalog.JobSuccess
	job.Reason = ""
	job.FinishedAt = finished
	job.RowsIn = rows
	job.RowsOut = rows

	status := StatusOK
	next := NextActionNone
	if meter.Exhausted() {
		status, next = StatusPartial, NextActionBackoff
		job.Status = catalog.JobPartial
	} else if resp.More {
		status, next = StatusPartial, NextActionContinue
		job.Status = catalog.JobPartial
	}

	commit := catalog.SyncCommit{Offsets: offsets, Job: job}
	if anchorToken != "" {
		commit.Anchor = &catalog.Anchor{Fetcher: fetcherName, ScopeID: scope, Token: anchorToken, FetchedAt: finished}
	}
	for _, dataset := range datasets {
		rdy, err := s.catalog.GetReadiness(scope, dataset)
		if err != nil {
			return nil, err
		}
		if rdy == nil {
			rdy = &catalog.Readiness{ScopeID: scope, Dataset: dataset}
		}
		rdy.LastSync = finished
		rdy.TTLSeconds = capability.DefaultTTLSeconds
		rdy.KnownCount += rows
		if probe.EstimatedRemoteCount > rdy.ExpectedCount {
			rdy.ExpectedCount = probe.EstimatedRemoteCount
		}
		commit.Readiness = append(commit.Readiness, *rdy)
	}
	if err := s.catalog.CommitSync(commit); err != nil {
		return nil, err
	}

	s.logger.Info("sync finished",
		"scope", scope, "fetcher", fetcherName, "status", string(status),
		"rows", rows, "job_id", job.JobID, "requests", meter.Used())

	return &Result{Status: status, RowsWritten: written, Anchor: anchorToken, NextAction: next, JobID: job.JobID}, nil
}

func (s *Synchronizer) readinessFresh(scope string, datasets []string, now time.Time) bool {
	for _, dataset := range datasets {
		rdy, err := s.catalog.GetReadiness(scope, dataset)
		if err != nil || rdy == nil || rdy.Stale(now) {
			return false
		}
	}
	return true
}

// meterOptions derives request pacing from the fetcher's stored API budget.
func (s *Synchronizer) meterOptions(fetcherName string, now time.Time) func(o *fetch.MeterOptions) {
	return func(o *fetch.MeterOptions) {
		b, err := s.catalog.GetBudget(fetcherName)
		if err != nil || b == nil || b.Remaining <= 0 {
			return
		}
		window := b.ResetsAt.Sub(now)
		if window <= 0 {
			return
		}
		o.RequestsPerSecond = float64(b.Remaining) / window.Seconds()
	}
}

// CheckReadiness returns the readiness decision for a set of scope/dataset
// pairs. Unknown pairs report as stale with zero coverage.
func (s *Synchronizer) CheckReadiness(scopeID string, datasets []string, now time.Time) (map[string]ReadinessReport, error) {
	out := make(map[string]ReadinessReport, len(datasets))
	for _, dataset := range datasets {
		rdy, err := s.catalog.GetReadiness(scopeID, dataset)
		if err != nil {
			return nil, err
		}
		if rdy == nil {
			out[dataset] = ReadinessReport{Stale: true}
			continue
		}
		out[dataset] = ReadinessReport{
			LastSync: rdy.LastSync,
			Coverage: rdy.Coverage(),
			Stale:    rdy.Stale(now),
		}
	}
	return out, nil
}

// ReadinessReport is the freshness + coverage decision for one dataset.
type ReadinessReport struct {
	LastSync time.Time
	Coverage float64
	Stale    bool
}
