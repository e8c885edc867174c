// Package catalog is the durable metadata store of the data layer: ingestion
// offsets, source anchors, readiness records, fetcher budgets and the
// append-only job log. It is backed by an embedded transactional key-value
// store (badger) and is single-writer by construction.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	prefixOffset    = "off/"
	prefixAnchor    = "anc/"
	prefixReadiness = "rdy/"
	prefixBudget    = "bud/"
	prefixJob       = "job/"
	keyJobSeq       = "seq/job"
)

// Offset tracks ingestion progress of a single cold table.
type Offset struct {
	TablePath            string    `json:"table_path"`
	Version              int64     `json:"version"`
	RowCount             int64     `json:"row_count"`
	MaxObservedTimestamp time.Time `json:"max_observed_timestamp"`

	// BatchDigest identifies the batch that produced this version. A
	// commit carrying the stored version is a no-op only when the digests
	// agree; a different digest at the same version means two distinct
	// writers collided and must not be silently dropped. Empty means
	// unknown (e.g. a startup replay), which is always accepted.
	BatchDigest string `json:"batch_digest,omitempty"`
}

// Anchor is the opaque "what I last saw" token of a fetcher scope.
type Anchor struct {
	Fetcher   string    `json:"fetcher"`
	ScopeID   string    `json:"scope_id"`
	Token     string    `json:"token"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Readiness drives the freshness/coverage decision for a scope and dataset.
type Readiness struct {
	ScopeID       string    `json:"scope_id"`
	Dataset       string    `json:"dataset"`
	LastSync      time.Time `json:"last_sync"`
	TTLSeconds    int64     `json:"ttl_seconds"`
	KnownCount    int64     `json:"known_count"`
	ExpectedCount int64     `json:"expected_count"`
}

// Coverage is known/max(expected, 1), capped at 1.
func (r Readiness) Coverage() float64 {
	expected := r.ExpectedCount
	if expected < 1 {
		expected = 1
	}
	cov := float64(r.KnownCount) / float64(expected)
	if cov > 1 {
		cov = 1
	}
	return cov
}

// Stale reports whether the scope needs a sync at the given instant.
func (r Readiness) Stale(now time.Time) bool {
	if r.LastSync.IsZero() {
		return true
	}
	if r.TTLSeconds > 0 && now.Sub(r.LastSync) > time.Duration(r.TTLSeconds)*time.Second {
		return true
	}
	return r.Coverage() < 1
}

// Budget tracks the remaining request allowance of a fetcher.
type Budget struct {
	Fetcher   string    `json:"fetcher"`
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// JobStatus is the terminal (or running) state of a sync job.
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobSuccess  JobStatus = "success"
	JobPartial  JobStatus = "partial"
	JobRejected JobStatus = "rejected"
	JobFailed   JobStatus = "failed"
)

// Job is one row of the append-only job log.
type Job struct {
	JobID      uint64    `json:"job_id"`
	Fetcher    string    `json:"fetcher"`
	ParamsHash string    `json:"params_hash"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     JobStatus `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	RowsIn     int64     `json:"rows_in"`
	RowsOut    int64     `json:"rows_out"`
}

// Catalog is the metadata store. All writes are serialized through an
// internal mutex; reads observe all prior committed writes.
type Catalog struct {
	mu     sync.Mutex
	db     *badger.DB
	jobSeq *badger.Sequence
}

// Open opens (or creates) the catalog at dir.
func Open(dir string) (*Catalog, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening store: %w", err)
	}
	seq, err := db.GetSequence([]byte(keyJobSeq), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: job sequence: %w", err)
	}
	return &Catalog{db: db, jobSeq: seq}, nil
}

// Close releases the underlying store.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.jobSeq.Release(); err != nil {
		_ = c.db.Close()
		return err
	}
	return c.db.Close()
}

func getJSON[T any](txn *badger.Txn, key string) (*T, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out T
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

func setJSON(txn *badger.Txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), raw)
}

// GetOffset returns the ingestion offset for a table, or nil if never synced.
func (c *Catalog) GetOffset(tablePath string) (*Offset, error) {
	var out *Offset
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[Offset](txn, prefixOffset+tablePath)
		return err
	})
	return out, err
}

// ListOffsets returns all tracked table offsets, in key order.
func (c *Catalog) ListOffsets() ([]Offset, error) {
	var out []Offset
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixOffset), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var off Offset
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &off)
			}); err != nil {
				return err
			}
			out = append(out, off)
		}
		return nil
	})
	return out, err
}

// GetAnchor returns the stored anchor for a fetcher scope, or nil.
func (c *Catalog) GetAnchor(fetcher, scopeID string) (*Anchor, error) {
	var out *Anchor
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[Anchor](txn, prefixAnchor+fetcher+"/"+scopeID)
		return err
	})
	return out, err
}

// GetReadiness returns the readiness record for a scope/dataset, or nil.
func (c *Catalog) GetReadiness(scopeID, dataset string) (*Readiness, error) {
	var out *Readiness
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[Readiness](txn, prefixReadiness+scopeID+"/"+dataset)
		return err
	})
	return out, err
}

// GetBudget returns the stored budget for a fetcher, or nil.
func (c *Catalog) GetBudget(fetcher string) (*Budget, error) {
	var out *Budget
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[Budget](txn, prefixBudget+fetcher)
		return err
	})
	return out, err
}

// PutBudget stores the budget for a fetcher.
func (c *Catalog) PutBudget(b Budget) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixBudget+b.Fetcher, b)
	})
}

// BeginJob appends a job-log row in running state and returns it.
func (c *Catalog) BeginJob(fetcher, paramsHash string, now time.Time) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, err := c.jobSeq.Next()
	if err != nil {
		return nil, fmt.Errorf("catalog: job id: %w", err)
	}
	job := &Job{
		JobID:      id,
		Fetcher:    fetcher,
		ParamsHash: paramsHash,
		StartedAt:  now,
		Status:     JobRunning,
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, jobKey(id), job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// FinishJob records the terminal status of a job outside a sync commit
// (rejected/failed paths where no offsets advance).
func (c *Catalog) FinishJob(job *Job, status JobStatus, reason string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job.Status = status
	job.Reason = reason
	job.FinishedAt = now
	return c.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, jobKey(job.JobID), job)
	})
}

// GetJob returns a job-log row by id, or nil.
func (c *Catalog) GetJob(id uint64) (*Job, error) {
	var out *Job
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[Job](txn, jobKey(id))
		return err
	})
	return out, err
}

// ListJobs returns all job-log rows in id order.
func (c *Catalog) ListJobs() ([]Job, error) {
	var out []Job
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixJob), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			out = append(out, job)
		}
		return nil
	})
	return out, err
}

func jobKey(id uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return prefixJob + string(buf[:])
}

// SyncCommit is the atomic tail of a successful sync batch: per-table offset
// updates, the new anchor, the readiness update and the terminal job row are
// applied in a single transaction.
type SyncCommit struct {
	Offsets   []Offset
	Anchor    *Anchor
	Readiness []Readiness
	Job       *Job
}

// ErrOffsetRegression is returned when a commit would move an offset
// backwards. Offsets are monotone per table.
var ErrOffsetRegression = errors.New("catalog: offset regression")

// ErrOffsetConflict is returned when a commit carries the stored version
// but a different batch digest: two writers produced distinct batches at
// the same table version.
var ErrOffsetConflict = errors.New("catalog: offset version conflict")

// CommitSync applies the commit atomically. Offsets never regress: a commit
// carrying a version below the stored one fails the whole transaction. A
// commit at the stored version is a replay and leaves that offset as it is,
// unless both sides carry batch digests and they differ (ErrOffsetConflict).
func (c *Catalog) CommitSync(commit SyncCommit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Update(func(txn *badger.Txn) error {
		for _, off := range commit.Offsets {
			stored, err := getJSON[Offset](txn, prefixOffset+off.TablePath)
			if err != nil {
				return err
			}
			if stored != nil {
				if off.Version < stored.Version {
					return fmt.Errorf("%w: table %s: %d < %d", ErrOffsetRegression, off.TablePath, off.Version, stored.Version)
				}
				if off.Version == stored.Version {
					// A true replay carries the same batch. Version
					// equality alone cannot prove that.
					if off.BatchDigest != "" && stored.BatchDigest != "" && off.BatchDigest != stored.BatchDigest {
						return fmt.Errorf("%w: table %s: version %d was committed by a different batch", ErrOffsetConflict, off.TablePath, off.Version)
					}
					continue
				}
				if off.MaxObservedTimestamp.Before(stored.MaxObservedTimestamp) {
					off.MaxObservedTimestamp = stored.MaxObservedTimestamp
				}
			}
			if err := setJSON(txn, prefixOffset+off.TablePath, off); err != nil {
				return err
			}
		}
		if commit.Anchor != nil {
			key := prefixAnchor + commit.Anchor.Fetcher + "/" + commit.Anchor.ScopeID
			if err := setJSON(txn, key, commit.Anchor); err != nil {
				return err
			}
		}
		for _, rdy := range commit.Readiness {
			key := prefixReadiness + rdy.ScopeID + "/" + rdy.Dataset
			if err := setJSON(txn, key, rdy); err != nil {
				return err
			}
		}
		if commit.Job != nil {
			if err := setJSON(txn, jobKey(commit.Job.JobID), commit.Job); err != nil {
				return err
			}
		}
		return nil
	})
}
