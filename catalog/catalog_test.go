package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOffsets_CommitAndMonotonicity(t *testing.T) {
	c := openTestCatalog(t)

	off, err := c.GetOffset("silver/entities/Project")
	require.NoError(t, err)
	assert.Nil(t, off)

	err = c.CommitSync(SyncCommit{Offsets: []Offset{
		{TablePath: "silver/entities/Project", Version: 1, RowCount: 3},
	}})
	require.NoError(t, err)

	off, err = c.GetOffset("silver/entities/Project")
	require.NoError(t, err)
	require.NotNil(t, off)
	assert.Equal(t, int64(1), off.Version)
	assert.Equal(t, int64(3), off.RowCount)

	// Replaying the same version is a no-op, not an error.
	err = c.CommitSync(SyncCommit{Offsets: []Offset{
		{TablePath: "silver/entities/Project", Version: 1, RowCount: 99},
	}})
	require.NoError(t, err)
	off, err = c.GetOffset("silver/entities/Project")
	require.NoError(t, err)
	assert.Equal(t, int64(3), off.RowCount, "replay must not rewrite the offset")

	// Regression fails the whole transaction.
	err = c.CommitSync(SyncCommit{Offsets: []Offset{
		{TablePath: "silver/entities/Project", Version: 0},
	}})
	assert.ErrorIs(t, err, ErrOffsetRegression)
}

func TestOffsets_VersionConflict(t *testing.T) {
	c := openTestCatalog(t)

	err := c.CommitSync(SyncCommit{Offsets: []Offset{
		{TablePath: "silver/entities/Project", Version: 1, RowCount: 3, BatchDigest: "digest-a"},
	}})
	require.NoError(t, err)

	// The same batch replaying at the same version is a no-op.
	err = c.CommitSync(SyncCommit{Offsets: []Offset{
		{TablePath: "silver/entities/Project", Version: 1, RowCount: 3, BatchDigest: "digest-a"},
	}})
	require.NoError(t, err)

	// A digestless commit (startup replay) at the same version is accepted.
	err = c.CommitSync(SyncCommit{Offsets: []Offset{
		{TablePath: "silver/entities/Project", Version: 1, RowCount: 3},
	}})
	require.NoError(t, err)

	// A different batch landing on the same version is a collision, not a
	// replay, and must surface.
	err = c.CommitSync(SyncCommit{Offsets: []Offset{
		{TablePath: "silver/entities/Project", Version: 1, RowCount: 5, BatchDigest: "digest-b"},
	}})
	assert.ErrorIs(t, err, ErrOffsetConflict)
}

func TestCommitSync_Atomic(t *testing.T) {
	c := openTestCatalog(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	job, err := c.BeginJob("fx", "scope-a", now)
	require.NoError(t, err)
	job.Status = JobSuccess
	job.FinishedAt = now

	err = c.CommitSync(SyncCommit{
		Offsets: []Offset{{TablePath: "silver/entities/Project", Version: 1, RowCount: 3}},
		Anchor:  &Anchor{Fetcher: "fx", ScopeID: "scope-a", Token: "token-1", FetchedAt: now},
		Readiness: []Readiness{
			{ScopeID: "scope-a", Dataset: "projects", LastSync: now, TTLSeconds: 3600, KnownCount: 3, ExpectedCount: 3},
		},
		Job: job,
	})
	require.NoError(t, err)

	anchor, err := c.GetAnchor("fx", "scope-a")
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.Equal(t, "token-1", anchor.Token)

	rdy, err := c.GetReadiness("scope-a", "projects")
	require.NoError(t, err)
	require.NotNil(t, rdy)
	assert.Equal(t, int64(3), rdy.KnownCount)

	got, err := c.GetJob(job.JobID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, JobSuccess, got.Status)
}

func TestReadiness_Decision(t *testing.T) {
	now := time.Now().UTC()

	// Never synced.
	assert.True(t, Readiness{}.Stale(now))

	// Fresh and fully covered.
	fresh := Readiness{LastSync: now.Add(-time.Minute), TTLSeconds: 3600, KnownCount: 10, ExpectedCount: 10}
	assert.False(t, fresh.Stale(now))
	assert.Equal(t, 1.0, fresh.Coverage())

	// TTL expired.
	expired := fresh
	expired.LastSync = now.Add(-2 * time.Hour)
	assert.True(t, expired.Stale(now))

	// Coverage below 1.
	partial := fresh
	partial.KnownCount = 5
	assert.True(t, partial.Stale(now))
	assert.Equal(t, 0.5, partial.Coverage())

	// Unknown expected count treats the scope as covered.
	unknown := Readiness{LastSync: now, TTLSeconds: 3600, KnownCount: 5}
	assert.False(t, unknown.Stale(now))
}

func TestJobLog_AppendOnly(t *testing.T) {
	c := openTestCatalog(t)
	now := time.Now().UTC()

	j1, err := c.BeginJob("fx", "s1", now)
	require.NoError(t, err)
	j2, err := c.BeginJob("fx", "s2", now)
	require.NoError(t, err)
	assert.Less(t, j1.JobID, j2.JobID)

	require.NoError(t, c.FinishJob(j1, JobRejected, "missing pk field", now))

	jobs, err := c.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, JobRejected, jobs[0].Status)
	assert.Equal(t, "missing pk field", jobs[0].Reason)
	assert.Equal(t, JobRunning, jobs[1].Status)
}

func TestBudget_RoundTrip(t *testing.T) {
	c := openTestCatalog(t)

	b, err := c.GetBudget("fx")
	require.NoError(t, err)
	assert.Nil(t, b)

	resets := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, c.PutBudget(Budget{Fetcher: "fx", Remaining: 4000, ResetsAt: resets}))

	b, err = c.GetBudget("fx")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(4000), b.Remaining)
	assert.True(t, b.ResetsAt.Equal(resets))
}
