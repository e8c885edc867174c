package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoniaoyouhuajiang/fstorage/catalog"
	"github.com/xiaoniaoyouhuajiang/fstorage/engine"
	"github.com/xiaoniaoyouhuajiang/fstorage/fetch"
	"github.com/xiaoniaoyouhuajiang/fstorage/lake"
	"github.com/xiaoniaoyouhuajiang/fstorage/model"
	"github.com/xiaoniaoyouhuajiang/fstorage/schema"
)

const testBundle = `
nodes:
  - name: Project
    primary_key: [url]
    fields:
      - {name: url, type: string}
      - {name: name, type: string, nullable: true}
      - {name: stars, type: int, nullable: true}
      - {name: description, type: string, nullable: true, text_indexed: true}
  - name: Version
    primary_key: [tag]
    fields:
      - {name: tag, type: string}
edges:
  - label: HAS_VERSION
    from: Project
    to: Version
vectors:
  - name: ReadmeChunk
    primary_key: [chunk_id]
    fields:
      - {name: chunk_id, type: string}
      - {name: text, type: string, nullable: true, text_indexed: true}
    embedding_field: embedding
    dim: 4
vector_rules:
  - vector_type: ReadmeChunk
    source_node_type: Project
    edge_label: HAS_CHUNK
`

type harness struct {
	registry *schema.Registry
	catalog  *catalog.Catalog
	lake     *lake.Lake
	engine   *engine.Engine
	syncer   *Synchronizer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry, err := schema.LoadBundle([]byte(testBundle))
	require.NoError(t, err)

	cat, err := catalog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	lk, err := lake.Open(t.TempDir())
	require.NoError(t, err)

	eng, err := engine.Open(t.TempDir(), func(o *engine.Options) {
		o.Dimensions = map[string]int{"ReadmeChunk": 4}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	return &harness{
		registry: registry,
		catalog:  cat,
		lake:     lk,
		engine:   eng,
		syncer:   New(registry, cat, lk, eng, nil),
	}
}

type fakeFetcher struct {
	name      string
	ttl       int64
	anchor    string
	estimated int64
	probeErr  error
	fetchFn   func(ctx context.Context, params map[string]any, budget fetch.Budget, meter *fetch.Meter) (*fetch.Response, error)
}

func (f *fakeFetcher) Capability() fetch.Capability {
	return fetch.Capability{
		Name:              f.name,
		DatasetsProduced:  []string{"repos"},
		DefaultTTLSeconds: f.ttl,
	}
}

func (f *fakeFetcher) Probe(context.Context, map[string]any) (*fetch.ProbeReport, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &fetch.ProbeReport{Anchor: f.anchor, EstimatedRemoteCount: f.estimated}, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, params map[string]any, budget fetch.Budget, meter *fetch.Meter) (*fetch.Response, error) {
	return f.fetchFn(ctx, params, budget, meter)
}

func projectKey(url string) string {
	return model.NodeKeyString("Project", []model.KV{{Key: "url", Value: url}})
}

func projectID(url string) model.ID {
	return model.StableNodeID("Project", []model.KV{{Key: "url", Value: url}})
}

func versionID(tag string) model.ID {
	return model.StableNodeID("Version", []model.KV{{Key: "tag", Value: tag}})
}

// graphFixture is the E1 payload: three projects, two versions, two edges.
func graphFixture() *fetch.GraphData {
	g := &fetch.GraphData{}
	g.Add("Project",
		model.Record{"url": "p1", "name": "one", "stars": int64(10), "description": "async runtime"},
		model.Record{"url": "p2", "name": "two", "stars": int64(20)},
		model.Record{"url": "p3", "name": "three"},
	)
	g.Add("Version",
		model.Record{"tag": "v1"},
		model.Record{"tag": "v2"},
	)
	g.Add("HAS_VERSION",
		model.Record{"from_key": projectKey("p1"), "to_key": "Version|tag=v1"},
		model.Record{"from_key": projectKey("p2"), "to_key": "Version|tag=v2"},
	)
	return g
}

func TestSync_ColdStartFirstSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fx := &fakeFetcher{name: "fx", ttl: 3600, anchor: "token-1", fetchFn: func(context.Context, map[string]any, fetch.Budget, *fetch.Meter) (*fetch.Response, error) {
		return &fetch.Response{Graph: graphFixture(), Anchor: "token-1"}, nil
	}}
	h.syncer.RegisterFetcher(fx)

	params := map[string]any{"scope": "A"}
	result, err := h.syncer.Sync(ctx, "fx", params, fetch.Budget{MaxRequests: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, NextActionNone, result.NextAction)
	assert.Equal(t, "token-1", result.Anchor)
	assert.Equal(t, map[string]int64{"Project": 3, "Version": 2, "HAS_VERSION": 2}, result.RowsWritten)

	// Cold tables exist.
	tables, err := h.lake.ListTables("silver/")
	require.NoError(t, err)
	paths := make(map[string]bool)
	for _, tbl := range tables {
		paths[tbl.Path] = true
	}
	assert.True(t, paths["silver/entities/Project"])
	assert.True(t, paths["silver/entities/Version"])
	assert.True(t, paths["silver/edges/HAS_VERSION"])
	assert.True(t, paths["silver/index/Project"])

	// Hot graph: p1 -> v1 only.
	neighbors, err := h.engine.Neighbors(ctx, projectID("p1"), engine.NeighborOptions{Direction: engine.DirectionOut, Limit: 10})
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, versionID("v1"), neighbors[0].Node.ID)
	assert.Equal(t, "HAS_VERSION", neighbors[0].Edge.Label)

	// Anchor committed.
	scope, err := ScopeID("fx", params)
	require.NoError(t, err)
	anchor, err := h.catalog.GetAnchor("fx", scope)
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.Equal(t, "token-1", anchor.Token)

	// Text index carried the description.
	hits, err := h.engine.SearchBM25(ctx, "Project", "async", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, projectID("p1"), hits[0].ID)

	// Job logged as success.
	job, err := h.catalog.GetJob(result.JobID)
	require.NoError(t, err)
	assert.Equal(t, catalog.JobSuccess, job.Status)
}

func TestSync_IdempotentResync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	calls := 0
	fx := &fakeFetcher{name: "fx", ttl: 3600, anchor: "token-1", fetchFn: func(context.Context, map[string]any, fetch.Budget, *fetch.Meter) (*fetch.Response, error) {
		calls++
		return &fetch.Response{Graph: graphFixture(), Anchor: "token-1"}, nil
	}}
	h.syncer.RegisterFetcher(fx)
	params := map[string]any{"scope": "A"}

	_, err := h.syncer.Sync(ctx, "fx", params, fetch.Budget{MaxRequests: 10})
	require.NoError(t, err)

	// Second run: probe sees the stored anchor and fresh readiness.
	result, err := h.syncer.Sync(ctx, "fx", params, fetch.Budget{MaxRequests: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusUpToDate, result.Status)
	assert.Equal(t, 1, calls, "fetch must not run again")

	version, err := h.lake.Version("silver/entities/Project")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version, "no additional cold writes")
}

func TestSync_ReplayConverges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	anchor := "token-1"
	fx := &fakeFetcher{name: "fx", ttl: 3600, fetchFn: func(context.Context, map[string]any, fetch.Budget, *fetch.Meter) (*fetch.Response, error) {
		return &fetch.Response{Graph: graphFixture(), Anchor: anchor}, nil
	}}
	h.syncer.RegisterFetcher(fx)
	params := map[string]any{"scope": "A"}

	_, err := h.syncer.Sync(ctx, "fx", params, fetch.Budget{MaxRequests: 10})
	require.NoError(t, err)

	// Force a full re-fetch of the same batch by moving the remote anchor.
	fx.anchor = "token-2"
	anchor = "token-2"
	result, err := h.syncer.Sync(ctx, "fx", params, fetch.Budget{MaxRequests: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, result.Status)

	// Upsert-by-key and merge-on-id: identical state, no duplicates.
	var rows int
	err = h.lake.Scan(ctx, "silver/entities/Project", nil, nil, func(batch []model.Record) bool {
		rows += len(batch)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 3, rows)

	neighbors, err := h.engine.Neighbors(ctx, projectID("p1"), engine.NeighborOptions{Direction: engine.DirectionOut})
	require.NoError(t, err)
	assert.Len(t, neighbors, 1)
}

func TestSync_SchemaViolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fx := &fakeFetcher{name: "fx", ttl: 3600, anchor: "token-1", fetchFn: func(context.Context, map[string]any, fetch.Budget, *fetch.Meter) (*fetch.Response, error) {
		g := &fetch.GraphData{}
		g.Add("Project",
			model.Record{"url": "ok"},
			model.Record{"name": "missing the url primary key"},
		)
		return &fetch.Response{Graph: g, Anchor: "token-1"}, nil
	}}
	h.syncer.RegisterFetcher(fx)
	params := map[string]any{"scope": "A"}

	result, err := h.syncer.Sync(ctx, "fx", params, fetch.Budget{MaxRequests: 10})
	assert.Nil(t, result)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Project", verr.Type)

	// Nothing persisted: no cold version, no hot node, no anchor.
	version, err := h.lake.Version("silver/entities/Project")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)

	_, err = h.engine.GetNode(ctx, projectID("ok"))
	assert.ErrorIs(t, err, engine.ErrNotFound)

	scope, err := ScopeID("fx", params)
	require.NoError(t, err)
	anchor, err := h.catalog.GetAnchor("fx", scope)
	require.NoError(t, err)
	assert.Nil(t, anchor)

	// The job row records the rejection.
	jobs, err := h.catalog.ListJobs()
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	assert.Equal(t, catalog.JobRejected, jobs[len(jobs)-1].Status)
}

func TestReplayLag_CrashBetweenColdAndCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Simulate a crash after step 6: the cold tables hold the batch but the
	// catalog never committed and the hot engine never saw it.
	projectCols := []lake.Column{
		{Name: "url", Type: schema.FieldString},
		{Name: "name", Type: schema.FieldString, Nullable: true},
		{Name: "stars", Type: schema.FieldInt, Nullable: true},
		{Name: "description", Type: schema.FieldString, Nullable: true},
	}
	_, err := h.lake.WriteBatch(ctx, "silver/entities/Project", projectCols, []model.Record{
		{"url": "p1", "name": "one"},
		{"url": "p2", "name": "two"},
	}, lake.UpsertByKey, []string{"url"})
	require.NoError(t, err)

	edgeCols := []lake.Column{
		{Name: "from_key", Type: schema.FieldString},
		{Name: "to_key", Type: schema.FieldString},
	}
	_, err = h.lake.WriteBatch(ctx, "silver/entities/Version", []lake.Column{{Name: "tag", Type: schema.FieldString}}, []model.Record{
		{"tag": "v1"},
	}, lake.UpsertByKey, []string{"tag"})
	require.NoError(t, err)
	_, err = h.lake.WriteBatch(ctx, "silver/edges/HAS_VERSION", edgeCols, []model.Record{
		{"from_key": projectKey("p1"), "to_key": "Version|tag=v1"},
	}, lake.UpsertByKey, []string{"from_key", "to_key"})
	require.NoError(t, err)

	// Startup detects lake.version > catalog.offset and replays.
	replayed, err := h.syncer.ReplayLag(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, replayed)

	node, err := h.engine.GetNode(ctx, projectID("p1"))
	require.NoError(t, err)
	assert.Equal(t, "one", node.Props["name"])

	neighbors, err := h.engine.Neighbors(ctx, projectID("p1"), engine.NeighborOptions{Direction: engine.DirectionOut})
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, versionID("v1"), neighbors[0].Node.ID)

	// The catalog caught up; a second startup replays nothing.
	off, err := h.catalog.GetOffset("silver/entities/Project")
	require.NoError(t, err)
	require.NotNil(t, off)
	assert.Equal(t, int64(1), off.Version)

	replayed, err = h.syncer.ReplayLag(ctx)
	require.NoError(t, err)
	assert.Zero(t, replayed)
}

func TestSync_Vectors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fx := &fakeFetcher{name: "fx", ttl: 3600, anchor: "t1", fetchFn: func(context.Context, map[string]any, fetch.Budget, *fetch.Meter) (*fetch.Response, error) {
		g := graphFixture()
		g.Add("ReadmeChunk",
			model.Record{
				"chunk_id":   "c1",
				"text":       "async runtime performance",
				"embedding":  []float32{1, 0, 0, 0},
				"source_key": projectKey("p1"),
			},
		)
		return &fetch.Response{Graph: g, Anchor: "t1"}, nil
	}}
	h.syncer.RegisterFetcher(fx)

	result, err := h.syncer.Sync(ctx, "fx", map[string]any{"scope": "A"}, fetch.Budget{MaxRequests: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RowsWritten["ReadmeChunk"])

	chunkID := model.StableNodeID("ReadmeChunk", []model.KV{{Key: "chunk_id", Value: "c1"}})

	// The vector is searchable.
	hits, err := h.engine.KNN(ctx, "ReadmeChunk", []float32{1, 0, 0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunkID, hits[0].ID)

	// The vector-rule edge links source node to vector.
	edge, err := h.engine.GetEdge(ctx, "HAS_CHUNK", projectID("p1"), chunkID)
	require.NoError(t, err)
	assert.Equal(t, "HAS_CHUNK", edge.Label)

	// The vector index table maps embedding_id to stable id.
	row, err := h.lake.ReadRowByKey(ctx, "silver/index_vector/ReadmeChunk", []string{"embedding_id"}, []string{chunkID.String()})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, chunkID.String(), row["stable_id"])
}

func TestSync_PanelData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fx := &fakeFetcher{name: "econ", ttl: 3600, anchor: "w1", fetchFn: func(context.Context, map[string]any, fetch.Budget, *fetch.Meter) (*fetch.Response, error) {
		return &fetch.Response{
			Panel: &fetch.PanelData{
				TablePath: "gold/indicators/gdp",
				Records: []model.Record{
					{"country": "DE", "year": int64(2023), "value": 4.07},
					{"country": "FR", "year": int64(2023), "value": 2.78},
				},
			},
			Anchor: "w1",
		}, nil
	}}
	h.syncer.RegisterFetcher(fx)

	result, err := h.syncer.Sync(ctx, "econ", nil, fetch.Budget{MaxRequests: 5})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, int64(2), result.RowsWritten["gold/indicators/gdp"])

	var rows []model.Record
	err = h.lake.Scan(ctx, "gold/indicators/gdp", nil, nil, func(batch []model.Record) bool {
		rows = append(rows, batch...)
		return true
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSync_AlreadyRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	fx := &fakeFetcher{name: "fx", ttl: 3600, anchor: "t1", fetchFn: func(_ context.Context, params map[string]any, _ fetch.Budget, _ *fetch.Meter) (*fetch.Response, error) {
		if params["scope"] == "A" {
			close(started)
			<-release
		}
		return &fetch.Response{Graph: &fetch.GraphData{}, Anchor: "t1"}, nil
	}}
	h.syncer.RegisterFetcher(fx)
	params := map[string]any{"scope": "A"}

	done := make(chan error, 1)
	go func() {
		_, err := h.syncer.Sync(ctx, "fx", params, fetch.Budget{MaxRequests: 5})
		done <- err
	}()
	<-started

	_, err := h.syncer.Sync(ctx, "fx", params, fetch.Budget{MaxRequests: 5})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// A different scope is free to run concurrently.
	_, err = h.syncer.Sync(ctx, "fx", map[string]any{"scope": "B"}, fetch.Budget{MaxRequests: 5})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestSync_PartialAndBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Fetcher reports more data within a future budget.
	more := &fakeFetcher{name: "more", ttl: 3600, anchor: "t1", fetchFn: func(context.Context, map[string]any, fetch.Budget, *fetch.Meter) (*fetch.Response, error) {
		return &fetch.Response{Graph: graphFixture(), Anchor: "t1", More: true}, nil
	}}
	h.syncer.RegisterFetcher(more)
	result, err := h.syncer.Sync(ctx, "more", nil, fetch.Budget{MaxRequests: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, result.Status)
	assert.Equal(t, NextActionContinue, result.NextAction)

	// Fetcher exhausts its request budget mid-scope.
	spent := &fakeFetcher{name: "spent", ttl: 3600, anchor: "t1", fetchFn: func(ctx context.Context, _ map[string]any, _ fetch.Budget, meter *fetch.Meter) (*fetch.Response, error) {
		for {
			if err := meter.Acquire(ctx); err != nil {
				break
			}
			meter.Release()
		}
		return &fetch.Response{Graph: &fetch.GraphData{}, Anchor: "t1", More: true}, nil
	}}
	h.syncer.RegisterFetcher(spent)
	result, err = h.syncer.Sync(ctx, "spent", nil, fetch.Budget{MaxRequests: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, result.Status)
	assert.Equal(t, NextActionBackoff, result.NextAction)

	job, err := h.catalog.GetJob(result.JobID)
	require.NoError(t, err)
	assert.Equal(t, catalog.JobPartial, job.Status)
}

func TestSync_FetcherErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	probeFail := &fakeFetcher{name: "pf", ttl: 60, probeErr: fmt.Errorf("rate limited")}
	h.syncer.RegisterFetcher(probeFail)
	_, err := h.syncer.Sync(ctx, "pf", nil, fetch.Budget{MaxRequests: 1})
	var ferr *FetcherError
	require.ErrorAs(t, err, &ferr)

	fetchFail := &fakeFetcher{name: "ff", ttl: 60, anchor: "t", fetchFn: func(context.Context, map[string]any, fetch.Budget, *fetch.Meter) (*fetch.Response, error) {
		return nil, fmt.Errorf("remote exploded")
	}}
	h.syncer.RegisterFetcher(fetchFail)
	_, err = h.syncer.Sync(ctx, "ff", nil, fetch.Budget{MaxRequests: 1})
	require.ErrorAs(t, err, &ferr)

	// No offsets advanced for either failure.
	offsets, err := h.catalog.ListOffsets()
	require.NoError(t, err)
	assert.Empty(t, offsets)

	_, err = h.syncer.Sync(ctx, "nope", nil, fetch.Budget{MaxRequests: 1})
	assert.ErrorIs(t, err, ErrUnknownFetcher)
}

func TestScopeID_Canonicalization(t *testing.T) {
	a, err := ScopeID("fx", map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := ScopeID("fx", map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b, "map order must not change the scope")

	c, err := ScopeID("fx", map[string]any{"a": 3, "b": 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := ScopeID("fy", map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestSync_ObservesTimeout(t *testing.T) {
	h := newHarness(t)
	fx := &fakeFetcher{name: "slow", ttl: 60, anchor: "t", fetchFn: func(ctx context.Context, _ map[string]any, _ fetch.Budget, _ *fetch.Meter) (*fetch.Response, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &fetch.Response{Graph: &fetch.GraphData{}}, nil
		}
	}}
	h.syncer.RegisterFetcher(fx)

	_, err := h.syncer.Sync(context.Background(), "slow", nil, fetch.Budget{MaxDuration: 50 * time.Millisecond})
	var ferr *FetcherError
	require.ErrorAs(t, err, &ferr)
}
