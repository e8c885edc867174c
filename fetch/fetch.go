// Package fetch defines the contract between the synchronizer and pluggable
// fetchers. The core performs no remote I/O itself; fetchers translate
// external sources into typed record batches and report anchors so the
// synchronizer can skip work that is already done.
package fetch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

// Capability is the static, side-effect-free self-description of a fetcher.
type Capability struct {
	Name              string          `json:"name"`
	ParamSchema       json.RawMessage `json:"param_schema,omitempty"`
	DatasetsProduced  []string        `json:"datasets_produced,omitempty"`
	DefaultTTLSeconds int64           `json:"default_ttl_seconds"`
	Examples          []string        `json:"examples,omitempty"`
}

// ProbeReport is the result of a lightweight remote check.
type ProbeReport struct {
	// Anchor is the opaque remote marker (ETag, commit SHA, cursor).
	// Compared for equality only.
	Anchor string

	// EstimatedRemoteCount is the fetcher's estimate of the total records
	// available for this scope, or 0 when unknown.
	EstimatedRemoteCount int64

	// LastModified is the remote modification instant, when known.
	LastModified time.Time
}

// Budget bounds one fetch call. Exactly one of the fields is set; the
// fetcher must stop at the budget and return partial results.
type Budget struct {
	MaxRequests int
	MaxDuration time.Duration
}

// Batch is a typed slice of records destined for one schema type.
type Batch struct {
	Type    string
	Records []model.Record
}

// GraphData carries node, edge and vector batches for the dual store.
type GraphData struct {
	Batches []Batch
}

// Add appends a batch; empty batches are dropped.
func (g *GraphData) Add(typeName string, records ...model.Record) {
	if len(records) == 0 {
		return
	}
	g.Batches = append(g.Batches, Batch{Type: typeName, Records: records})
}

// PanelData is a record batch destined for a single cold table, bypassing
// hot projection.
type PanelData struct {
	TablePath string
	Records   []model.Record
}

// Response is the outcome of one fetch call: graph data, panel data, the
// highest-offset anchor observed, and whether more data remains within a
// future budget.
type Response struct {
	Graph  *GraphData
	Panel  *PanelData
	Anchor string
	More   bool
}

// Fetcher is the pluggable source contract: capability is pure and cheap,
// probe is a lightweight remote check, fetch does the work within a budget.
type Fetcher interface {
	Capability() Capability
	Probe(ctx context.Context, params map[string]any) (*ProbeReport, error)
	Fetch(ctx context.Context, params map[string]any, budget Budget, meter *Meter) (*Response, error)
}
