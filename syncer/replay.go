package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/xiaoniaoyouhuajiang/fstorage/catalog"
	"github.com/xiaoniaoyouhuajiang/fstorage/lake"
	"github.com/xiaoniaoyouhuajiang/fstorage/model"
	"github.com/xiaoniaoyouhuajiang/fstorage/schema"
)

// ReplayLag compares catalog offsets to cold table versions and re-projects
// any table whose cold state ran ahead of its committed offset (a crash
// between the cold write and the catalog commit). Projection is idempotent,
// so replaying a whole table converges to the state a successful sync would
// have produced. Returns the number of tables replayed.
func (s *Synchronizer) ReplayLag(ctx context.Context) (int, error) {
	replayed := 0
	var offsets []catalog.Offset

	// Nodes first, then edges, then vectors: the same observable order a
	// sync follows.
	for _, phase := range []model.Category{model.CategoryNode, model.CategoryEdge, model.CategoryVector} {
		for _, name := range s.typeNames(phase) {
			desc, err := s.registry.Describe(name)
			if err != nil {
				return replayed, err
			}
			version, err := s.lake.Version(desc.TablePath)
			if err != nil {
				return replayed, err
			}
			if version == 0 {
				continue
			}
			off, err := s.catalog.GetOffset(desc.TablePath)
			if err != nil {
				return replayed, err
			}
			if off != nil && off.Version >= version {
				continue
			}

			rows, err := s.replayTable(ctx, desc)
			if err != nil {
				return replayed, err
			}
			replayed++
			s.logger.Info("replayed cold table into hot engine",
				"table", desc.TablePath, "version", version, "rows", rows)
			offsets = append(offsets, catalog.Offset{TablePath: desc.TablePath, Version: version, RowCount: rows})
		}
	}

	if len(offsets) == 0 {
		return 0, nil
	}
	// Close the gap so the next startup sees no lag.
	now := time.Now().UTC()
	job, err := s.catalog.BeginJob("startup-replay", "", now)
	if err != nil {
		return replayed, err
	}
	job.Status = catalog.JobSuccess
	job.FinishedAt = time.Now().UTC()
	return replayed, s.catalog.CommitSync(catalog.SyncCommit{Offsets: offsets, Job: job})
}

func (s *Synchronizer) typeNames(cat model.Category) []string {
	switch cat {
	case model.CategoryNode:
		return s.registry.NodeTypes()
	case model.CategoryEdge:
		return s.registry.EdgeTypes()
	default:
		return s.registry.VectorTypes()
	}
}

// replayTable re-projects one cold table into the hot engine.
func (s *Synchronizer) replayTable(ctx context.Context, desc *schema.Descriptor) (int64, error) {
	var rows int64
	var projectErr error

	err := s.lake.Scan(ctx, desc.TablePath, nil, nil, func(batch []model.Record) bool {
		cb := coercedBatch{desc: desc}
		for _, rec := range batch {
			reserved, stripped := extractReserved(rec)
			cb.records = append(cb.records, stripped)
			cb.reserved = append(cb.reserved, reserved)
		}
		rows += int64(len(batch))

		cache := map[string]model.ID{}
		switch desc.Category {
		case model.CategoryNode:
			projectErr = s.projectNodes(ctx, cb)
		case model.CategoryEdge:
			projectErr = s.projectEdges(ctx, cb, cache)
		case model.CategoryVector:
			projectErr = s.projectVectors(ctx, cb, cache)
		}
		return projectErr == nil
	})
	if err != nil {
		if errors.Is(err, lake.ErrTableNotFound) {
			return 0, nil
		}
		return rows, err
	}
	return rows, projectErr
}
