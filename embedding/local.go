package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"os"

	"github.com/xiaoniaoyouhuajiang/fstorage/lexical/bm25"
)

// Local is a self-contained projection backend: a hashed bag-of-words model
// whose random projection matrix ships as a binary asset. Tokens hash into
// buckets; a text embeds as the L2-normalized sum of its bucket rows. The
// quality is far below a learned model but the behavior is deterministic and
// needs no network.
type Local struct {
	dimension int
	buckets   int
	rows      [][]float32
}

const localMagic = "fsle"

// LoadLocal loads the projection asset. The format is:
//
//	magic "fsle" | dimension uint32 | buckets uint32 | buckets*dimension float32
func LoadLocal(path string) (*Local, error) {
	if path == "" {
		return nil, fmt.Errorf("embedding: no local asset configured")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("embedding: opening local asset: %w", err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.Read(magic[:]); err != nil || string(magic[:]) != localMagic {
		return nil, fmt.Errorf("embedding: %s is not a projection asset", path)
	}
	var header struct {
		Dimension uint32
		Buckets   uint32
	}
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("embedding: reading asset header: %w", err)
	}
	if header.Dimension == 0 || header.Buckets == 0 {
		return nil, fmt.Errorf("embedding: invalid asset header")
	}

	rows := make([][]float32, header.Buckets)
	for i := range rows {
		row := make([]float32, header.Dimension)
		if err := binary.Read(f, binary.LittleEndian, row); err != nil {
			return nil, fmt.Errorf("embedding: reading projection row %d: %w", i, err)
		}
		rows[i] = row
	}
	return &Local{dimension: int(header.Dimension), buckets: int(header.Buckets), rows: rows}, nil
}

// Dimension returns the asset's output width.
func (l *Local) Dimension() int { return l.dimension }

// Embed projects each text through the hashed bag-of-words matrix.
func (l *Local) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, l.dimension)
		for _, token := range bm25.Tokenize(text) {
			h := fnv.New32a()
			h.Write([]byte(token))
			row := l.rows[int(h.Sum32())%l.buckets]
			for j := range vec {
				vec[j] += row[j]
			}
		}
		normalizeInPlace(vec)
		out[i] = vec
	}
	return out, nil
}

func normalizeInPlace(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
}

// WriteLocalAsset writes a projection asset usable by LoadLocal. Intended
// for tests and tooling that need a small deterministic model.
func WriteLocalAsset(path string, dimension, buckets int, rows [][]float32) error {
	if len(rows) != buckets {
		return fmt.Errorf("embedding: expected %d rows, got %d", buckets, len(rows))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(localMagic); err != nil {
		return err
	}
	header := struct {
		Dimension uint32
		Buckets   uint32
	}{uint32(dimension), uint32(buckets)}
	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		return err
	}
	for i, row := range rows {
		if len(row) != dimension {
			return fmt.Errorf("embedding: row %d has width %d, expected %d", i, len(row), dimension)
		}
		if err := binary.Write(f, binary.LittleEndian, row); err != nil {
			return err
		}
	}
	return f.Sync()
}
