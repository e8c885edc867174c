package engine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType selects the snapshot codec.
type CompressionType uint8

const (
	// CompressionNone stores the snapshot uncompressed.
	CompressionNone CompressionType = 0
	// CompressionLZ4 favors speed.
	CompressionLZ4 CompressionType = 1
	// CompressionZSTD favors ratio.
	CompressionZSTD CompressionType = 2
)

var snapshotMagic = [4]byte{'f', 's', 'h', 's'}

// SaveSnapshot streams the full engine key space to w as a compressed
// snapshot. Snapshots are a faster cold-open path than replaying the cold
// store and double as portable backups.
func (e *Engine) SaveSnapshot(w io.Writer) error {
	comp := e.opts.SnapshotCompression

	header := make([]byte, 5)
	copy(header, snapshotMagic[:])
	header[4] = byte(comp)
	if _, err := w.Write(header); err != nil {
		return err
	}

	var (
		body io.Writer
		done func() error
	)
	switch comp {
	case CompressionNone:
		body = w
		done = func() error { return nil }
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		body = lw
		done = lw.Close
	case CompressionZSTD:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		body = zw
		done = zw.Close
	default:
		return fmt.Errorf("engine: unknown snapshot compression %d", comp)
	}

	bw := bufio.NewWriter(body)
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true})
		defer it.Close()
		var lenBuf [4]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(key)))
			if _, err := bw.Write(lenBuf[:]); err != nil {
				return err
			}
			if _, err := bw.Write(key); err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(val)))
			if _, err := bw.Write(lenBuf[:]); err != nil {
				return err
			}
			if _, err := bw.Write(val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return done()
}

// LoadSnapshot restores a snapshot written by SaveSnapshot into the engine
// and rebuilds the in-memory indexes. Existing keys are overwritten;
// loading into a non-empty engine merges.
func (e *Engine) LoadSnapshot(r io.Reader) error {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("engine: reading snapshot header: %w", err)
	}
	if [4]byte(header[:4]) != snapshotMagic {
		return fmt.Errorf("engine: not a snapshot file")
	}

	var body io.Reader
	switch CompressionType(header[4]) {
	case CompressionNone:
		body = r
	case CompressionLZ4:
		body = lz4.NewReader(r)
	case CompressionZSTD:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return err
		}
		defer zr.Close()
		body = zr
	default:
		return fmt.Errorf("engine: unknown snapshot compression %d", header[4])
	}

	br := bufio.NewReader(body)
	wb := e.db.NewWriteBatch()
	defer wb.Cancel()

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(br, lenBuf[:]); err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		key := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(br, key); err != nil {
			return err
		}
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return err
		}
		val := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(br, val); err != nil {
			return err
		}
		if err := wb.Set(key, val); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	return e.rebuild()
}
