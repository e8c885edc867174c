package engine

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/xiaoniaoyouhuajiang/fstorage/model"
)

// Key layout. Stable ids are raw 16-byte UUIDs, so lexicographic key order
// is stable-id order. Adjacency keys sort by (label, neighbor id), which is
// exactly the neighbor enumeration order the traversal operators promise.
//
//	n\x00<id>                        node record
//	t\x00<type>\x00<id>              type membership
//	e\x00<label>\x00<src><dst>       edge record
//	o\x00<src><label>\x00<dst>       out adjacency
//	i\x00<dst><label>\x00<src>       in adjacency
//	v\x00<type>\x00<id>              vector record
//	x\x00<type>\x00<id>\x00<field>   indexed text
const (
	prefixNode   = "n\x00"
	prefixType   = "t\x00"
	prefixEdge   = "e\x00"
	prefixOut    = "o\x00"
	prefixIn     = "i\x00"
	prefixVector = "v\x00"
	prefixText   = "x\x00"
)

const idLen = 16

func nodeKey(id model.ID) []byte {
	return append([]byte(prefixNode), id[:]...)
}

func typeKey(ntype string, id model.ID) []byte {
	k := append([]byte(prefixType), ntype...)
	k = append(k, 0)
	return append(k, id[:]...)
}

func typePrefix(ntype string) []byte {
	k := append([]byte(prefixType), ntype...)
	return append(k, 0)
}

func edgeKey(label string, src, dst model.ID) []byte {
	k := append([]byte(prefixEdge), label...)
	k = append(k, 0)
	k = append(k, src[:]...)
	return append(k, dst[:]...)
}

func edgePrefix(label string) []byte {
	k := append([]byte(prefixEdge), label...)
	return append(k, 0)
}

func adjKey(prefix string, anchor model.ID, label string, other model.ID) []byte {
	k := append([]byte(prefix), anchor[:]...)
	k = append(k, label...)
	k = append(k, 0)
	return append(k, other[:]...)
}

func adjPrefix(prefix string, anchor model.ID) []byte {
	return append([]byte(prefix), anchor[:]...)
}

// parseAdjKey splits an adjacency key back into (label, other id).
func parseAdjKey(key []byte, prefix string) (string, model.ID, error) {
	rest := key[len(prefix)+idLen:]
	sep := bytes.IndexByte(rest, 0)
	if sep < 0 || len(rest)-sep-1 != idLen {
		return "", model.NilID, fmt.Errorf("engine: malformed adjacency key %q", key)
	}
	var id uuid.UUID
	copy(id[:], rest[sep+1:])
	return string(rest[:sep]), id, nil
}

func vectorKey(vtype string, id model.ID) []byte {
	k := append([]byte(prefixVector), vtype...)
	k = append(k, 0)
	return append(k, id[:]...)
}

func parseVectorKey(key []byte) (string, model.ID, error) {
	rest := key[len(prefixVector):]
	sep := bytes.IndexByte(rest, 0)
	if sep < 0 || len(rest)-sep-1 != idLen {
		return "", model.NilID, fmt.Errorf("engine: malformed vector key %q", key)
	}
	var id uuid.UUID
	copy(id[:], rest[sep+1:])
	return string(rest[:sep]), id, nil
}

func textKey(ntype string, id model.ID, field string) []byte {
	k := append([]byte(prefixText), ntype...)
	k = append(k, 0)
	k = append(k, id[:]...)
	k = append(k, 0)
	return append(k, field...)
}

func parseTextKey(key []byte) (string, model.ID, string, error) {
	rest := key[len(prefixText):]
	sep := bytes.IndexByte(rest, 0)
	if sep < 0 || len(rest) < sep+1+idLen+1 {
		return "", model.NilID, "", fmt.Errorf("engine: malformed text key %q", key)
	}
	ntype := string(rest[:sep])
	var id uuid.UUID
	copy(id[:], rest[sep+1:sep+1+idLen])
	field := string(rest[sep+1+idLen+1:])
	return ntype, id, field, nil
}

func idFromSuffix(key []byte) model.ID {
	var id uuid.UUID
	copy(id[:], key[len(key)-idLen:])
	return id
}
