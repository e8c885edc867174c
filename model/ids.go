package model

import (
	"strings"

	"github.com/google/uuid"
)

// KV is a single primary-key component in declared order.
type KV struct {
	Key   string
	Value string
}

// StableNodeID derives the stable identifier of a node or vector from its
// entity type and primary-key values in declared order. The derivation is a
// name-based UUIDv5 over the OID namespace; the name has the shape
// "Project|url=https://...|name=repo".
func StableNodeID(entityType string, keys []KV) ID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(NodeKeyString(entityType, keys)))
}

// NodeKeyString renders the canonical key string of a node, the same name
// StableNodeID hashes: "Project|url=https://...|name=repo". Fetchers use it
// to reference endpoints in edge records and vector sources.
func NodeKeyString(entityType string, keys []KV) string {
	var sb strings.Builder
	sb.WriteString(entityType)
	for _, kv := range keys {
		sb.WriteByte('|')
		sb.WriteString(kv.Key)
		sb.WriteByte('=')
		sb.WriteString(kv.Value)
	}
	return sb.String()
}

// StableIDFromKey derives the stable identifier directly from a canonical
// key string produced by NodeKeyString.
func StableIDFromKey(key string) ID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key))
}

// TypeFromKey extracts the entity type prefix of a canonical key string.
func TypeFromKey(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return key
}

// StableEdgeID derives the stable identifier of an edge from its label and
// endpoint identifiers.
func StableEdgeID(label string, from, to ID) ID {
	name := label + "|" + from.String() + "|" + to.String()
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}
