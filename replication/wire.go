// Package replication implements the leader/follower/anti-entropy contract
// of SPEC_FULL.md §4.7: a leader's CollectionEngine broadcasts
// collection.ReplicationLog messages; followers subscribe, apply them with
// leader-assigned ids, and periodically reconcile via digest comparison.
package replication

import (
	"fmt"

	"github.com/linkedin/goavro/v2"

	"github.com/hyperspacedb/hyperspace/collection"
)

// replicationLogSchema is the fixed Avro schema for the wire encoding of
// collection.ReplicationLog, per SPEC_FULL.md §4.7. goavro needs no code
// generation step, so the codec lives entirely here rather than behind a
// .proto build step.
const replicationLogSchema = `
{
  "type": "record",
  "name": "ReplicationLog",
  "fields": [
    {"name": "op", "type": "int"},
    {"name": "internal_id", "type": "long"},
    {"name": "vector", "type": {"type": "array", "items": "double"}},
    {"name": "metadata", "type": {"type": "map", "values": "string"}},
    {"name": "collection", "type": "string"},
    {"name": "logical_clock", "type": "long"},
    {"name": "origin", "type": "string"}
  ]
}`

// Codec encodes/decodes collection.ReplicationLog to/against the fixed Avro
// schema above.
type Codec struct {
	avro *goavro.Codec
}

// NewCodec compiles the fixed ReplicationLog Avro schema.
func NewCodec() (*Codec, error) {
	c, err := goavro.NewCodec(replicationLogSchema)
	if err != nil {
		return nil, fmt.Errorf("replication: compile avro schema: %w", err)
	}
	return &Codec{avro: c}, nil
}

// Encode serializes log to Avro binary.
func (c *Codec) Encode(log collection.ReplicationLog) ([]byte, error) {
	vec := make([]interface{}, len(log.Vector))
	for i, v := range log.Vector {
		vec[i] = v
	}
	meta := make(map[string]interface{}, len(log.Metadata))
	for k, v := range log.Metadata {
		meta[k] = v
	}
	native := map[string]interface{}{
		"op":            int32(log.Op),
		"internal_id":   int64(log.InternalID),
		"vector":        vec,
		"metadata":      meta,
		"collection":    log.Collection,
		"logical_clock": int64(log.LogicalClock),
		"origin":        log.Origin,
	}
	buf, err := c.avro.BinaryFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("replication: encode: %w", err)
	}
	return buf, nil
}

// Decode deserializes Avro binary back into a collection.ReplicationLog.
func (c *Codec) Decode(buf []byte) (collection.ReplicationLog, error) {
	native, _, err := c.avro.NativeFromBinary(buf)
	if err != nil {
		return collection.ReplicationLog{}, fmt.Errorf("replication: decode: %w", err)
	}
	m, ok := native.(map[string]interface{})
	if !ok {
		return collection.ReplicationLog{}, fmt.Errorf("replication: decode: unexpected native type %T", native)
	}

	rawVec, _ := m["vector"].([]interface{})
	vector := make([]float64, len(rawVec))
	for i, v := range rawVec {
		vector[i], _ = v.(float64)
	}

	rawMeta, _ := m["metadata"].(map[string]interface{})
	var metadata map[string]string
	if len(rawMeta) > 0 {
		metadata = make(map[string]string, len(rawMeta))
		for k, v := range rawMeta {
			s, _ := v.(string)
			metadata[k] = s
		}
	}

	return collection.ReplicationLog{
		Op:           collection.LogOp(m["op"].(int32)),
		InternalID:   uint32(m["internal_id"].(int64)),
		Vector:       vector,
		Metadata:     metadata,
		Collection:   m["collection"].(string),
		LogicalClock: uint64(m["logical_clock"].(int64)),
		Origin:       m["origin"].(string),
	}, nil
}
