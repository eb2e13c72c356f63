// Package eventlog implements the replicated event log that carries
// rebuild-lifecycle records between the rebuilding supervisor's leader
// and every node watching a shard. Records are appended through
// hashicorp/raft so that a leader failover hands off a consistent tail
// to its successor; the wire format itself is a flat, length-prefixed
// sequence of tagged records behind a fixed header, so unknown flag
// bits survive a round-trip through an older reader.
package eventlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/seaweedfs/placement/internal/clusterview"
)

// RecordType tags a rebuild-lifecycle event.
type RecordType uint8

const (
	// ShardNeedsRebuild announces that a shard has failed enough of the
	// supervisor's gates to require rebuilding.
	ShardNeedsRebuild RecordType = iota + 1
	// ShardAbortRebuild cancels a previously announced rebuild, e.g.
	// because the failed node came back before any reader acted on it.
	ShardAbortRebuild
	// ShardIsRebuilt is published by whichever node completed the
	// rebuild, carrying the new epoch.
	ShardIsRebuilt
	// ShardUndrain lifts a drain placed on a node or shard.
	ShardUndrain
	// ShardAckRebuilt is a reader's acknowledgment that it has observed
	// and applied a ShardIsRebuilt record.
	ShardAckRebuilt
)

func (t RecordType) String() string {
	switch t {
	case ShardNeedsRebuild:
		return "SHARD_NEEDS_REBUILD"
	case ShardAbortRebuild:
		return "SHARD_ABORT_REBUILD"
	case ShardIsRebuilt:
		return "SHARD_IS_REBUILT"
	case ShardUndrain:
		return "SHARD_UNDRAIN"
	case ShardAckRebuilt:
		return "SHARD_ACK_REBUILT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Record flag bits. The low byte carries the trigger reason; higher
// bits are modifiers. Unknown bits decode and re-encode unchanged so a
// newer writer's records survive a round-trip through an older reader.
const (
	// FlagTimeRanged marks a mini (time-ranged) rebuilding; such
	// records carry a non-empty Ranges field and are excluded from the
	// supervisor's concurrency-threshold count.
	FlagTimeRanged uint32 = 1 << 8
	// FlagConditional marks a record published through
	// AppendIfConfigMatches, carrying a ConditionalVersion. The FSM does
	// not re-check it on apply.
	FlagConditional uint32 = 1 << 9

	reasonMask uint32 = 0xff
)

// ReasonFromFlags extracts the trigger reason code from a record's
// flag word.
func ReasonFromFlags(flags uint32) uint32 { return flags & reasonMask }

// FlagsWithReason merges a reason code into a flag word.
func FlagsWithReason(flags, reason uint32) uint32 {
	return (flags &^ reasonMask) | (reason & reasonMask)
}

// TimeRange bounds a mini-rebuilding to records within [From, To].
type TimeRange struct {
	From time.Time
	To   time.Time
}

const (
	magic         uint32 = 0x5348454c // "SHEL" (Shard Event Log)
	formatVersion uint16 = 1
	headerSize           = 4 + 2 // magic + version
)

// Record is one tagged event-log entry.
type Record struct {
	Type       RecordType
	Shard      clusterview.ShardID
	LogID      clusterview.LogID
	Epoch      uint64
	Flags      uint32
	SourceNode clusterview.NodeIndex
	// ConditionalVersion is only meaningful when FlagConditional is
	// set: the storage-nodes configuration hash the record's epoch
	// metadata was checked against before the append.
	ConditionalVersion uint64
	// Ranges restricts a rebuild to time intervals; non-empty only on
	// mini-rebuilding records (FlagTimeRanged).
	Ranges  []TimeRange
	Payload []byte
}

// TimeRanged reports whether this record describes a mini (time-ranged)
// rebuilding.
func (r Record) TimeRanged() bool {
	return r.Flags&FlagTimeRanged != 0 && len(r.Ranges) > 0
}

// EncodeHeader writes the fixed log header: magic number and format
// version, so a reader opening an unfamiliar log file fails fast
// instead of misinterpreting record boundaries.
func EncodeHeader() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint16(buf[4:6], formatVersion)
	return buf
}

// DecodeHeader validates a log's fixed header.
func DecodeHeader(b []byte) error {
	if len(b) < headerSize {
		return fmt.Errorf("eventlog: header too short: %d bytes", len(b))
	}
	if got := binary.LittleEndian.Uint32(b[0:4]); got != magic {
		return fmt.Errorf("eventlog: bad magic %#x", got)
	}
	if got := binary.LittleEndian.Uint16(b[4:6]); got != formatVersion {
		return fmt.Errorf("eventlog: unsupported format version %d", got)
	}
	return nil
}

// fixedBodySize is the record body before the variable-length ranges
// and payload sections: type, shard, flags, source node, log id, epoch,
// conditional version, range count, payload length.
const fixedBodySize = 1 + 2 + 2 + 4 + 2 + 8 + 8 + 8 + 2 + 4

// Encode serializes one record, length-prefixed, all fields
// little-endian. Ranges are stored as (from, to) nanosecond pairs.
func Encode(r Record) []byte {
	body := make([]byte, fixedBodySize+16*len(r.Ranges)+len(r.Payload))
	body[0] = byte(r.Type)
	binary.LittleEndian.PutUint16(body[1:3], uint16(r.Shard.NodeIndex))
	binary.LittleEndian.PutUint16(body[3:5], uint16(r.Shard.ShardIndex))
	binary.LittleEndian.PutUint32(body[5:9], r.Flags)
	binary.LittleEndian.PutUint16(body[9:11], uint16(r.SourceNode))
	binary.LittleEndian.PutUint64(body[11:19], uint64(r.LogID))
	binary.LittleEndian.PutUint64(body[19:27], r.Epoch)
	binary.LittleEndian.PutUint64(body[27:35], r.ConditionalVersion)
	binary.LittleEndian.PutUint16(body[35:37], uint16(len(r.Ranges)))
	binary.LittleEndian.PutUint32(body[37:41], uint32(len(r.Payload)))
	off := fixedBodySize
	for _, tr := range r.Ranges {
		binary.LittleEndian.PutUint64(body[off:off+8], uint64(tr.From.UnixNano()))
		binary.LittleEndian.PutUint64(body[off+8:off+16], uint64(tr.To.UnixNano()))
		off += 16
	}
	copy(body[off:], r.Payload)

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// Decode parses one length-prefixed record from the front of b and
// returns the record plus the number of bytes consumed.
func Decode(b []byte) (Record, int, error) {
	if len(b) < 4 {
		return Record{}, 0, fmt.Errorf("eventlog: truncated length prefix")
	}
	length := binary.LittleEndian.Uint32(b[0:4])
	if uint32(len(b)) < 4+length {
		return Record{}, 0, fmt.Errorf("eventlog: truncated record body")
	}
	body := b[4 : 4+length]
	if len(body) < fixedBodySize {
		return Record{}, 0, fmt.Errorf("eventlog: record body too short")
	}
	r := Record{
		Type: RecordType(body[0]),
		Shard: clusterview.ShardID{
			NodeIndex:  clusterview.NodeIndex(binary.LittleEndian.Uint16(body[1:3])),
			ShardIndex: clusterview.ShardIndex(binary.LittleEndian.Uint16(body[3:5])),
		},
		Flags:              binary.LittleEndian.Uint32(body[5:9]),
		SourceNode:         clusterview.NodeIndex(binary.LittleEndian.Uint16(body[9:11])),
		LogID:              clusterview.LogID(binary.LittleEndian.Uint64(body[11:19])),
		Epoch:              binary.LittleEndian.Uint64(body[19:27]),
		ConditionalVersion: binary.LittleEndian.Uint64(body[27:35]),
	}
	numRanges := int(binary.LittleEndian.Uint16(body[35:37]))
	payloadLen := binary.LittleEndian.Uint32(body[37:41])
	if len(body) < fixedBodySize+16*numRanges {
		return Record{}, 0, fmt.Errorf("eventlog: truncated ranges")
	}
	off := fixedBodySize
	for i := 0; i < numRanges; i++ {
		from := int64(binary.LittleEndian.Uint64(body[off : off+8]))
		to := int64(binary.LittleEndian.Uint64(body[off+8 : off+16]))
		r.Ranges = append(r.Ranges, TimeRange{From: time.Unix(0, from), To: time.Unix(0, to)})
		off += 16
	}
	if uint32(len(body)-off) < payloadLen {
		return Record{}, 0, fmt.Errorf("eventlog: truncated payload")
	}
	if payloadLen > 0 {
		r.Payload = append([]byte(nil), body[off:off+int(payloadLen)]...)
	}
	return r, int(4 + length), nil
}

// DecodeAll decodes every record from a buffer that begins with a
// header, for tests and tooling that read a whole log file at once.
func DecodeAll(b []byte) ([]Record, error) {
	if err := DecodeHeader(b); err != nil {
		return nil, err
	}
	rest := b[headerSize:]
	var out []Record
	for len(rest) > 0 {
		r, n, err := Decode(rest)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		rest = rest[n:]
	}
	return out, nil
}

// Append writes a header (if buf is empty) followed by enc(r) to buf.
func Append(buf *bytes.Buffer, r Record) {
	if buf.Len() == 0 {
		buf.Write(EncodeHeader())
	}
	buf.Write(Encode(r))
}
