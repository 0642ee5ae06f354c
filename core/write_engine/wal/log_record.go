package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/sushant-115/versiondb/core/algebra"
)

// --- Write-Ahead Logging (WAL) Constants and Types ---

type LSN uint64 // Log Sequence Number

const InvalidLSN LSN = 0

// LogRecordType defines the kind of commit-log entry.
type LogRecordType byte

const (
	LogRecordTypeIntent   LogRecordType = iota + 1 // Commit intent, written and synced before any catalog update
	LogRecordTypeComplete                          // Intent fully applied to the catalog
	LogRecordTypeDiscard                           // Intent rolled back, never visible
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeIntent:
		return "INTENT"
	case LogRecordTypeComplete:
		return "COMPLETE"
	case LogRecordTypeDiscard:
		return "DISCARD"
	}
	return fmt.Sprintf("LogRecordType(%d)", byte(t))
}

// Target is one table advance carried by an intent.
type Target struct {
	Table      string
	Branch     string // empty for the default line of history
	Version    uint64
	ChunkRefs  []string
	SchemaHash string
	// ColumnTypes are the operators the commit registers for Table, so a
	// roll-forward can register them too.
	ColumnTypes map[string]algebra.OpType
}

// LogRecord represents a single entry in the commit log.
type LogRecord struct {
	LSN       LSN
	TxnID     uuid.UUID
	Type      LogRecordType
	Timestamp int64 // unix nanos
	Targets   []Target
}

var (
	ErrCorruptRecord = errors.New("wal: corrupt log record")
	errTornRecord    = errors.New("wal: torn log record")
)

// frameHeaderSize is payload length (u32) followed by the payload CRC32 (u32).
const frameHeaderSize = 8

// maxPayloadSize bounds a single record so a garbage length prefix cannot
// trigger a huge allocation.
const maxPayloadSize = 64 << 20

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// --- LogRecord Serialization/Deserialization ---

// Serialize converts a LogRecord into a framed byte slice.
// This format must be stable for recovery.
func (lr *LogRecord) Serialize() ([]byte, error) {
	payload := new(bytes.Buffer)

	if err := binary.Write(payload, binary.LittleEndian, uint64(lr.LSN)); err != nil {
		return nil, fmt.Errorf("failed to serialize LSN: %w", err)
	}
	payload.Write(lr.TxnID[:])
	payload.WriteByte(byte(lr.Type))
	if err := binary.Write(payload, binary.LittleEndian, lr.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to serialize Timestamp: %w", err)
	}
	if len(lr.Targets) > 0xFFFF {
		return nil, fmt.Errorf("too many targets in log record: %d", len(lr.Targets))
	}
	_ = binary.Write(payload, binary.LittleEndian, uint16(len(lr.Targets)))
	for _, tgt := range lr.Targets {
		if err := writeString(payload, tgt.Table); err != nil {
			return nil, fmt.Errorf("failed to serialize target table: %w", err)
		}
		if err := writeString(payload, tgt.Branch); err != nil {
			return nil, fmt.Errorf("failed to serialize target branch: %w", err)
		}
		_ = binary.Write(payload, binary.LittleEndian, tgt.Version)
		if len(tgt.ChunkRefs) > 0xFFFF {
			return nil, fmt.Errorf("too many chunk refs for table %s: %d", tgt.Table, len(tgt.ChunkRefs))
		}
		_ = binary.Write(payload, binary.LittleEndian, uint16(len(tgt.ChunkRefs)))
		for _, ref := range tgt.ChunkRefs {
			if err := writeString(payload, ref); err != nil {
				return nil, fmt.Errorf("failed to serialize chunk ref: %w", err)
			}
		}
		if err := writeString(payload, tgt.SchemaHash); err != nil {
			return nil, fmt.Errorf("failed to serialize schema hash: %w", err)
		}
		if err := writeColumnTypes(payload, tgt.ColumnTypes); err != nil {
			return nil, fmt.Errorf("failed to serialize column types for table %s: %w", tgt.Table, err)
		}
	}

	body := payload.Bytes()
	frame := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(body, crcTable))
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

// DecodeLogRecord parses one framed record, verifying its checksum.
func DecodeLogRecord(frame []byte) (*LogRecord, error) {
	lr, _, err := readFrame(bytes.NewReader(frame))
	return lr, err
}

// readFrame reads a single record. A frame cut short by EOF returns
// errTornRecord; a clean EOF before any byte returns io.EOF.
func readFrame(r io.Reader) (*LogRecord, int, error) {
	var header [frameHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, n, errTornRecord
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if size > maxPayloadSize {
		return nil, n, fmt.Errorf("%w: payload length %d", ErrCorruptRecord, size)
	}
	body := make([]byte, size)
	m, err := io.ReadFull(r, body)
	if err != nil {
		return nil, n + m, errTornRecord
	}
	if crc32.Checksum(body, crcTable) != sum {
		return nil, n + m, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	lr := &LogRecord{}
	if err := lr.deserialize(body); err != nil {
		return nil, n + m, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return lr, n + m, nil
}

func (lr *LogRecord) deserialize(data []byte) error {
	buf := bytes.NewReader(data)

	var lsn uint64
	if err := binary.Read(buf, binary.LittleEndian, &lsn); err != nil {
		return fmt.Errorf("failed to deserialize LSN: %w", err)
	}
	lr.LSN = LSN(lsn)
	if _, err := io.ReadFull(buf, lr.TxnID[:]); err != nil {
		return fmt.Errorf("failed to deserialize TxnID: %w", err)
	}
	typ, err := buf.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to deserialize Type: %w", err)
	}
	lr.Type = LogRecordType(typ)
	if err := binary.Read(buf, binary.LittleEndian, &lr.Timestamp); err != nil {
		return fmt.Errorf("failed to deserialize Timestamp: %w", err)
	}
	var count uint16
	if err := binary.Read(buf, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("failed to deserialize target count: %w", err)
	}
	lr.Targets = make([]Target, 0, count)
	for i := 0; i < int(count); i++ {
		var tgt Target
		if tgt.Table, err = readString(buf); err != nil {
			return fmt.Errorf("failed to deserialize target table: %w", err)
		}
		if tgt.Branch, err = readString(buf); err != nil {
			return fmt.Errorf("failed to deserialize target branch: %w", err)
		}
		if err := binary.Read(buf, binary.LittleEndian, &tgt.Version); err != nil {
			return fmt.Errorf("failed to deserialize target version: %w", err)
		}
		var refs uint16
		if err := binary.Read(buf, binary.LittleEndian, &refs); err != nil {
			return fmt.Errorf("failed to deserialize chunk ref count: %w", err)
		}
		for j := 0; j < int(refs); j++ {
			ref, err := readString(buf)
			if err != nil {
				return fmt.Errorf("failed to deserialize chunk ref: %w", err)
			}
			tgt.ChunkRefs = append(tgt.ChunkRefs, ref)
		}
		if tgt.SchemaHash, err = readString(buf); err != nil {
			return fmt.Errorf("failed to deserialize schema hash: %w", err)
		}
		if tgt.ColumnTypes, err = readColumnTypes(buf); err != nil {
			return fmt.Errorf("failed to deserialize column types: %w", err)
		}
		lr.Targets = append(lr.Targets, tgt)
	}
	if buf.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after record", buf.Len())
	}
	return nil
}

// writeColumnTypes encodes a count followed by (column, operator name) pairs
// in column order, so equal maps serialize identically.
func writeColumnTypes(buf *bytes.Buffer, types map[string]algebra.OpType) error {
	if len(types) > 0xFFFF {
		return fmt.Errorf("too many columns: %d", len(types))
	}
	columns := make([]string, 0, len(types))
	for c := range types {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(columns)))
	for _, c := range columns {
		if err := writeString(buf, c); err != nil {
			return err
		}
		if err := writeString(buf, types[c].String()); err != nil {
			return err
		}
	}
	return nil
}

func readColumnTypes(buf *bytes.Reader) (map[string]algebra.OpType, error) {
	var n uint16
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	types := make(map[string]algebra.OpType, n)
	for i := 0; i < int(n); i++ {
		column, err := readString(buf)
		if err != nil {
			return nil, err
		}
		name, err := readString(buf)
		if err != nil {
			return nil, err
		}
		op, err := algebra.ParseOpType(name)
		if err != nil {
			return nil, err
		}
		types[column] = op
	}
	return types, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string of %d bytes exceeds uint16 length prefix", len(s))
	}
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func readString(buf *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return "", err
	}
	return string(b), nil
}
