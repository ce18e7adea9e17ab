package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/types"
)

const (
	// headerSize is the fixed per-record frame header length in bytes.
	headerSize = 24

	// walMagic validates record frames quickly on decode.
	walMagic = 0x57414C31 // "WAL1"

	walVersion = 1
)

// RecordType discriminates the WAL record variants.
type RecordType uint8

const (
	RecordInsert RecordType = iota + 1
	RecordDelete
	RecordCheckpoint
)

// Record is a single WAL entry. The LSN is assigned at append time.
type Record struct {
	LSN        uint64             `json:"-"`
	Type       RecordType         `json:"type"`
	Collection types.CollectionID `json:"collection"`

	// Insert fields
	PrimaryKey string         `json:"primary_key,omitempty"`
	Vector     []float32      `json:"vector,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`

	// Delete fields
	DocID types.DocID `json:"doc_id,omitempty"`

	// Checkpoint fields: all records with LSN <= the checkpoint's LSN
	// are subsumed by this sealed segment.
	SegmentID types.SegmentID `json:"segment_id,omitempty"`
}

// Insert builds an insert record.
func Insert(collection types.CollectionID, primaryKey string, vector []float32, payload map[string]any) Record {
	return Record{
		Type:       RecordInsert,
		Collection: collection,
		PrimaryKey: primaryKey,
		Vector:     vector,
		Payload:    payload,
	}
}

// Delete builds a delete record.
func Delete(collection types.CollectionID, docID types.DocID) Record {
	return Record{Type: RecordDelete, Collection: collection, DocID: docID}
}

// Checkpoint builds a checkpoint record for a sealed segment.
func Checkpoint(collection types.CollectionID, segmentID types.SegmentID) Record {
	return Record{Type: RecordCheckpoint, Collection: collection, SegmentID: segmentID}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// frameHeader is the 24-byte binary header preceding each record body.
type frameHeader struct {
	Magic      uint32
	Version    uint8
	RecordType uint8
	Reserved   uint16
	LSN        uint64
	PayloadLen uint32
	CRC32      uint32
}

func (h *frameHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.RecordType
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.LSN)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC32)
}

func (h *frameHeader) decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.RecordType = buf[5]
	h.Reserved = binary.LittleEndian.Uint16(buf[6:8])
	h.LSN = binary.LittleEndian.Uint64(buf[8:16])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[16:20])
	h.CRC32 = binary.LittleEndian.Uint32(buf[20:24])
}

// encodeRecord appends the framed record to buf.
func encodeRecord(buf *bytes.Buffer, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.Internal, "wal.encode", err)
	}

	header := frameHeader{
		Magic:      walMagic,
		Version:    walVersion,
		RecordType: uint8(rec.Type),
		LSN:        rec.LSN,
		PayloadLen: uint32(len(payload)),
		CRC32:      crc32.Checksum(payload, crcTable),
	}

	var hbuf [headerSize]byte
	header.encode(hbuf[:])
	buf.Write(hbuf[:])
	buf.Write(payload)
	return nil
}

// decodeObject parses every framed record from a sealed WAL object.
func decodeObject(data []byte) ([]Record, error) {
	var records []Record
	offset := 0

	for offset < len(data) {
		if len(data)-offset < headerSize {
			return nil, errs.E(errs.Corruption, "wal.decode", "truncated record header")
		}

		var header frameHeader
		header.decode(data[offset : offset+headerSize])
		offset += headerSize

		if header.Magic != walMagic {
			return nil, errs.Ef(errs.Corruption, "wal.decode", "bad magic 0x%08x", header.Magic)
		}
		if header.Version != walVersion {
			return nil, errs.Ef(errs.Corruption, "wal.decode", "unsupported version %d", header.Version)
		}
		if len(data)-offset < int(header.PayloadLen) {
			return nil, errs.E(errs.Corruption, "wal.decode", "truncated record payload")
		}

		payload := data[offset : offset+int(header.PayloadLen)]
		offset += int(header.PayloadLen)

		if crc32.Checksum(payload, crcTable) != header.CRC32 {
			return nil, errs.Ef(errs.Corruption, "wal.decode", "checksum mismatch at lsn %d", header.LSN)
		}

		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, errs.Wrap(errs.Corruption, "wal.decode", err)
		}
		rec.LSN = header.LSN
		rec.Type = RecordType(header.RecordType)
		records = append(records, rec)
	}

	return records, nil
}
