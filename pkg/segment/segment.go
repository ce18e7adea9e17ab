package segment

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/types"
)

const (
	// fileMagic opens every segment object.
	fileMagic uint32 = 0x53545347 // "STSG"

	// trailerMagic closes every segment object.
	trailerMagic uint32 = 0x53545354 // "STST"

	formatVersion = 1

	headerSize = 16

	// DefaultRowGroupSize is the number of records per row group.
	DefaultRowGroupSize = 10_000
)

// Options tunes the encoder.
type Options struct {
	Compression  Compression
	RowGroupSize int
}

// DefaultOptions returns the encoder defaults: Snappy compression and
// row groups of 10 000 records.
func DefaultOptions() Options {
	return Options{Compression: CompressionSnappy, RowGroupSize: DefaultRowGroupSize}
}

// rowGroupRef is one trailer entry describing a compressed row group.
type rowGroupRef struct {
	offset          uint64
	length          uint64
	uncompressedLen uint64
	checksum        uint64
	recordCount     uint32
}

// Encoder produces columnar segment objects from document batches.
type Encoder struct {
	opts Options
}

// NewEncoder creates an encoder with the given options. Zero-value
// options fall back to the defaults.
func NewEncoder(opts Options) *Encoder {
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = DefaultRowGroupSize
	}
	return &Encoder{opts: opts}
}

// Encode serializes a batch of documents with a fixed dimension into a
// single segment object. The batch must be non-empty and every vector
// must match dim; rows decode in the order they are written here.
func (e *Encoder) Encode(docs []types.VectorDocument, dim int) ([]byte, error) {
	if len(docs) == 0 {
		return nil, errs.E(errs.Validation, "segment.encode", "cannot encode empty batch")
	}
	for _, doc := range docs {
		if len(doc.Vector) != dim {
			return nil, errs.Ef(errs.DimensionMismatch, "segment.encode",
				"doc %d has dimension %d, expected %d", doc.DocID, len(doc.Vector), dim)
		}
	}

	var out bytes.Buffer

	// File header: magic, version, flags, compression, dimension,
	// row-group size.
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], fileMagic)
	header[4] = formatVersion
	header[5] = 0 // flags
	header[6] = uint8(e.opts.Compression)
	header[7] = 0 // reserved
	binary.LittleEndian.PutUint32(header[8:12], uint32(dim))
	binary.LittleEndian.PutUint32(header[12:16], uint32(e.opts.RowGroupSize))
	out.Write(header[:])

	var refs []rowGroupRef
	for start := 0; start < len(docs); start += e.opts.RowGroupSize {
		end := start + e.opts.RowGroupSize
		if end > len(docs) {
			end = len(docs)
		}
		group := docs[start:end]

		raw, err := encodeRowGroup(group)
		if err != nil {
			return nil, err
		}
		compressed, err := compress(e.opts.Compression, raw)
		if err != nil {
			return nil, err
		}

		refs = append(refs, rowGroupRef{
			offset:          uint64(out.Len()),
			length:          uint64(len(compressed)),
			uncompressedLen: uint64(len(raw)),
			checksum:        xxhash.Sum64(compressed),
			recordCount:     uint32(len(group)),
		})
		out.Write(compressed)
	}

	// Trailer: row-group refs, total record count, then its own length
	// and magic so the decoder can locate it from the object tail.
	trailerStart := out.Len()
	var tbuf [8]byte
	binary.LittleEndian.PutUint32(tbuf[0:4], uint32(len(refs)))
	out.Write(tbuf[0:4])
	for _, ref := range refs {
		binary.LittleEndian.PutUint64(tbuf[:], ref.offset)
		out.Write(tbuf[:])
		binary.LittleEndian.PutUint64(tbuf[:], ref.length)
		out.Write(tbuf[:])
		binary.LittleEndian.PutUint64(tbuf[:], ref.uncompressedLen)
		out.Write(tbuf[:])
		binary.LittleEndian.PutUint64(tbuf[:], ref.checksum)
		out.Write(tbuf[:])
		binary.LittleEndian.PutUint32(tbuf[0:4], ref.recordCount)
		out.Write(tbuf[0:4])
	}
	binary.LittleEndian.PutUint64(tbuf[:], uint64(len(docs)))
	out.Write(tbuf[:])

	binary.LittleEndian.PutUint32(tbuf[0:4], uint32(out.Len()-trailerStart))
	out.Write(tbuf[0:4])
	binary.LittleEndian.PutUint32(tbuf[0:4], trailerMagic)
	out.Write(tbuf[0:4])

	return out.Bytes(), nil
}

// encodeRowGroup lays out one row group column by column:
// doc-id column, inserted-at column, fixed-size f32 vector column, then
// offset-indexed external-id and payload JSON columns.
func encodeRowGroup(docs []types.VectorDocument) ([]byte, error) {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.LittleEndian.PutUint32(scratch[0:4], uint32(len(docs)))
	buf.Write(scratch[0:4])

	for _, doc := range docs {
		binary.LittleEndian.PutUint32(scratch[0:4], doc.DocID)
		buf.Write(scratch[0:4])
	}

	for _, doc := range docs {
		binary.LittleEndian.PutUint64(scratch[:], uint64(doc.InsertedAt.UnixMilli()))
		buf.Write(scratch[:])
	}

	for _, doc := range docs {
		for _, v := range doc.Vector {
			binary.LittleEndian.PutUint32(scratch[0:4], math.Float32bits(v))
			buf.Write(scratch[0:4])
		}
	}

	if err := encodeStringColumn(&buf, docs, func(d types.VectorDocument) ([]byte, error) {
		return []byte(d.ExternalID), nil
	}); err != nil {
		return nil, err
	}

	if err := encodeStringColumn(&buf, docs, func(d types.VectorDocument) ([]byte, error) {
		if d.Metadata == nil {
			return nil, nil
		}
		return json.Marshal(d.Metadata)
	}); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeStringColumn(buf *bytes.Buffer, docs []types.VectorDocument, get func(types.VectorDocument) ([]byte, error)) error {
	values := make([][]byte, len(docs))
	for i, doc := range docs {
		v, err := get(doc)
		if err != nil {
			return errs.Wrap(errs.Internal, "segment.encode", err)
		}
		values[i] = v
	}

	var scratch [4]byte
	offset := uint32(0)
	for _, v := range values {
		binary.LittleEndian.PutUint32(scratch[:], offset)
		buf.Write(scratch[:])
		offset += uint32(len(v))
	}
	binary.LittleEndian.PutUint32(scratch[:], offset)
	buf.Write(scratch[:])
	for _, v := range values {
		buf.Write(v)
	}
	return nil
}

// Meta summarizes a segment object without decoding its rows.
type Meta struct {
	Dimension    int
	Compression  Compression
	RowGroupSize int
	RecordCount  uint64
	RowGroups    int
}

// parsed holds the validated framing of a segment object.
type parsed struct {
	meta Meta
	refs []rowGroupRef
	data []byte
}

func parse(data []byte) (*parsed, error) {
	if len(data) < headerSize+8 {
		return nil, errs.E(errs.Corruption, "segment.decode", "object too small")
	}
	if binary.LittleEndian.Uint32(data[0:4]) != fileMagic {
		return nil, errs.E(errs.Corruption, "segment.decode", "bad file magic")
	}
	if data[4] != formatVersion {
		return nil, errs.Ef(errs.Corruption, "segment.decode", "unsupported version %d", data[4])
	}

	if binary.LittleEndian.Uint32(data[len(data)-4:]) != trailerMagic {
		return nil, errs.E(errs.Corruption, "segment.decode", "bad trailer magic")
	}
	trailerLen := int(binary.LittleEndian.Uint32(data[len(data)-8 : len(data)-4]))
	trailerStart := len(data) - 8 - trailerLen
	if trailerStart < headerSize {
		return nil, errs.E(errs.Corruption, "segment.decode", "trailer length out of range")
	}
	trailer := data[trailerStart : len(data)-8]

	groupCount := int(binary.LittleEndian.Uint32(trailer[0:4]))
	const refSize = 8*4 + 4
	if len(trailer) != 4+groupCount*refSize+8 {
		return nil, errs.E(errs.Corruption, "segment.decode", "trailer size mismatch")
	}

	refs := make([]rowGroupRef, groupCount)
	pos := 4
	for i := range refs {
		refs[i].offset = binary.LittleEndian.Uint64(trailer[pos : pos+8])
		refs[i].length = binary.LittleEndian.Uint64(trailer[pos+8 : pos+16])
		refs[i].uncompressedLen = binary.LittleEndian.Uint64(trailer[pos+16 : pos+24])
		refs[i].checksum = binary.LittleEndian.Uint64(trailer[pos+24 : pos+32])
		refs[i].recordCount = binary.LittleEndian.Uint32(trailer[pos+32 : pos+36])
		pos += refSize

		end := refs[i].offset + refs[i].length
		if end > uint64(trailerStart) {
			return nil, errs.E(errs.Corruption, "segment.decode", "row group extends past trailer")
		}
	}

	return &parsed{
		meta: Meta{
			Dimension:    int(binary.LittleEndian.Uint32(data[8:12])),
			Compression:  Compression(data[6]),
			RowGroupSize: int(binary.LittleEndian.Uint32(data[12:16])),
			RecordCount:  binary.LittleEndian.Uint64(trailer[len(trailer)-8:]),
			RowGroups:    groupCount,
		},
		refs: refs,
		data: data,
	}, nil
}

// ReadMeta parses only the header and trailer of a segment object.
func ReadMeta(data []byte) (Meta, error) {
	p, err := parse(data)
	if err != nil {
		return Meta{}, err
	}
	return p.meta, nil
}

// Decode verifies every row group checksum and returns the documents in
// the order they were encoded. Checksum or framing failures surface as
// Corruption, distinct from NotFound.
func Decode(data []byte) ([]types.VectorDocument, error) {
	p, err := parse(data)
	if err != nil {
		return nil, err
	}

	docs := make([]types.VectorDocument, 0, p.meta.RecordCount)
	for i, ref := range p.refs {
		blob := p.data[ref.offset : ref.offset+ref.length]
		if xxhash.Sum64(blob) != ref.checksum {
			return nil, errs.Ef(errs.Corruption, "segment.decode", "row group %d checksum mismatch", i)
		}
		raw, err := decompress(p.meta.Compression, blob, int(ref.uncompressedLen))
		if err != nil {
			return nil, err
		}
		group, err := decodeRowGroup(raw, p.meta.Dimension, int(ref.recordCount))
		if err != nil {
			return nil, err
		}
		docs = append(docs, group...)
	}

	if uint64(len(docs)) != p.meta.RecordCount {
		return nil, errs.Ef(errs.Corruption, "segment.decode",
			"record count mismatch: trailer %d, decoded %d", p.meta.RecordCount, len(docs))
	}
	return docs, nil
}

func decodeRowGroup(raw []byte, dim, expected int) ([]types.VectorDocument, error) {
	if len(raw) < 4 {
		return nil, errs.E(errs.Corruption, "segment.decode", "row group too small")
	}
	n := int(binary.LittleEndian.Uint32(raw[0:4]))
	if n != expected {
		return nil, errs.Ef(errs.Corruption, "segment.decode",
			"row group count mismatch: header %d, trailer %d", n, expected)
	}

	need := 4 + n*4 + n*8 + n*dim*4
	if len(raw) < need {
		return nil, errs.E(errs.Corruption, "segment.decode", "row group truncated")
	}

	docs := make([]types.VectorDocument, n)
	pos := 4

	for i := 0; i < n; i++ {
		docs[i].DocID = binary.LittleEndian.Uint32(raw[pos : pos+4])
		pos += 4
	}
	for i := 0; i < n; i++ {
		millis := int64(binary.LittleEndian.Uint64(raw[pos : pos+8]))
		docs[i].InsertedAt = time.UnixMilli(millis).UTC()
		pos += 8
	}
	for i := 0; i < n; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[pos : pos+4]))
			pos += 4
		}
		docs[i].Vector = vec
	}

	externals, pos, err := decodeStringColumn(raw, pos, n)
	if err != nil {
		return nil, err
	}
	payloads, _, err := decodeStringColumn(raw, pos, n)
	if err != nil {
		return nil, err
	}

	for i := 0; i < n; i++ {
		docs[i].ExternalID = string(externals[i])
		if len(payloads[i]) > 0 {
			var md map[string]any
			if err := json.Unmarshal(payloads[i], &md); err != nil {
				return nil, errs.Wrap(errs.Corruption, "segment.decode", err)
			}
			docs[i].Metadata = md
		}
	}
	return docs, nil
}

func decodeStringColumn(raw []byte, pos, n int) ([][]byte, int, error) {
	if len(raw) < pos+(n+1)*4 {
		return nil, 0, errs.E(errs.Corruption, "segment.decode", "string column truncated")
	}
	offsets := make([]uint32, n+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(raw[pos : pos+4])
		pos += 4
	}
	total := int(offsets[n])
	if len(raw) < pos+total {
		return nil, 0, errs.E(errs.Corruption, "segment.decode", "string column data truncated")
	}
	values := make([][]byte, n)
	base := pos
	for i := 0; i < n; i++ {
		start, end := int(offsets[i]), int(offsets[i+1])
		if start > end || end > total {
			return nil, 0, errs.E(errs.Corruption, "segment.decode", "string column offsets out of order")
		}
		values[i] = raw[base+start : base+end]
	}
	return values, base + total, nil
}
