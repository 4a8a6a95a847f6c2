package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/BenWiederhake/tinyvm/pkg/vm"
)

// Program blobs are the zstd-compressed on-disk segment encoding. An
// instruction segment is 128 KiB of mostly zeros, so compression routinely
// shrinks it by two orders of magnitude.
//
// Run record format (big-endian):
// - program:  32 bytes
// - outcome:  2 bytes
// - fault:    2 bytes
// - steps:    8 bytes
// - time:     8 bytes (unix seconds)
// - codes_n:  2 bytes
// - codes:    2*codes_n bytes

const runRecordMinSize = 32 + 2 + 2 + 8 + 8 + 2

var (
	// ErrInvalidRecord is returned when a stored record is malformed.
	ErrInvalidRecord = errors.New("invalid run record")

	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// SerializeProgram encodes and compresses an instruction segment.
func SerializeProgram(seg *vm.Segment) []byte {
	return zstdEncoder.EncodeAll(seg.Bytes(), nil)
}

// DeserializeProgram decompresses and decodes an instruction segment.
func DeserializeProgram(blob []byte) (*vm.Segment, error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing program: %w", err)
	}
	seg, err := vm.ParseSegment(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding program: %w", err)
	}
	return seg, nil
}

// SerializeRunRecord encodes a run record to binary format.
func SerializeRunRecord(rec *RunRecord) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("cannot serialize nil record")
	}
	if len(rec.Codes) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d result codes", ErrInvalidRecord, len(rec.Codes))
	}
	buf := make([]byte, runRecordMinSize+2*len(rec.Codes))
	offset := 0

	copy(buf[offset:], rec.Program[:])
	offset += 32

	binary.BigEndian.PutUint16(buf[offset:], rec.Outcome)
	offset += 2

	binary.BigEndian.PutUint16(buf[offset:], rec.Fault)
	offset += 2

	binary.BigEndian.PutUint64(buf[offset:], rec.Steps)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], uint64(rec.UnixTime))
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(rec.Codes)))
	offset += 2

	for _, c := range rec.Codes {
		binary.BigEndian.PutUint16(buf[offset:], c)
		offset += 2
	}
	return buf, nil
}

// DeserializeRunRecord decodes a run record from binary format.
func DeserializeRunRecord(data []byte) (*RunRecord, error) {
	if len(data) < runRecordMinSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d",
			ErrInvalidRecord, runRecordMinSize, len(data))
	}
	rec := &RunRecord{}
	offset := 0

	copy(rec.Program[:], data[offset:])
	offset += 32

	rec.Outcome = binary.BigEndian.Uint16(data[offset:])
	offset += 2

	rec.Fault = binary.BigEndian.Uint16(data[offset:])
	offset += 2

	rec.Steps = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	rec.UnixTime = int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	n := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2

	if len(data) != runRecordMinSize+2*n {
		return nil, fmt.Errorf("%w: %d codes do not fit %d bytes", ErrInvalidRecord, n, len(data))
	}
	rec.Codes = make([]uint16, n)
	for i := range rec.Codes {
		rec.Codes[i] = binary.BigEndian.Uint16(data[offset:])
		offset += 2
	}
	return rec, nil
}
