package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/minio/crc64nvme"
)

const (
	// WAL file format constants
	walMagic   = "CSWAL001"
	walVersion = uint32(1)
	headerSize = 16 // 8 bytes magic + 4 bytes version + 4 bytes reserved

	// length(4) + seq(8) + kind(1) + reserved(3) + ts(8) + txlen(2) + crc(8)
	recordOverhead = 34
	maxRecordSize  = 10 * 1024 * 1024
)

// RecordKind identifies what a record describes.
type RecordKind uint8

const (
	KindStart    RecordKind = 1
	KindPhase    RecordKind = 2
	KindComplete RecordKind = 3
)

func (k RecordKind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindPhase:
		return "phase"
	case KindComplete:
		return "complete"
	default:
		return "unknown"
	}
}

var errShortRecord = errors.New("short record")

// record is one decoded entry.
//
// Record format (total: 34 + len(txID) + len(payload) bytes):
// - Length (4 bytes, uint32) - total record length including this field
// - Sequence (8 bytes, int64)
// - Kind (1 byte) - KindStart/KindPhase/KindComplete
// - Reserved (3 bytes)
// - Timestamp (8 bytes, int64) - Unix milliseconds
// - TxIDLen (2 bytes, uint16) + TxID
// - Payload (variable) - JSON document for the kind
// - CRC64 (8 bytes, uint64) - CRC64-NVME of everything after Length and before CRC
type record struct {
	sequence  int64
	kind      RecordKind
	timestamp int64
	txID      string
	payload   []byte

	offset int64
	length int64
}

func writeHeader(w io.Writer) error {
	header := make([]byte, headerSize)
	copy(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	binary.LittleEndian.PutUint32(header[12:16], 0)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

func readHeader(r io.Reader) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if magic := string(header[0:8]); magic != walMagic {
		return fmt.Errorf("invalid magic: %q", magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != walVersion {
		return fmt.Errorf("unsupported version: %d", version)
	}
	return nil
}

// encodeRecord builds the binary form of rec.
func encodeRecord(rec record) []byte {
	//nolint:gosec // bounded by maxRecordSize checks on append
	totalLength := uint32(recordOverhead + len(rec.txID) + len(rec.payload))
	buf := bytes.NewBuffer(make([]byte, 0, totalLength))

	// binary.Write to bytes.Buffer never errors
	_ = binary.Write(buf, binary.LittleEndian, totalLength)
	_ = binary.Write(buf, binary.LittleEndian, rec.sequence)
	buf.WriteByte(byte(rec.kind))
	buf.Write([]byte{0, 0, 0})
	_ = binary.Write(buf, binary.LittleEndian, rec.timestamp)
	//nolint:gosec // transaction ids are uuids
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(rec.txID)))
	buf.WriteString(rec.txID)
	buf.Write(rec.payload)

	crc := computeCRC64(buf.Bytes()[4:])
	_ = binary.Write(buf, binary.LittleEndian, crc)

	return buf.Bytes()
}

// decodeRecordBody parses everything after the length field. body includes
// the trailing CRC.
func decodeRecordBody(body []byte) (record, error) {
	if len(body) < recordOverhead-4 {
		return record{}, errShortRecord
	}

	storedCRC := binary.LittleEndian.Uint64(body[len(body)-8:])
	if computed := computeCRC64(body[:len(body)-8]); storedCRC != computed {
		return record{}, fmt.Errorf("CRC64 mismatch: stored=%x computed=%x", storedCRC, computed)
	}

	var rec record
	//nolint:gosec // sequence is always positive
	rec.sequence = int64(binary.LittleEndian.Uint64(body[0:8]))
	rec.kind = RecordKind(body[8])
	//nolint:gosec // timestamp is always positive
	rec.timestamp = int64(binary.LittleEndian.Uint64(body[12:20]))

	txLen := int(binary.LittleEndian.Uint16(body[20:22]))
	payloadStart := 22 + txLen
	payloadEnd := len(body) - 8
	if payloadStart > payloadEnd {
		return record{}, errShortRecord
	}
	rec.txID = string(body[22:payloadStart])
	rec.payload = append([]byte(nil), body[payloadStart:payloadEnd]...)
	return rec, nil
}

// readRawAt returns the full binary record stored at offset.
func readRawAt(file *os.File, offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("failed to read record at %d: %w", offset, err)
	}
	return buf, nil
}

// scanRecords reads records after the header until EOF. A damaged tail
// (short read, bad length, CRC mismatch) stops the scan; the returned
// offset is where valid data ends.
func scanRecords(file *os.File, fn func(rec record)) (validEnd int64, corrupt bool, err error) {
	if _, err := file.Seek(headerSize, io.SeekStart); err != nil {
		return 0, false, fmt.Errorf("failed to seek past header: %w", err)
	}

	offset := int64(headerSize)
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if errors.Is(err, io.EOF) {
				return offset, false, nil
			}
			return offset, true, nil
		}

		if length < recordOverhead || length > maxRecordSize {
			return offset, true, nil
		}

		body := make([]byte, length-4)
		if _, err := io.ReadFull(file, body); err != nil {
			return offset, true, nil
		}

		rec, err := decodeRecordBody(body)
		if err != nil {
			return offset, true, nil
		}
		rec.offset = offset
		rec.length = int64(length)
		fn(rec)

		offset += int64(length)
	}
}

// computeCRC64 computes CRC64-NVME checksum
func computeCRC64(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}
