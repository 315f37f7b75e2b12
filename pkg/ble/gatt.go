package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// GATT profile constants for the task-exchange service. Link implementations
// map these onto their platform's radio stack; this package only fixes the
// identifiers and the chunk wire format so both ends of a link agree.
//
// The service exposes five characteristics: peer identity (read),
// capabilities (read/notify), task request (write, chunked), task response
// (notify, chunked), and ledger sync (write/notify).
const (
	// ServiceUUID identifies the EdgeCoder task-exchange GATT service.
	ServiceUUID = "E0D6EC00-0001-4C3A-9B5E-00EDGEC0DE00"

	// MaxChunkSize is the largest chunk written to a chunked characteristic,
	// header included.
	MaxChunkSize = 512

	// chunkHeaderSize is the [seqNo:u16][totalChunks:u16] prefix.
	chunkHeaderSize = 4

	// maxChunkData is the payload capacity of one chunk.
	maxChunkData = MaxChunkSize - chunkHeaderSize

	// maxChunks is bounded by the u16 totalChunks field.
	maxChunks = 1<<16 - 1
)

var (
	// ErrPayloadTooLarge means the payload cannot fit in 65535 chunks.
	ErrPayloadTooLarge = errors.New("payload exceeds chunkable size")

	// ErrBadChunk means a chunk failed header validation during reassembly.
	ErrBadChunk = errors.New("malformed chunk")
)

// Chunk splits payload into GATT write units. Every chunk carries the
// little-endian header [seqNo:u16][totalChunks:u16] (multi-byte BLE attribute
// values are little-endian). An empty payload still produces one header-only
// chunk so the receiver learns the transfer is complete.
func Chunk(payload []byte) ([][]byte, error) {
	total := (len(payload) + maxChunkData - 1) / maxChunkData
	if total == 0 {
		total = 1
	}
	if total > maxChunks {
		return nil, fmt.Errorf("%w: %d bytes needs %d chunks", ErrPayloadTooLarge, len(payload), total)
	}

	chunks := make([][]byte, 0, total)
	for seq := 0; seq < total; seq++ {
		data := payload[seq*maxChunkData:]
		if len(data) > maxChunkData {
			data = data[:maxChunkData]
		}
		chunk := make([]byte, chunkHeaderSize+len(data))
		binary.LittleEndian.PutUint16(chunk[0:2], uint16(seq))
		binary.LittleEndian.PutUint16(chunk[2:4], uint16(total))
		copy(chunk[chunkHeaderSize:], data)
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// Reassemble rebuilds a payload from its chunks. Chunks must arrive complete
// and in seq order (GATT writes to one characteristic are ordered); any
// header inconsistency fails the whole transfer.
func Reassemble(chunks [][]byte) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", ErrBadChunk)
	}

	var payload []byte
	for i, chunk := range chunks {
		if len(chunk) < chunkHeaderSize {
			return nil, fmt.Errorf("%w: chunk %d is %d bytes", ErrBadChunk, i, len(chunk))
		}
		if len(chunk) > MaxChunkSize {
			return nil, fmt.Errorf("%w: chunk %d exceeds %d bytes", ErrBadChunk, i, MaxChunkSize)
		}
		seq := binary.LittleEndian.Uint16(chunk[0:2])
		total := binary.LittleEndian.Uint16(chunk[2:4])
		if int(total) != len(chunks) {
			return nil, fmt.Errorf("%w: chunk %d declares %d chunks, got %d", ErrBadChunk, i, total, len(chunks))
		}
		if int(seq) != i {
			return nil, fmt.Errorf("%w: expected seq %d, got %d", ErrBadChunk, i, seq)
		}
		payload = append(payload, chunk[chunkHeaderSize:]...)
	}
	return payload, nil
}
