// Package chunk implements transfer chunking and reassembly as specified in
// §4.4: splitting a byte range into chunks, tracking per-chunk receipt state,
// and reassembling completed transfers.
package chunk

import (
	"crypto/rand"
	"fmt"

	"github.com/HKTITAN/PeaToPea/pkg/integrity"
)

// DefaultChunkSize is used whenever a caller requests a chunk size of zero.
const DefaultChunkSize = 256 * 1024

// TransferId is a 16-byte unique token generated by the initiator; it
// namespaces chunk identifiers for one active transfer.
type TransferId [16]byte

// NewTransferId generates a fresh random TransferId using the OS CSPRNG.
func NewTransferId() (TransferId, error) {
	var id TransferId
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("new transfer id: %w", err)
	}
	return id, nil
}

func (t TransferId) String() string {
	return fmt.Sprintf("%x", t[:])
}

// ChunkId identifies a half-open byte range [Start, End) within a transfer's
// address space. Start < End always holds for a well-formed ChunkId.
type ChunkId struct {
	TransferID TransferId
	Start      uint64
	End        uint64
}

// Split produces ⌈totalLen / chunkSize⌉ chunks tiling [0, totalLen)
// contiguously without overlap. A chunkSize of 0 is replaced by
// DefaultChunkSize. totalLen of 0 yields an empty sequence.
func Split(tid TransferId, totalLen uint64, chunkSize uint64) []ChunkId {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if totalLen == 0 {
		return nil
	}

	count := (totalLen + chunkSize - 1) / chunkSize
	chunks := make([]ChunkId, 0, count)

	for start := uint64(0); start < totalLen; start += chunkSize {
		end := start + chunkSize
		if end > totalLen {
			end = totalLen
		}
		chunks = append(chunks, ChunkId{TransferID: tid, Start: start, End: end})
	}

	return chunks
}

// Outcome classifies the result of delivering a chunk's payload to a
// TransferState.
type Outcome int

const (
	// OutcomeIntegrityFailed indicates a transfer-id mismatch, a hash
	// verification failure, or (together with ErrPoisoned) a conflicting
	// re-issuance; no payload is stored. On a hash failure the chunk is also
	// removed from the in-flight set so it can be reassigned.
	OutcomeIntegrityFailed Outcome = iota
	// OutcomeInProgress indicates the payload was stored but the transfer
	// is not yet complete.
	OutcomeInProgress
	// OutcomeComplete indicates the payload just delivered was the last
	// missing chunk; the reassembled transfer is available.
	OutcomeComplete
)

// ErrPoisoned is returned when a completed chunk is re-delivered with
// different content, violating the reassembly invariant.
var ErrPoisoned = fmt.Errorf("chunk: re-issued chunk content disagrees with previously received content")

// TransferState tracks one active transfer's chunk plan, received payloads,
// in-flight requests, and per-chunk request ticks.
type TransferState struct {
	TransferID  TransferId
	TotalLength uint64
	Sequence    []ChunkId

	received  map[ChunkId][]byte
	inFlight  map[ChunkId]struct{}
	requested map[ChunkId]uint64
}

// NewTransferState builds a TransferState covering sequence, the ordered
// chunk plan produced by Split.
func NewTransferState(tid TransferId, totalLength uint64, sequence []ChunkId) *TransferState {
	return &TransferState{
		TransferID:  tid,
		TotalLength: totalLength,
		Sequence:    sequence,
		received:    make(map[ChunkId][]byte, len(sequence)),
		inFlight:    make(map[ChunkId]struct{}, len(sequence)),
		requested:   make(map[ChunkId]uint64, len(sequence)),
	}
}

// MarkRequested records that a chunk has been dispatched to a worker at the
// given tick, moving it into the in-flight set.
func (s *TransferState) MarkRequested(id ChunkId, tick uint64) {
	s.inFlight[id] = struct{}{}
	s.requested[id] = tick
}

// ClearInFlight removes a chunk from the in-flight set and its request-tick
// entry, without touching received state. Used both on receipt and on
// timeout/NACK-driven reassignment.
func (s *TransferState) ClearInFlight(id ChunkId) {
	delete(s.inFlight, id)
	delete(s.requested, id)
}

// InFlight reports whether a chunk is currently awaiting a response.
func (s *TransferState) InFlight(id ChunkId) bool {
	_, ok := s.inFlight[id]
	return ok
}

// RequestedAt returns the tick at which id was last requested, if in-flight.
func (s *TransferState) RequestedAt(id ChunkId) (uint64, bool) {
	tick, ok := s.requested[id]
	return tick, ok
}

// InFlightChunks returns the current in-flight set as a slice, in no
// particular order.
func (s *TransferState) InFlightChunks() []ChunkId {
	out := make([]ChunkId, 0, len(s.inFlight))
	for id := range s.inFlight {
		out = append(out, id)
	}
	return out
}

// Received reports whether a chunk's payload has already been verified and
// stored.
func (s *TransferState) Received(id ChunkId) bool {
	_, ok := s.received[id]
	return ok
}

// Complete reports whether every chunk in Sequence has been received.
func (s *TransferState) Complete() bool {
	return len(s.received) == len(s.Sequence)
}

// OnChunkData delivers a candidate payload for id, verifying it against hash
// and folding it into the received set. See §4.4 for the outcome contract.
func (s *TransferState) OnChunkData(id ChunkId, hash integrity.Hash, payload []byte) (Outcome, []byte, error) {
	if id.TransferID != s.TransferID {
		return OutcomeIntegrityFailed, nil, nil
	}

	s.ClearInFlight(id)

	if !integrity.VerifyChunk(payload, hash) {
		return OutcomeIntegrityFailed, nil, nil
	}

	if existing, ok := s.received[id]; ok {
		if !bytesEqual(existing, payload) {
			return OutcomeIntegrityFailed, nil, ErrPoisoned
		}
		if !s.Complete() {
			return OutcomeInProgress, nil, nil
		}
	} else {
		stored := make([]byte, len(payload))
		copy(stored, payload)
		s.received[id] = stored
	}

	if !s.Complete() {
		return OutcomeInProgress, nil, nil
	}

	body, err := s.Reassemble()
	if err != nil {
		return OutcomeIntegrityFailed, nil, err
	}
	return OutcomeComplete, body, nil
}

// Reassemble concatenates received payloads in Sequence order. It returns an
// error naming the first chunk of Sequence that has not been received, so it
// only yields a body once Complete() is true.
func (s *TransferState) Reassemble() ([]byte, error) {
	out := make([]byte, 0, s.TotalLength)
	for _, id := range s.Sequence {
		payload, ok := s.received[id]
		if !ok {
			return nil, fmt.Errorf("chunk: reassemble: missing chunk %v", id)
		}
		out = append(out, payload...)
	}
	return out, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
