package chunk

import (
	"bytes"
	"testing"

	"github.com/HKTITAN/PeaToPea/pkg/integrity"
)

func testTransferId(t *testing.T) TransferId {
	t.Helper()
	tid, err := NewTransferId()
	if err != nil {
		t.Fatalf("NewTransferId failed: %v", err)
	}
	return tid
}

// TestSplitByThirtyOverHundred is scenario 1 from §8: split(tid, 100, 30)
// yields exactly [0,30),[30,60),[60,90),[90,100).
func TestSplitByThirtyOverHundred(t *testing.T) {
	tid := testTransferId(t)
	chunks := Split(tid, 100, 30)

	want := []struct{ start, end uint64 }{
		{0, 30}, {30, 60}, {60, 90}, {90, 100},
	}

	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i, w := range want {
		if chunks[i].Start != w.start || chunks[i].End != w.end {
			t.Errorf("chunk %d = [%d,%d), want [%d,%d)", i, chunks[i].Start, chunks[i].End, w.start, w.end)
		}
	}
}

func TestSplitTiling(t *testing.T) {
	cases := []struct {
		name      string
		totalLen  uint64
		chunkSize uint64
	}{
		{"exact multiple", 300, 100},
		{"remainder", 257, 100},
		{"single byte", 1, 100},
		{"default chunk size on zero", 1_000_000, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tid := testTransferId(t)
			chunks := Split(tid, tc.totalLen, tc.chunkSize)

			size := tc.chunkSize
			if size == 0 {
				size = DefaultChunkSize
			}

			var cursor uint64
			for i, c := range chunks {
				if c.Start != cursor {
					t.Fatalf("chunk %d starts at %d, want %d (contiguity)", i, c.Start, cursor)
				}
				if c.End <= c.Start {
					t.Fatalf("chunk %d has non-positive length: [%d,%d)", i, c.Start, c.End)
				}
				if c.End-c.Start > size {
					t.Fatalf("chunk %d length %d exceeds chunk size %d", i, c.End-c.Start, size)
				}
				cursor = c.End
			}
			if cursor != tc.totalLen {
				t.Fatalf("chunks cover up to %d, want %d", cursor, tc.totalLen)
			}
		})
	}
}

func TestSplitZeroLength(t *testing.T) {
	tid := testTransferId(t)
	chunks := Split(tid, 0, 30)
	if len(chunks) != 0 {
		t.Errorf("Split with totalLen=0 returned %d chunks, want 0", len(chunks))
	}
}

// TestFullReassembly is scenario 2 from §8: sending each chunk with
// payload bytes(i) = i mod 256 and its SHA-256 yields a 100-byte body whose
// i-th byte equals i mod 256.
func TestFullReassembly(t *testing.T) {
	tid := testTransferId(t)
	chunks := Split(tid, 100, 30)

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i % 256)
	}

	state := NewTransferState(tid, 100, chunks)

	var lastOutcome Outcome
	var body []byte
	for i, c := range chunks {
		payload := data[c.Start:c.End]
		hash := integrity.HashChunk(payload)

		state.MarkRequested(c, uint64(i))
		outcome, reassembled, err := state.OnChunkData(c, hash, payload)
		if err != nil {
			t.Fatalf("OnChunkData(%d) returned error: %v", i, err)
		}
		lastOutcome = outcome
		body = reassembled
	}

	if lastOutcome != OutcomeComplete {
		t.Fatalf("final chunk outcome = %v, want OutcomeComplete", lastOutcome)
	}
	if !bytes.Equal(body, data) {
		t.Fatalf("reassembled body mismatch:\ngot  %v\nwant %v", body, data)
	}
}

func TestOnChunkDataUnknownTransfer(t *testing.T) {
	tid := testTransferId(t)
	other := testTransferId(t)
	chunks := Split(tid, 30, 30)
	state := NewTransferState(tid, 30, chunks)

	payload := make([]byte, 30)
	hash := integrity.HashChunk(payload)

	mismatched := ChunkId{TransferID: other, Start: 0, End: 30}
	outcome, body, err := state.OnChunkData(mismatched, hash, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeIntegrityFailed {
		t.Errorf("outcome = %v, want OutcomeIntegrityFailed for transfer-id mismatch", outcome)
	}
	if body != nil {
		t.Errorf("expected nil body on mismatch, got %v", body)
	}
}

func TestOnChunkDataIntegrityFailure(t *testing.T) {
	tid := testTransferId(t)
	chunks := Split(tid, 30, 30)
	state := NewTransferState(tid, 30, chunks)

	c := chunks[0]
	state.MarkRequested(c, 0)

	badHash := integrity.Hash{}
	outcome, _, err := state.OnChunkData(c, badHash, make([]byte, 30))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeIntegrityFailed {
		t.Errorf("outcome = %v, want OutcomeIntegrityFailed", outcome)
	}
	if state.InFlight(c) {
		t.Error("chunk remained in-flight after integrity failure; it must be reassignable")
	}
}

func TestOnChunkDataIdempotent(t *testing.T) {
	tid := testTransferId(t)
	chunks := Split(tid, 60, 30)
	state := NewTransferState(tid, 60, chunks)

	payload0 := make([]byte, 30)
	for i := range payload0 {
		payload0[i] = byte(i)
	}
	hash0 := integrity.HashChunk(payload0)

	state.MarkRequested(chunks[0], 0)
	outcome, _, err := state.OnChunkData(chunks[0], hash0, payload0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeInProgress {
		t.Fatalf("first delivery outcome = %v, want OutcomeInProgress", outcome)
	}

	// Redeliver the identical chunk; should be a no-op, still InProgress.
	outcome, _, err = state.OnChunkData(chunks[0], hash0, payload0)
	if err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}
	if outcome != OutcomeInProgress {
		t.Errorf("redelivery outcome = %v, want OutcomeInProgress", outcome)
	}
}

func TestOnChunkDataPoisoning(t *testing.T) {
	tid := testTransferId(t)
	chunks := Split(tid, 60, 30)
	state := NewTransferState(tid, 60, chunks)

	payload := make([]byte, 30)
	hash := integrity.HashChunk(payload)

	state.MarkRequested(chunks[0], 0)
	if _, _, err := state.OnChunkData(chunks[0], hash, payload); err != nil {
		t.Fatalf("unexpected error on first delivery: %v", err)
	}

	// Re-issuance of the same chunk with different content must poison the
	// transfer rather than silently accept the new bytes.
	different := make([]byte, 30)
	different[0] = 1
	differentHash := integrity.HashChunk(different)

	if _, _, err := state.OnChunkData(chunks[0], differentHash, different); err == nil {
		t.Error("expected poisoning error on conflicting re-issuance, got nil")
	}
}
