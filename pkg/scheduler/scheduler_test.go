package scheduler

import (
	"testing"

	"github.com/HKTITAN/PeaToPea/pkg/chunk"
	"github.com/HKTITAN/PeaToPea/pkg/identity"
)

func makeWorkers(n int) []identity.DeviceId {
	workers := make([]identity.DeviceId, n)
	for i := range workers {
		workers[i][0] = byte(i + 1)
	}
	return workers
}

func makeChunks(n int) []chunk.ChunkId {
	var tid chunk.TransferId
	tid[0] = 1
	chunks := make([]chunk.ChunkId, n)
	for i := range chunks {
		chunks[i] = chunk.ChunkId{TransferID: tid, Start: uint64(i), End: uint64(i + 1)}
	}
	return chunks
}

func TestRoundRobinConservation(t *testing.T) {
	workers := makeWorkers(3)
	chunks := makeChunks(10)

	assignments := RoundRobin(workers, chunks)

	if len(assignments) != len(chunks) {
		t.Fatalf("assigned %d chunks, want %d (scheduler conservation)", len(assignments), len(chunks))
	}
	for i, a := range assignments {
		want := workers[i%len(workers)]
		if a.Worker != want {
			t.Errorf("chunk %d assigned to %v, want %v", i, a.Worker, want)
		}
	}
}

func TestRoundRobinEmptyWorkers(t *testing.T) {
	chunks := makeChunks(5)
	assignments := RoundRobin(nil, chunks)
	if len(assignments) != 0 {
		t.Errorf("expected no assignments with empty worker set, got %d", len(assignments))
	}
}

func TestWeightedProportionality(t *testing.T) {
	workers := makeWorkers(3)
	weights := []uint64{1, 2, 1}
	chunks := makeChunks(12)

	assignments := Weighted(workers, weights, chunks)
	if len(assignments) != len(chunks) {
		t.Fatalf("assigned %d chunks, want %d", len(assignments), len(chunks))
	}

	counts := make(map[identity.DeviceId]int)
	for _, a := range assignments {
		counts[a.Worker]++
	}

	total := uint64(4)
	T := uint64(len(chunks))
	for i, w := range workers {
		lower := weights[i] * T / total
		got := uint64(counts[w])
		if got != lower && got != lower+1 {
			t.Errorf("worker %d got %d chunks, want %d or %d", i, got, lower, lower+1)
		}
	}
}

func TestWeightedFallsBackOnZeroWeight(t *testing.T) {
	workers := makeWorkers(2)
	weights := []uint64{0, 0}
	chunks := makeChunks(4)

	got := Weighted(workers, weights, chunks)
	want := RoundRobin(workers, chunks)

	if len(got) != len(want) {
		t.Fatalf("got %d assignments, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("assignment %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestWeightedFallsBackOnLengthMismatch(t *testing.T) {
	workers := makeWorkers(3)
	weights := []uint64{1, 1}
	chunks := makeChunks(6)

	got := Weighted(workers, weights, chunks)
	want := RoundRobin(workers, chunks)

	if len(got) != len(want) {
		t.Fatalf("got %d assignments, want %d", len(got), len(want))
	}
}

func TestMetricsAwareWorkersExcludesIsolated(t *testing.T) {
	workers := makeWorkers(3)
	metrics := map[identity.DeviceId]PeerMetrics{
		workers[1]: {Failures: 3},
	}

	filtered := MetricsAwareWorkers(workers, metrics, 3)

	if len(filtered) != 2 {
		t.Fatalf("got %d workers, want 2 (one excluded)", len(filtered))
	}
	for _, w := range filtered {
		if w == workers[1] {
			t.Errorf("excluded worker %v still present", workers[1])
		}
	}
}

func TestMetricsAwareWorkersFallbackWhenAllExcluded(t *testing.T) {
	workers := makeWorkers(2)
	metrics := map[identity.DeviceId]PeerMetrics{
		workers[0]: {Failures: 5},
		workers[1]: {Failures: 5},
	}

	filtered := MetricsAwareWorkers(workers, metrics, 3)

	if len(filtered) != len(workers) {
		t.Fatalf("expected fallback to full worker set when exclusion would empty it, got %d workers", len(filtered))
	}
}

func TestReassignAfterLossExcludesDeparted(t *testing.T) {
	workers := makeWorkers(3)
	affected := makeChunks(4)

	assignments := ReassignAfterLoss(affected, workers, workers[1])

	for _, a := range assignments {
		if a.Worker == workers[1] {
			t.Errorf("reassigned chunk still routed to departed worker %v", workers[1])
		}
	}
	if len(assignments) != len(affected) {
		t.Fatalf("got %d assignments, want %d", len(assignments), len(affected))
	}
}

func TestReassignAfterLossNoWorkersRemain(t *testing.T) {
	workers := makeWorkers(1)
	affected := makeChunks(3)

	assignments := ReassignAfterLoss(affected, workers, workers[0])

	if len(assignments) != len(affected) {
		t.Fatalf("got %d assignments, want %d", len(assignments), len(affected))
	}
	for _, a := range assignments {
		if a.Worker != workers[0] {
			t.Errorf("with no workers remaining, chunk should return to departed worker, got %v", a.Worker)
		}
	}
}

func TestIsolationAfterThresholdFailures(t *testing.T) {
	workers := makeWorkers(2)
	metrics := map[identity.DeviceId]PeerMetrics{}

	threshold := uint64(2)
	m := metrics[workers[0]]
	m.RecordFailure(1)
	m.RecordFailure(2)
	metrics[workers[0]] = m

	filtered := MetricsAwareWorkers(workers, metrics, threshold)
	for _, w := range filtered {
		if w == workers[0] {
			t.Errorf("worker %v should be absent after reaching isolation threshold", workers[0])
		}
	}
}
