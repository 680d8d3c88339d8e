// Package scheduler implements chunk-to-worker assignment as specified in
// §4.5: round-robin and weighted assignment, metrics-aware peer exclusion,
// and reassignment after peer loss or chunk failure.
package scheduler

import (
	"github.com/HKTITAN/PeaToPea/pkg/chunk"
	"github.com/HKTITAN/PeaToPea/pkg/identity"
)

// Assignment pairs a chunk with the worker responsible for fetching it.
type Assignment struct {
	ChunkID chunk.ChunkId
	Worker  identity.DeviceId
}

// PeerMetrics tracks a peer's chunk-fetch track record, used to demote
// consistently failing workers from future scheduling rounds.
type PeerMetrics struct {
	Successes       uint64
	Failures        uint64
	LastFailureTick uint64
}

// RecordSuccess increments the peer's success counter.
func (m *PeerMetrics) RecordSuccess() {
	m.Successes++
}

// RecordFailure increments the peer's failure counter and remembers the tick
// it happened at.
func (m *PeerMetrics) RecordFailure(tick uint64) {
	m.Failures++
	m.LastFailureTick = tick
}

// ShouldExclude reports whether the peer has accumulated enough failures to
// be excluded from scheduling, per the isolation threshold.
func (m PeerMetrics) ShouldExclude(threshold uint64) bool {
	return m.Failures >= threshold
}

// RoundRobin assigns chunk i to workers[i mod len(workers)]. With an empty
// worker list, the result is empty.
func RoundRobin(workers []identity.DeviceId, chunks []chunk.ChunkId) []Assignment {
	if len(workers) == 0 {
		return nil
	}

	assignments := make([]Assignment, len(chunks))
	for i, c := range chunks {
		assignments[i] = Assignment{ChunkID: c, Worker: workers[i%len(workers)]}
	}
	return assignments
}

// Weighted assigns worker p a count of floor(w_p*T/W) chunks, distributing
// the remainder T-sum(counts) by incrementing counts in worker order until
// exhausted. Chunks are dealt in worker order, each worker receiving a
// contiguous block of its count from the chunk sequence. If W=0 or weights
// does not match workers in length, this falls back to RoundRobin.
func Weighted(workers []identity.DeviceId, weights []uint64, chunks []chunk.ChunkId) []Assignment {
	if len(weights) != len(workers) {
		return RoundRobin(workers, chunks)
	}

	var total uint64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return RoundRobin(workers, chunks)
	}

	t := uint64(len(chunks))
	counts := make([]uint64, len(workers))
	var assigned uint64
	for i, w := range weights {
		counts[i] = w * t / total
		assigned += counts[i]
	}

	remainder := t - assigned
	for i := 0; remainder > 0; i = (i + 1) % len(counts) {
		counts[i]++
		remainder--
	}

	assignments := make([]Assignment, 0, len(chunks))
	cursor := 0
	for i, worker := range workers {
		for j := uint64(0); j < counts[i] && cursor < len(chunks); j++ {
			assignments = append(assignments, Assignment{ChunkID: chunks[cursor], Worker: worker})
			cursor++
		}
	}
	return assignments
}

// MetricsAwareWorkers excludes any worker whose recorded metrics have
// reached the isolation threshold. If exclusion would empty the set, the
// exclusions are ignored and the original worker list is returned
// unchanged (best-effort fallback per §4.5).
func MetricsAwareWorkers(workers []identity.DeviceId, metrics map[identity.DeviceId]PeerMetrics, threshold uint64) []identity.DeviceId {
	filtered := make([]identity.DeviceId, 0, len(workers))
	for _, w := range workers {
		if m, ok := metrics[w]; ok && m.ShouldExclude(threshold) {
			continue
		}
		filtered = append(filtered, w)
	}

	if len(filtered) == 0 {
		return workers
	}
	return filtered
}

// ReassignAfterLoss removes departed from the worker set and re-deals
// affected (the chunks that need a new assignment) round-robin over the
// remaining workers. If no workers remain, each affected chunk is handed
// back to departed (it will fail again; the host may retry later).
func ReassignAfterLoss(affected []chunk.ChunkId, workers []identity.DeviceId, departed identity.DeviceId) []Assignment {
	remaining := make([]identity.DeviceId, 0, len(workers))
	for _, w := range workers {
		if w != departed {
			remaining = append(remaining, w)
		}
	}

	if len(remaining) == 0 {
		assignments := make([]Assignment, len(affected))
		for i, c := range affected {
			assignments[i] = Assignment{ChunkID: c, Worker: departed}
		}
		return assignments
	}

	return RoundRobin(remaining, affected)
}
