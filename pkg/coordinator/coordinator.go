package coordinator

import (
	"fmt"
	"strings"

	"github.com/HKTITAN/PeaToPea/pkg/chunk"
	"github.com/HKTITAN/PeaToPea/pkg/constants"
	"github.com/HKTITAN/PeaToPea/pkg/identity"
	"github.com/HKTITAN/PeaToPea/pkg/integrity"
	"github.com/HKTITAN/PeaToPea/pkg/scheduler"
	"github.com/HKTITAN/PeaToPea/pkg/wire"
)

// DefaultConfig returns the thresholds named in §6.
func DefaultConfig() Config {
	return Config{
		ChunkSize:             constants.DefaultChunkSize,
		HeartbeatTimeoutTicks: constants.HeartbeatTimeoutTicks,
		ChunkTimeoutTicks:     constants.ChunkTimeoutTicks,
		IsolationThreshold:    constants.IntegrityIsolationThresh,
	}
}

// Coordinator is the Coordinator state object (§3, §4.6). The zero value is
// not usable; construct with NewCoordinator.
type Coordinator struct {
	Keypair *identity.Keypair

	peers     map[identity.DeviceId]*PeerEntry
	peerOrder []identity.DeviceId
	isolated  map[identity.DeviceId]struct{}

	tickCount uint64
	active    *ActiveTransfer

	cfg Config

	pending []OutboundAction
}

// NewCoordinator constructs a Coordinator with default thresholds.
func NewCoordinator(kp *identity.Keypair) *Coordinator {
	return NewCoordinatorWithConfig(kp, DefaultConfig())
}

// NewCoordinatorWithConfig constructs a Coordinator with explicit
// thresholds, for hosts that override §6 defaults.
func NewCoordinatorWithConfig(kp *identity.Keypair, cfg Config) *Coordinator {
	return &Coordinator{
		Keypair:  kp,
		peers:    make(map[identity.DeviceId]*PeerEntry),
		isolated: make(map[identity.DeviceId]struct{}),
		cfg:      cfg,
	}
}

func (c *Coordinator) selfID() identity.DeviceId {
	return c.Keypair.DeviceID
}

// workers returns [self] ++ peers in insertion order, the ordered worker
// list §4.5 scheduling rounds are dealt over.
func (c *Coordinator) workers() []identity.DeviceId {
	workers := make([]identity.DeviceId, 0, len(c.peerOrder)+1)
	workers = append(workers, c.selfID())
	workers = append(workers, c.peerOrder...)
	return workers
}

func (c *Coordinator) drainPending() []OutboundAction {
	if len(c.pending) == 0 {
		return nil
	}
	drained := c.pending
	c.pending = nil
	return drained
}

// OnIncomingRequest decides whether an intercepted HTTP range request can be
// accelerated, per §4.6.
func (c *Coordinator) OnIncomingRequest(url string, rng *ByteRange) Action {
	if !acceleratableScheme(url) || rng == nil || rng.degenerate() || len(c.peerOrder) == 0 {
		return Action{Kind: ActionFallback}
	}

	tid, err := chunk.NewTransferId()
	if err != nil {
		return Action{Kind: ActionFallback}
	}

	totalLength := rng.End - rng.Start
	chunks := chunk.Split(tid, totalLength, c.cfg.ChunkSize)
	workers := c.workers()
	assignment := scheduler.RoundRobin(workers, chunks)

	state := chunk.NewTransferState(tid, totalLength, chunks)
	for _, a := range assignment {
		state.MarkRequested(a.ChunkID, c.tickCount)
	}

	c.active = &ActiveTransfer{State: state, Assignment: assignment}

	return Action{
		Kind:        ActionAccelerate,
		TransferID:  tid,
		TotalLength: totalLength,
		Assignment:  assignment,
	}
}

func acceleratableScheme(rawURL string) bool {
	idx := strings.Index(rawURL, "://")
	if idx <= 0 {
		return false
	}
	scheme := strings.ToLower(rawURL[:idx])
	return scheme == "http" || scheme == "https"
}

// OnChunkReceived delivers a candidate chunk payload, per §4.6.
func (c *Coordinator) OnChunkReceived(tid chunk.TransferId, start, end uint64, hash integrity.Hash, payload []byte) ([]byte, error) {
	if c.active == nil || c.active.State.TransferID != tid {
		return nil, ErrUnknownTransfer
	}

	id := chunk.ChunkId{TransferID: tid, Start: start, End: end}
	peer, hadPeer := c.findChunkPeer(id)

	outcome, body, err := c.active.State.OnChunkData(id, hash, payload)
	if err != nil {
		c.active = nil
		return nil, fmt.Errorf("%w: %v", ErrPoisoned, err)
	}

	switch outcome {
	case chunk.OutcomeIntegrityFailed:
		if hadPeer {
			c.pending = append(c.pending, c.chargeFailure(peer)...)
		}
		return nil, ErrIntegrityFailed
	case chunk.OutcomeComplete:
		for _, worker := range distinctWorkers(c.active.Assignment) {
			if entry, ok := c.peers[worker]; ok {
				entry.Metrics.RecordSuccess()
			}
		}
		c.active = nil
		return body, nil
	default:
		return nil, nil
	}
}

// OnMessageReceived decodes and dispatches an inbound frame, per §4.6.
func (c *Coordinator) OnMessageReceived(from identity.DeviceId, frameBytes []byte) ([]OutboundAction, []byte, error) {
	msg, _, err := wire.DecodeFrame(frameBytes)
	if err != nil {
		return nil, nil, err
	}

	actions := c.drainPending()

	switch msg.Kind {
	case wire.KindHeartbeat:
		c.touchPeer(from)
	case wire.KindJoin:
		c.touchPeer(from)
	case wire.KindBeacon:
		c.touchPeer(from)
		if entry, ok := c.peers[from]; ok {
			reply := wire.NewDiscoveryResponse(constants.ProtocolVersion, c.selfID(), c.Keypair.Public, 0)
			if action, err := c.newSendMessage(entry.DeviceID, reply); err == nil {
				actions = append(actions, action)
			}
		}
	case wire.KindDiscoveryResponse:
		c.touchPeer(from)

	case wire.KindLeave:
		actions = append(actions, c.evictPeer(from, false)...)

	case wire.KindChunkRequest:
		req := msg.ChunkRequest
		actions = append(actions, OutboundAction{
			Kind: OutboundWanFetch,
			WanFetch: &WanFetchAction{
				Peer:       from,
				TransferID: req.TransferID,
				Start:      req.Start,
				End:        req.End,
			},
		})

	case wire.KindChunkData:
		data := msg.ChunkData
		body, cErr := c.OnChunkReceived(data.TransferID, data.Start, data.End, data.Hash, data.Payload)
		actions = append(actions, c.drainPending()...)
		switch cErr {
		case nil:
			if body != nil {
				return actions, body, nil
			}
		case ErrIntegrityFailed:
			nack := wire.NewNack(data.TransferID, data.Start, data.End)
			if action, err := c.newSendMessage(from, nack); err == nil {
				actions = append(actions, action)
			}
		}

	case wire.KindNack:
		nack := msg.Nack
		id := chunk.ChunkId{TransferID: nack.TransferID, Start: nack.Start, End: nack.End}
		if c.active != nil && c.active.State.TransferID == nack.TransferID {
			c.active.State.ClearInFlight(id)
			actions = append(actions, c.reassignChunksExcluding([]chunk.ChunkId{id}, &from)...)
		}
	}

	return actions, nil, nil
}

// OnPeerJoined inserts or updates a peer. Isolated peers are permanently
// refused re-admission.
func (c *Coordinator) OnPeerJoined(id identity.DeviceId, pk identity.PublicKey) error {
	if _, isolated := c.isolated[id]; isolated {
		return ErrPeerIsolated
	}

	if entry, ok := c.peers[id]; ok {
		entry.PublicKey = pk
		entry.LastTickSeen = c.tickCount
		return nil
	}

	c.peers[id] = &PeerEntry{DeviceID: id, PublicKey: pk, LastTickSeen: c.tickCount}
	c.peerOrder = append(c.peerOrder, id)
	return nil
}

// OnPeerLeft removes a peer and reassigns any chunks it was responsible
// for.
func (c *Coordinator) OnPeerLeft(id identity.DeviceId) []OutboundAction {
	actions := c.drainPending()
	actions = append(actions, c.evictPeer(id, false)...)
	return actions
}

// OnHeartbeatReceived refreshes a peer's liveness tick.
func (c *Coordinator) OnHeartbeatReceived(id identity.DeviceId) {
	c.touchPeer(id)
}

func (c *Coordinator) touchPeer(id identity.DeviceId) {
	if entry, ok := c.peers[id]; ok {
		entry.LastTickSeen = c.tickCount
	}
}

// Tick idempotently advances tick_count by one and runs the three phases of
// §4.6: heartbeat expiry, chunk-request timeout, heartbeat emission.
func (c *Coordinator) Tick() []OutboundAction {
	c.tickCount++
	actions := c.drainPending()

	var expired []identity.DeviceId
	for _, id := range c.peerOrder {
		entry := c.peers[id]
		if c.tickCount-entry.LastTickSeen > c.cfg.HeartbeatTimeoutTicks {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		actions = append(actions, c.evictPeer(id, false)...)
	}

	if c.active != nil {
		var timedOut []chunk.ChunkId
		for _, id := range c.active.State.InFlightChunks() {
			reqTick, ok := c.active.State.RequestedAt(id)
			if ok && c.tickCount-reqTick > c.cfg.ChunkTimeoutTicks {
				timedOut = append(timedOut, id)
			}
		}

		// Snapshot the peer responsible for each timed-out chunk up front:
		// chargeFailure below can evict a peer and reassign everything still
		// pending for it, which rewrites c.active.Assignment. Re-deriving the
		// peer after that point would attribute the failure to whoever the
		// chunk was just reassigned to instead of who actually timed out.
		responsiblePeer := make(map[chunk.ChunkId]identity.DeviceId, len(timedOut))
		for _, id := range timedOut {
			if peer, ok := c.findChunkPeer(id); ok {
				responsiblePeer[id] = peer
			}
		}

		// reassignedByEviction marks chunks a nested evictPeer call already
		// cleared and reassigned this tick, as a side effect of charging a
		// failure against some other chunk in timedOut that shares the same
		// peer. Those chunks must not be cleared or reassigned again below.
		reassignedByEviction := make(map[chunk.ChunkId]struct{}, len(timedOut))
		var needsReassign []chunk.ChunkId
		for _, id := range timedOut {
			if _, done := reassignedByEviction[id]; done {
				continue
			}
			c.active.State.ClearInFlight(id)

			peer, hadPeer := responsiblePeer[id]
			if !hadPeer {
				needsReassign = append(needsReassign, id)
				continue
			}

			peersBefore := len(c.peers)
			actions = append(actions, c.chargeFailure(peer)...)
			if len(c.peers) < peersBefore {
				for _, other := range timedOut {
					if p, ok := responsiblePeer[other]; ok && p == peer {
						reassignedByEviction[other] = struct{}{}
					}
				}
				continue
			}
			needsReassign = append(needsReassign, id)
		}

		if len(needsReassign) > 0 {
			actions = append(actions, c.reassignChunksExcluding(needsReassign, nil)...)
		}
	}

	for _, id := range c.peerOrder {
		msg := wire.NewHeartbeat(c.selfID())
		if action, err := c.newSendMessage(id, msg); err == nil {
			actions = append(actions, action)
		}
	}

	return actions
}

// CurrentAssignment returns the active transfer's chunk-to-peer plan, or
// nil if no transfer is in progress.
func (c *Coordinator) CurrentAssignment() []scheduler.Assignment {
	if c.active == nil {
		return nil
	}
	return c.active.Assignment
}

func (c *Coordinator) newSendMessage(peer identity.DeviceId, msg *wire.Message) (OutboundAction, error) {
	frame, err := wire.EncodeFrame(msg)
	if err != nil {
		return OutboundAction{}, err
	}
	return OutboundAction{
		Kind:        OutboundSendMessage,
		SendMessage: &SendMessageAction{Peer: peer, Frame: frame},
	}, nil
}

func (c *Coordinator) findChunkPeer(id chunk.ChunkId) (identity.DeviceId, bool) {
	if c.active == nil {
		return identity.DeviceId{}, false
	}
	for _, a := range c.active.Assignment {
		if a.ChunkID == id {
			return a.Worker, true
		}
	}
	return identity.DeviceId{}, false
}

func (c *Coordinator) chunksAssignedTo(id identity.DeviceId) []chunk.ChunkId {
	if c.active == nil {
		return nil
	}
	var ids []chunk.ChunkId
	for _, a := range c.active.Assignment {
		if a.Worker == id {
			ids = append(ids, a.ChunkID)
		}
	}
	return ids
}

func (c *Coordinator) pendingChunksAssignedTo(id identity.DeviceId) []chunk.ChunkId {
	if c.active == nil {
		return nil
	}
	var pending []chunk.ChunkId
	for _, cid := range c.chunksAssignedTo(id) {
		if !c.active.State.Received(cid) {
			pending = append(pending, cid)
		}
	}
	return pending
}

// chargeFailure records a failure against peer and, if its failure count
// reaches the isolation threshold, evicts and isolates it, returning any
// reassignment actions that eviction produces.
func (c *Coordinator) chargeFailure(peer identity.DeviceId) []OutboundAction {
	entry, ok := c.peers[peer]
	if !ok {
		return nil
	}
	entry.Metrics.RecordFailure(c.tickCount)
	if entry.Metrics.ShouldExclude(c.cfg.IsolationThreshold) {
		return c.evictPeer(peer, true)
	}
	return nil
}

// evictPeer removes a peer from the peer table (and, if isolate is true,
// permanently marks it isolated), then reassigns any chunks still pending
// from it.
func (c *Coordinator) evictPeer(id identity.DeviceId, isolate bool) []OutboundAction {
	if _, ok := c.peers[id]; !ok {
		return nil
	}

	pending := c.pendingChunksAssignedTo(id)

	delete(c.peers, id)
	for i, peerID := range c.peerOrder {
		if peerID == id {
			c.peerOrder = append(c.peerOrder[:i], c.peerOrder[i+1:]...)
			break
		}
	}
	if isolate {
		c.isolated[id] = struct{}{}
	}

	return c.reassignChunksExcluding(pending, &id)
}

// reassignChunksExcluding re-deals ids round-robin over the current worker
// set, excluding the given peer if non-nil (modeling §4.5's "reassigned
// round-robin over remaining workers" and the Nack path's "prefer workers
// other than the NACK sender").
func (c *Coordinator) reassignChunksExcluding(ids []chunk.ChunkId, exclude *identity.DeviceId) []OutboundAction {
	if c.active == nil || len(ids) == 0 {
		return nil
	}

	var assignments []scheduler.Assignment
	if exclude != nil {
		assignments = scheduler.ReassignAfterLoss(ids, c.workers(), *exclude)
	} else {
		assignments = scheduler.RoundRobin(c.workers(), ids)
	}

	c.mergeAssignment(assignments)

	var actions []OutboundAction
	for _, a := range assignments {
		c.active.State.MarkRequested(a.ChunkID, c.tickCount)
		if a.Worker == c.selfID() {
			continue
		}
		msg := wire.NewChunkRequest(a.ChunkID.TransferID, a.ChunkID.Start, a.ChunkID.End)
		if action, err := c.newSendMessage(a.Worker, msg); err == nil {
			actions = append(actions, action)
		}
	}
	return actions
}

func (c *Coordinator) mergeAssignment(updates []scheduler.Assignment) {
	for _, u := range updates {
		replaced := false
		for i, existing := range c.active.Assignment {
			if existing.ChunkID == u.ChunkID {
				c.active.Assignment[i] = u
				replaced = true
				break
			}
		}
		if !replaced {
			c.active.Assignment = append(c.active.Assignment, u)
		}
	}
}

func distinctWorkers(assignment []scheduler.Assignment) []identity.DeviceId {
	seen := make(map[identity.DeviceId]struct{}, len(assignment))
	var out []identity.DeviceId
	for _, a := range assignment {
		if _, ok := seen[a.Worker]; ok {
			continue
		}
		seen[a.Worker] = struct{}{}
		out = append(out, a.Worker)
	}
	return out
}
