// Package coordinator implements the PeaPod event handler as specified in
// §4.6: the sole public surface that decides whether a request is
// accelerable, plans and tracks chunk-to-peer assignment, processes
// incoming protocol messages, and handles peer/chunk failures through
// reassignment and isolation. All operations are synchronous and
// non-blocking; the Coordinator holds no internal locks (§5).
package coordinator

import (
	"errors"

	"github.com/HKTITAN/PeaToPea/pkg/chunk"
	"github.com/HKTITAN/PeaToPea/pkg/identity"
	"github.com/HKTITAN/PeaToPea/pkg/scheduler"
)

// Error kinds named in §7.
var (
	// ErrUnknownTransfer indicates a chunk was received for a transfer the
	// Coordinator is not tracking. Callers should treat this as a silent,
	// idempotent drop.
	ErrUnknownTransfer = errors.New("coordinator: unknown transfer")

	// ErrIntegrityFailed indicates a hash mismatch or transfer-id mismatch
	// on a received chunk.
	ErrIntegrityFailed = errors.New("coordinator: chunk integrity check failed")

	// ErrPoisoned indicates a completed chunk was re-delivered with
	// different content; the transfer is abandoned.
	ErrPoisoned = chunk.ErrPoisoned

	// ErrPeerIsolated indicates on_peer_joined was called for a device that
	// previously reached the integrity-failure isolation threshold; the
	// Coordinator permanently refuses re-admission.
	ErrPeerIsolated = errors.New("coordinator: peer is isolated")
)

// ByteRange is a half-open byte range [Start, End) requested from an
// upstream resource. A range with End <= Start is degenerate.
type ByteRange struct {
	Start uint64
	End   uint64
}

func (r ByteRange) degenerate() bool {
	return r.End <= r.Start
}

// ActionKind distinguishes the two possible outcomes of OnIncomingRequest.
type ActionKind int

const (
	ActionFallback ActionKind = iota
	ActionAccelerate
)

// Action is the result of OnIncomingRequest: either Fallback (the host
// should perform a normal, unaccelerated WAN fetch) or Accelerate (the
// Coordinator has planned a chunk assignment).
type Action struct {
	Kind        ActionKind
	TransferID  chunk.TransferId
	TotalLength uint64
	Assignment  []scheduler.Assignment
}

// OutboundKind distinguishes the three outbound action shapes. The
// Coordinator itself emits SendMessage and WanFetch actions; a completed
// body is returned directly by OnChunkReceived/OnMessageReceived, and no
// Coordinator method emits a TransferComplete action.
type OutboundKind int

const (
	OutboundSendMessage OutboundKind = iota
	OutboundWanFetch
	OutboundTransferComplete
)

// OutboundAction is a side effect the host must carry out: send an encoded
// frame to a peer, perform a WAN range fetch on a peer's behalf, or deliver
// a completed transfer's reassembled body.
type OutboundAction struct {
	Kind             OutboundKind
	SendMessage      *SendMessageAction
	WanFetch         *WanFetchAction
	TransferComplete *TransferCompleteAction
}

// SendMessageAction asks the host to deliver an already wire-encoded frame
// to peer. Encryption and the transport-level nonce counter are the host's
// responsibility (§9); Frame is the unencrypted encode_frame output.
type SendMessageAction struct {
	Peer  identity.DeviceId
	Frame []byte
}

// WanFetchAction asks the host to serve a ranged WAN fetch on behalf of peer
// and reply with the resulting ChunkData.
type WanFetchAction struct {
	Peer       identity.DeviceId
	TransferID chunk.TransferId
	Start      uint64
	End        uint64
}

// TransferCompleteAction carries a transfer's final reassembled bytes.
type TransferCompleteAction struct {
	TransferID chunk.TransferId
	Body       []byte
}

// PeerEntry is the Coordinator's view of one known peer.
type PeerEntry struct {
	DeviceID     identity.DeviceId
	PublicKey    identity.PublicKey
	LastTickSeen uint64
	Metrics      scheduler.PeerMetrics
}

// ActiveTransfer is the Coordinator's single in-flight transfer slot (§9:
// one active transfer at a time).
type ActiveTransfer struct {
	State      *chunk.TransferState
	Assignment []scheduler.Assignment
}

// Config collects the Coordinator's tunable thresholds (§6's default ports
// and constants, minus anything that is purely a host/transport concern).
type Config struct {
	ChunkSize             uint64
	HeartbeatTimeoutTicks uint64
	ChunkTimeoutTicks     uint64
	IsolationThreshold    uint64
}
