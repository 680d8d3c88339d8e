// Package wire implements the PeaPod message enum and length-prefixed
// binary framing as specified in §4.2: Beacon, DiscoveryResponse, Join,
// Leave, Heartbeat, ChunkRequest, ChunkData, and Nack, each carried as a
// canonical-CBOR payload behind a 4-byte little-endian length prefix.
package wire

import (
	"github.com/HKTITAN/PeaToPea/pkg/chunk"
	"github.com/HKTITAN/PeaToPea/pkg/identity"
	"github.com/HKTITAN/PeaToPea/pkg/integrity"
)

// Kind identifies which Message variant a frame carries.
type Kind uint8

const (
	KindBeacon Kind = iota + 1
	KindDiscoveryResponse
	KindJoin
	KindLeave
	KindHeartbeat
	KindChunkRequest
	KindChunkData
	KindNack
)

func (k Kind) String() string {
	switch k {
	case KindBeacon:
		return "Beacon"
	case KindDiscoveryResponse:
		return "DiscoveryResponse"
	case KindJoin:
		return "Join"
	case KindLeave:
		return "Leave"
	case KindHeartbeat:
		return "Heartbeat"
	case KindChunkRequest:
		return "ChunkRequest"
	case KindChunkData:
		return "ChunkData"
	case KindNack:
		return "Nack"
	default:
		return "Unknown"
	}
}

// PeerAdvert is the shared shape of Beacon and DiscoveryResponse: a device
// announcing itself to the LAN.
type PeerAdvert struct {
	Version    uint8             `cbor:"version"`
	DeviceID   identity.DeviceId `cbor:"device_id"`
	PublicKey  identity.PublicKey `cbor:"public_key"`
	ListenPort uint16            `cbor:"listen_port"`
}

// Join announces a device joining the pod over the local transport.
type Join struct {
	DeviceID identity.DeviceId `cbor:"device_id"`
}

// Leave announces a device departing the pod.
type Leave struct {
	DeviceID identity.DeviceId `cbor:"device_id"`
}

// Heartbeat refreshes a peer's liveness.
type Heartbeat struct {
	DeviceID identity.DeviceId `cbor:"device_id"`
}

// ChunkRequest asks a peer to fetch [Start, End) of TransferID from the WAN
// and return it as a ChunkData.
type ChunkRequest struct {
	TransferID chunk.TransferId `cbor:"transfer_id"`
	Start      uint64           `cbor:"start"`
	End        uint64           `cbor:"end"`
}

// ChunkData carries a fetched, hashed chunk payload back to the requester.
type ChunkData struct {
	TransferID chunk.TransferId `cbor:"transfer_id"`
	Start      uint64           `cbor:"start"`
	End        uint64           `cbor:"end"`
	Hash       integrity.Hash   `cbor:"hash"`
	Payload    []byte           `cbor:"payload"`
}

// Nack reports that a ChunkData failed integrity verification or could not
// be produced, asking the coordinator to reassign the chunk.
type Nack struct {
	TransferID chunk.TransferId `cbor:"transfer_id"`
	Start      uint64           `cbor:"start"`
	End        uint64           `cbor:"end"`
}

// Message is the PeaPod wire message enum. Exactly one of the pointer
// fields matching Kind is populated.
type Message struct {
	Kind              Kind
	Beacon            *PeerAdvert
	DiscoveryResponse *PeerAdvert
	Join              *Join
	Leave             *Leave
	Heartbeat         *Heartbeat
	ChunkRequest      *ChunkRequest
	ChunkData         *ChunkData
	Nack              *Nack
}

// NewBeacon builds a Beacon message.
func NewBeacon(version uint8, id identity.DeviceId, pk identity.PublicKey, listenPort uint16) *Message {
	return &Message{Kind: KindBeacon, Beacon: &PeerAdvert{Version: version, DeviceID: id, PublicKey: pk, ListenPort: listenPort}}
}

// NewDiscoveryResponse builds a DiscoveryResponse message.
func NewDiscoveryResponse(version uint8, id identity.DeviceId, pk identity.PublicKey, listenPort uint16) *Message {
	return &Message{Kind: KindDiscoveryResponse, DiscoveryResponse: &PeerAdvert{Version: version, DeviceID: id, PublicKey: pk, ListenPort: listenPort}}
}

// NewJoin builds a Join message.
func NewJoin(id identity.DeviceId) *Message {
	return &Message{Kind: KindJoin, Join: &Join{DeviceID: id}}
}

// NewLeave builds a Leave message.
func NewLeave(id identity.DeviceId) *Message {
	return &Message{Kind: KindLeave, Leave: &Leave{DeviceID: id}}
}

// NewHeartbeat builds a Heartbeat message.
func NewHeartbeat(id identity.DeviceId) *Message {
	return &Message{Kind: KindHeartbeat, Heartbeat: &Heartbeat{DeviceID: id}}
}

// NewChunkRequest builds a ChunkRequest message.
func NewChunkRequest(tid chunk.TransferId, start, end uint64) *Message {
	return &Message{Kind: KindChunkRequest, ChunkRequest: &ChunkRequest{TransferID: tid, Start: start, End: end}}
}

// NewChunkData builds a ChunkData message.
func NewChunkData(tid chunk.TransferId, start, end uint64, hash integrity.Hash, payload []byte) *Message {
	return &Message{Kind: KindChunkData, ChunkData: &ChunkData{TransferID: tid, Start: start, End: end, Hash: hash, Payload: payload}}
}

// NewNack builds a Nack message.
func NewNack(tid chunk.TransferId, start, end uint64) *Message {
	return &Message{Kind: KindNack, Nack: &Nack{TransferID: tid, Start: start, End: end}}
}
