package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/HKTITAN/PeaToPea/pkg/codec/cborcanon"
	"github.com/HKTITAN/PeaToPea/pkg/constants"
)

// LengthPrefixLen is the size in bytes of a frame's length prefix.
const LengthPrefixLen = 4

// envelope is the on-the-wire shape: a kind tag plus the kind-specific body,
// encoded separately so decoding can dispatch on Kind before committing to a
// concrete Go type.
type envelope struct {
	Kind Kind            `cbor:"k"`
	Body cbor.RawMessage `cbor:"b"`
}

func bodyOf(msg *Message) (interface{}, error) {
	switch msg.Kind {
	case KindBeacon:
		return msg.Beacon, nil
	case KindDiscoveryResponse:
		return msg.DiscoveryResponse, nil
	case KindJoin:
		return msg.Join, nil
	case KindLeave:
		return msg.Leave, nil
	case KindHeartbeat:
		return msg.Heartbeat, nil
	case KindChunkRequest:
		return msg.ChunkRequest, nil
	case KindChunkData:
		return msg.ChunkData, nil
	case KindNack:
		return msg.Nack, nil
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", msg.Kind)
	}
}

// EncodeMessage serializes msg to canonical CBOR, without the length prefix.
func EncodeMessage(msg *Message) ([]byte, error) {
	body, err := bodyOf(msg)
	if err != nil {
		return nil, err
	}

	bodyBytes, err := cborcanon.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode body: %w", err)
	}

	return cborcanon.Marshal(envelope{Kind: msg.Kind, Body: bodyBytes})
}

// DecodeMessage deserializes a canonical-CBOR payload (without length
// prefix) into a Message.
func DecodeMessage(data []byte) (*Message, error) {
	var env envelope
	if err := cborcanon.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrDecodeFailed, err)
	}

	msg := &Message{Kind: env.Kind}
	var target interface{}

	switch env.Kind {
	case KindBeacon:
		msg.Beacon = &PeerAdvert{}
		target = msg.Beacon
	case KindDiscoveryResponse:
		msg.DiscoveryResponse = &PeerAdvert{}
		target = msg.DiscoveryResponse
	case KindJoin:
		msg.Join = &Join{}
		target = msg.Join
	case KindLeave:
		msg.Leave = &Leave{}
		target = msg.Leave
	case KindHeartbeat:
		msg.Heartbeat = &Heartbeat{}
		target = msg.Heartbeat
	case KindChunkRequest:
		msg.ChunkRequest = &ChunkRequest{}
		target = msg.ChunkRequest
	case KindChunkData:
		msg.ChunkData = &ChunkData{}
		target = msg.ChunkData
	case KindNack:
		msg.Nack = &Nack{}
		target = msg.Nack
	default:
		return nil, fmt.Errorf("%w: unknown message kind %d", ErrDecodeFailed, env.Kind)
	}

	if err := cborcanon.Unmarshal(env.Body, target); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrDecodeFailed, err)
	}

	return msg, nil
}

// EncodeFrame encodes msg as a length-prefixed frame: 4-byte little-endian
// length followed by the canonical-CBOR message. It fails on encode error
// or if the resulting frame would exceed MaxFrameLen.
func EncodeFrame(msg *Message) ([]byte, error) {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	if uint64(len(payload)) > constants.MaxFrameLen {
		return nil, fmt.Errorf("%w: encoded message is %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, LengthPrefixLen+len(payload))
	binary.LittleEndian.PutUint32(frame[:LengthPrefixLen], uint32(len(payload)))
	copy(frame[LengthPrefixLen:], payload)
	return frame, nil
}

// DecodeFrame attempts to decode one frame from the head of buf. It returns
// the decoded message and the number of bytes consumed. If buf does not yet
// contain a complete frame, it returns ErrNeedMoreBytes and consumed=0; the
// caller should retry once more bytes have arrived. A length prefix
// exceeding MaxFrameLen yields ErrFrameTooLarge immediately, without waiting
// for the (possibly never-arriving) body.
func DecodeFrame(buf []byte) (msg *Message, consumed int, err error) {
	if len(buf) < LengthPrefixLen {
		return nil, 0, ErrNeedMoreBytes
	}

	length := binary.LittleEndian.Uint32(buf[:LengthPrefixLen])
	if uint64(length) > constants.MaxFrameLen {
		return nil, 0, fmt.Errorf("%w: frame declares %d bytes", ErrFrameTooLarge, length)
	}

	total := LengthPrefixLen + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreBytes
	}

	msg, err = DecodeMessage(buf[LengthPrefixLen:total])
	if err != nil {
		return nil, 0, err
	}

	return msg, total, nil
}
