// Package transport implements PeaPod's local transport as specified in
// §6: a plain TCP connection carrying a 49-byte handshake (version,
// DeviceId, PublicKey) followed by length-prefixed, AEAD-encrypted frames.
// Unlike a TLS-negotiated transport, the session key and per-direction
// nonce counters here come entirely from §4.1; this package owns none of
// the Coordinator's protocol state, only the bytes on the wire.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/HKTITAN/PeaToPea/pkg/constants"
	"github.com/HKTITAN/PeaToPea/pkg/identity"
)

// Config collects the settings a Dialer dials with. Dial applies
// ConnectTimeout; KeepAlive is not applied to the connection, and a
// Listener takes no Config.
type Config struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// DefaultConfig returns PeaPod's default local-transport timeouts.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 10 * time.Second,
		KeepAlive:      30 * time.Second,
	}
}

// PeerConn is an established, post-handshake connection to a peer: the
// raw TCP socket plus the pairwise session key and this side's independent
// send/receive nonce counters (§4.1, §9 — nonce tracking is a transport,
// not a core, concern).
type PeerConn struct {
	conn       net.Conn
	sessionKey identity.SessionKey
	peerID     identity.DeviceId
	peerPublic identity.PublicKey

	sendCounter uint64
	recvCounter uint64
}

// PeerID returns the remote device's identity, learned during the
// handshake.
func (p *PeerConn) PeerID() identity.DeviceId {
	return p.peerID
}

// PeerPublicKey returns the remote device's X25519 public key.
func (p *PeerConn) PeerPublicKey() identity.PublicKey {
	return p.peerPublic
}

// Close closes the underlying connection.
func (p *PeerConn) Close() error {
	return p.conn.Close()
}

// LocalAddr returns the local network address.
func (p *PeerConn) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (p *PeerConn) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

// WriteFrame encrypts an already length-framed §4.2 payload under this
// side's next send nonce and writes it to the wire, itself prefixed with a
// 4-byte little-endian ciphertext length (§6).
func (p *PeerConn) WriteFrame(frame []byte) error {
	ciphertext, err := identity.EncryptWire(p.sessionKey, p.sendCounter, frame)
	if err != nil {
		return fmt.Errorf("transport: encrypt frame: %w", err)
	}
	p.sendCounter++

	header := make([]byte, 4)
	putUint32LE(header, uint32(len(ciphertext)))
	if _, err := p.conn.Write(header); err != nil {
		return fmt.Errorf("transport: write ciphertext length: %w", err)
	}
	if _, err := p.conn.Write(ciphertext); err != nil {
		return fmt.Errorf("transport: write ciphertext: %w", err)
	}
	return nil
}

// ReadFrame reads one ciphertext off the wire and decrypts it under this
// side's next receive nonce, returning the plaintext §4.2 frame bytes.
func (p *PeerConn) ReadFrame() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := readFull(p.conn, header); err != nil {
		return nil, fmt.Errorf("transport: read ciphertext length: %w", err)
	}
	length := getUint32LE(header)
	if uint64(length) > constants.MaxFrameLen+16 {
		return nil, fmt.Errorf("transport: ciphertext declares %d bytes, exceeds cap", length)
	}

	ciphertext := make([]byte, length)
	if _, err := readFull(p.conn, ciphertext); err != nil {
		return nil, fmt.Errorf("transport: read ciphertext: %w", err)
	}

	plaintext, err := identity.DecryptWire(p.sessionKey, p.recvCounter, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("transport: decrypt frame: %w", err)
	}
	p.recvCounter++
	return plaintext, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// handshake performs the §6 49-byte exchange over conn: each side writes
// version‖DeviceId‖PublicKey, then both derive the same session key via
// X25519 Diffie-Hellman.
func handshake(conn net.Conn, self *identity.Keypair) (*PeerConn, error) {
	outbound := make([]byte, constants.HandshakeLen)
	outbound[0] = constants.ProtocolVersion
	copy(outbound[1:17], self.DeviceID[:])
	copy(outbound[17:49], self.Public[:])

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(outbound)
		writeErr <- err
	}()

	inbound := make([]byte, constants.HandshakeLen)
	if _, err := readFull(conn, inbound); err != nil {
		return nil, fmt.Errorf("transport: read handshake: %w", err)
	}
	if err := <-writeErr; err != nil {
		return nil, fmt.Errorf("transport: write handshake: %w", err)
	}

	var peerPub identity.PublicKey
	copy(peerPub[:], inbound[17:49])
	var peerID identity.DeviceId
	copy(peerID[:], inbound[1:17])

	expectedID := identity.DeriveDeviceId(peerPub)
	if !identity.ConstantTimeEqual(expectedID, peerID) {
		return nil, fmt.Errorf("transport: peer device id does not match its advertised public key")
	}

	ss, err := self.SharedSecret(peerPub)
	if err != nil {
		return nil, fmt.Errorf("transport: derive shared secret: %w", err)
	}
	sessionKey := identity.DeriveSessionKey(ss)

	return &PeerConn{
		conn:       conn,
		sessionKey: sessionKey,
		peerID:     peerID,
		peerPublic: peerPub,
	}, nil
}

// Dialer connects to remote local-transport peers.
type Dialer struct {
	Self   *identity.Keypair
	Config *Config
}

// NewDialer constructs a Dialer for self using cfg, or DefaultConfig if nil.
func NewDialer(self *identity.Keypair, cfg *Config) *Dialer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Dialer{Self: self, Config: cfg}
}

// Dial connects to addr and performs the handshake.
func (d *Dialer) Dial(ctx context.Context, addr string) (*PeerConn, error) {
	dialer := &net.Dialer{Timeout: d.Config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	peer, err := handshake(conn, d.Self)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return peer, nil
}

// Listener accepts local-transport connections and performs the handshake
// on each.
type Listener struct {
	Self     *identity.Keypair
	listener net.Listener
}

// Listen starts accepting TCP connections on addr.
func Listen(self *identity.Keypair, addr string) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return &Listener{Self: self, listener: l}, nil
}

// Accept waits for the next incoming connection and performs the
// handshake.
func (l *Listener) Accept() (*PeerConn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	peer, err := handshake(conn, l.Self)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return peer, nil
}

// Close closes the listener.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}
