// Package hostnet implements the host-side networking PeaPod's core
// coordination engine does not own: UDP multicast peer discovery (§6) and
// WAN range fetches performed on a peer's behalf. Neither concern is part
// of the Coordinator's contract (§5, §9); this package is the reference
// glue a daemon uses to drive one.
package hostnet

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/HKTITAN/PeaToPea/pkg/constants"
	"github.com/HKTITAN/PeaToPea/pkg/identity"
	"github.com/HKTITAN/PeaToPea/pkg/wire"
)

// correlationTag derives a short BLAKE3-based tag for a device id, used to
// correlate log lines across a session without printing the full hex id on
// every line.
func correlationTag(id identity.DeviceId) string {
	sum := blake3.Sum256(id[:])
	return fmt.Sprintf("%x", sum[:4])
}

// Discovery sends periodic Beacon messages to the LAN multicast group and
// listens for Beacon/DiscoveryResponse traffic from other pods.
type Discovery struct {
	self       *identity.Keypair
	listenPort uint16
	group      *net.UDPAddr
	conn       *net.UDPConn
	log        *logrus.Entry

	stop chan struct{}
}

// NewDiscovery binds a UDP multicast socket on the discovery port (§6:
// 239.255.60.60:45678 by default) and prepares to send Beacons for self.
func NewDiscovery(self *identity.Keypair, listenPort uint16, discoveryAddr string) (*Discovery, error) {
	group, err := net.ResolveUDPAddr("udp4", discoveryAddr)
	if err != nil {
		return nil, fmt.Errorf("hostnet: resolve discovery address: %w", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("hostnet: join multicast group: %w", err)
	}
	conn.SetReadBuffer(constants.MaxFrameLen)

	return &Discovery{
		self:       self,
		listenPort: listenPort,
		group:      group,
		conn:       conn,
		log:        logrus.WithField("tag", correlationTag(self.DeviceID)),
		stop:       make(chan struct{}),
	}, nil
}

// Run sends a Beacon every §6 BeaconInterval until Close is called.
func (d *Discovery) Run() {
	ticker := time.NewTicker(constants.BeaconInterval)
	defer ticker.Stop()

	d.sendBeacon()
	for {
		select {
		case <-ticker.C:
			d.sendBeacon()
		case <-d.stop:
			return
		}
	}
}

func (d *Discovery) sendBeacon() {
	msg := wire.NewBeacon(constants.ProtocolVersion, d.self.DeviceID, d.self.Public, d.listenPort)
	payload, err := wire.EncodeMessage(msg)
	if err != nil {
		d.log.WithError(err).Warn("hostnet: failed to encode beacon")
		return
	}
	if _, err := d.conn.WriteToUDP(payload, d.group); err != nil {
		d.log.WithError(err).Warn("hostnet: failed to send beacon")
	}
}

// Listen blocks reading multicast datagrams, decoding each into a Message
// and invoking onMessage with the sender's address. It returns when Close
// is called.
func (d *Discovery) Listen(onMessage func(from *net.UDPAddr, msg *wire.Message)) error {
	buf := make([]byte, constants.MaxFrameLen)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.stop:
				return nil
			default:
				return fmt.Errorf("hostnet: read multicast datagram: %w", err)
			}
		}

		msg, err := wire.DecodeMessage(buf[:n])
		if err != nil {
			d.log.WithError(err).Debug("hostnet: dropping malformed discovery datagram")
			continue
		}
		onMessage(from, msg)
	}
}

// RespondTo unicasts a DiscoveryResponse back to the originator of a
// Beacon, per §4.6's on_message_received Beacon handling.
func (d *Discovery) RespondTo(addr *net.UDPAddr) error {
	msg := wire.NewDiscoveryResponse(constants.ProtocolVersion, d.self.DeviceID, d.self.Public, d.listenPort)
	payload, err := wire.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("hostnet: encode discovery response: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("hostnet: dial peer for discovery response: %w", err)
	}
	defer conn.Close()
	_, err = conn.Write(payload)
	return err
}

// Close stops Run/Listen and releases the multicast socket.
func (d *Discovery) Close() error {
	close(d.stop)
	return d.conn.Close()
}
