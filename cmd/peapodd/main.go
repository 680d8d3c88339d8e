// Package main implements peapodd, the PeaPod LAN-cooperative download
// accelerator daemon: it wires together configuration, peer discovery, the
// local transport, and the core coordination engine behind a single
// external mutex, as specified in §5.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/HKTITAN/PeaToPea/pkg/chunk"
	"github.com/HKTITAN/PeaToPea/pkg/config"
	"github.com/HKTITAN/PeaToPea/pkg/constants"
	"github.com/HKTITAN/PeaToPea/pkg/coordinator"
	"github.com/HKTITAN/PeaToPea/pkg/hostnet"
	"github.com/HKTITAN/PeaToPea/pkg/identity"
	"github.com/HKTITAN/PeaToPea/pkg/metrics"
	"github.com/HKTITAN/PeaToPea/pkg/transport"
	"github.com/HKTITAN/PeaToPea/pkg/wire"
)

// Build-time variables set by ldflags.
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "start":
		if err := startCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("peapodd %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`peapodd v%s - PeaPod LAN-cooperative HTTP download accelerator daemon

Usage:
  peapodd <command> [options]

Commands:
  start     Start the peapodd daemon (discovery, local transport, tick loop)
  version   Show version information
  help      Show this help message

Environment:
  PEAPOD_CONFIG           Path to a YAML config file (default: peapod.yaml)
  PEAPOD_PROXY_PORT       Override the configured proxy port (start opens no proxy)
  PEAPOD_DISCOVERY_PORT   Override the UDP discovery port
  PEAPOD_TRANSPORT_PORT   Override the local TCP transport port
  PEAPOD_FETCH_URL        If set, accelerate this URL once at startup (demo)
  PEAPOD_FETCH_RANGE      Byte range for PEAPOD_FETCH_URL, as "start-end"
`, version)
}

// daemon bundles the long-lived pieces peapodd drives: the Coordinator
// behind its single external mutex (§5), discovery, the local transport
// listener, and metrics.
type daemon struct {
	mu          sync.Mutex
	coordinator *coordinator.Coordinator

	cfg       *config.Config
	self      *identity.Keypair
	discovery *hostnet.Discovery
	listener  *transport.Listener
	metrics   *metrics.Metrics
	log       *logrus.Entry

	wanFetcher *hostnet.WanFetcher

	// conns holds the live connection for every peer currently accepted,
	// keyed by device id, so dispatchActions can turn an OutboundSendMessage
	// into an actual frame write. Guarded by mu.
	conns map[identity.DeviceId]*transport.PeerConn

	// transferURLs maps a transfer id to the origin URL it is accelerating,
	// recorded when the transfer starts, so an OutboundWanFetch (which
	// carries only a byte range) knows what to fetch. Guarded by mu.
	transferURLs map[chunk.TransferId]string
}

func startCommand() error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	configPath := os.Getenv("PEAPOD_CONFIG")
	if configPath == "" {
		configPath = "peapod.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	self, err := loadOrCreateKeypair(cfg.KeypairPath)
	if err != nil {
		return fmt.Errorf("load keypair: %w", err)
	}

	d := &daemon{
		cfg:          cfg,
		self:         self,
		metrics:      metrics.NewMetrics(),
		log:          logrus.WithField("device", self.DeviceID.String()),
		wanFetcher:   hostnet.NewWanFetcher(),
		conns:        make(map[identity.DeviceId]*transport.PeerConn),
		transferURLs: make(map[chunk.TransferId]string),
	}
	d.coordinator = coordinator.NewCoordinatorWithConfig(self, coordinator.Config{
		ChunkSize:             cfg.ChunkSize,
		HeartbeatTimeoutTicks: cfg.HeartbeatTimeoutTicks,
		ChunkTimeoutTicks:     cfg.ChunkTimeoutTicks,
		IsolationThreshold:    cfg.IsolationThreshold,
	})

	if err := d.start(); err != nil {
		return err
	}

	if fetchURL := os.Getenv("PEAPOD_FETCH_URL"); fetchURL != "" {
		start, end, err := parseFetchRange(os.Getenv("PEAPOD_FETCH_RANGE"))
		if err != nil {
			return fmt.Errorf("parse PEAPOD_FETCH_RANGE: %w", err)
		}
		go func() {
			action := d.beginAcceleratedDownload(fetchURL, start, end)
			d.log.WithFields(logrus.Fields{"url": fetchURL, "kind": action.Kind}).Info("startup fetch dispatched")
		}()
	}

	d.log.Info("peapodd started, press Ctrl+C to stop")
	select {}
}

// parseFetchRange parses a "start-end" byte range, as used by
// PEAPOD_FETCH_RANGE. An empty string yields the range [0,
// constants.DefaultChunkSize), one default-size chunk from the start.
func parseFetchRange(raw string) (start, end uint64, err error) {
	if raw == "" {
		return 0, constants.DefaultChunkSize, nil
	}
	parts := strings.SplitN(raw, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected \"start-end\", got %q", raw)
	}
	start, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start: %w", err)
	}
	end, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end: %w", err)
	}
	return start, end, nil
}

func loadOrCreateKeypair(path string) (*identity.Keypair, error) {
	kp, err := identity.LoadKeypairFromFile(path)
	if err == nil {
		return kp, nil
	}

	kp, err = identity.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	if err := kp.SaveToFile(path); err != nil {
		return nil, fmt.Errorf("save keypair: %w", err)
	}
	return kp, nil
}

func (d *daemon) start() error {
	discoveryAddr := fmt.Sprintf("239.255.60.60:%d", d.cfg.DiscoveryPort)
	disc, err := hostnet.NewDiscovery(d.self, uint16(d.cfg.TransportPort), discoveryAddr)
	if err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	d.discovery = disc
	go disc.Run()
	go func() {
		if err := disc.Listen(d.onDiscoveryMessage); err != nil {
			d.log.WithError(err).Warn("discovery listener stopped")
		}
	}()

	listener, err := transport.Listen(d.self, fmt.Sprintf(":%d", d.cfg.TransportPort))
	if err != nil {
		return fmt.Errorf("start local transport listener: %w", err)
	}
	d.listener = listener
	go d.acceptLoop()

	go d.tickLoop()

	return nil
}

func (d *daemon) onDiscoveryMessage(from *net.UDPAddr, msg *wire.Message) {
	var advert *wire.PeerAdvert
	switch msg.Kind {
	case wire.KindBeacon:
		advert = msg.Beacon
	case wire.KindDiscoveryResponse:
		advert = msg.DiscoveryResponse
	default:
		return
	}
	if advert == nil || advert.DeviceID == d.self.DeviceID {
		return
	}

	d.mu.Lock()
	err := d.coordinator.OnPeerJoined(advert.DeviceID, advert.PublicKey)
	d.mu.Unlock()
	if err != nil {
		d.log.WithField("peer", advert.DeviceID.String()).Debug("ignoring beacon from isolated peer")
		return
	}

	if msg.Kind == wire.KindBeacon {
		if err := d.discovery.RespondTo(from); err != nil {
			d.log.WithError(err).Warn("failed to send discovery response")
		}
	}
}

func (d *daemon) acceptLoop() {
	for {
		peer, err := d.listener.Accept()
		if err != nil {
			d.log.WithError(err).Warn("accept failed, retrying")
			continue
		}

		d.mu.Lock()
		err = d.coordinator.OnPeerJoined(peer.PeerID(), peer.PeerPublicKey())
		if err == nil {
			d.conns[peer.PeerID()] = peer
		}
		d.mu.Unlock()
		if err != nil {
			d.log.WithField("peer", peer.PeerID().String()).WithError(err).Warn("refusing isolated peer")
			peer.Close()
			continue
		}

		go d.readLoop(peer)
	}
}

func (d *daemon) readLoop(peer *transport.PeerConn) {
	defer peer.Close()
	for {
		frame, err := peer.ReadFrame()
		if err != nil {
			d.log.WithField("peer", peer.PeerID().String()).WithError(err).Debug("peer connection closed")
			d.mu.Lock()
			delete(d.conns, peer.PeerID())
			actions := d.coordinator.OnPeerLeft(peer.PeerID())
			d.mu.Unlock()
			d.dispatchActions(actions)
			return
		}

		d.mu.Lock()
		actions, body, err := d.coordinator.OnMessageReceived(peer.PeerID(), frame)
		d.mu.Unlock()
		if err != nil {
			d.log.WithField("peer", peer.PeerID().String()).WithError(err).Warn("decode failed, disconnecting peer")
			return
		}
		if body != nil {
			d.log.WithFields(logrus.Fields{
				"peer":  peer.PeerID().String(),
				"bytes": len(body),
			}).Info("transfer completed by peer-delivered chunk")
		}
		d.dispatchActions(actions)
	}
}

func (d *daemon) tickLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		started := time.Now()
		d.mu.Lock()
		actions := d.coordinator.Tick()
		d.mu.Unlock()
		d.metrics.ObserveTickDuration(time.Since(started).Seconds())
		d.dispatchActions(actions)
	}
}

func (d *daemon) dispatchActions(actions []coordinator.OutboundAction) {
	for _, action := range actions {
		switch action.Kind {
		case coordinator.OutboundSendMessage:
			d.sendFrame(action.SendMessage.Peer, action.SendMessage.Frame)
		case coordinator.OutboundWanFetch:
			go d.fetchWan(*action.WanFetch)
		case coordinator.OutboundTransferComplete:
			d.log.WithField("bytes", len(action.TransferComplete.Body)).Info("transfer complete")
		}
	}
}

// sendFrame writes frame to peer's live connection, if one is accepted.
func (d *daemon) sendFrame(peer identity.DeviceId, frame []byte) {
	d.mu.Lock()
	conn, ok := d.conns[peer]
	d.mu.Unlock()
	if !ok {
		d.log.WithField("peer", peer.String()).Warn("no live connection for peer, dropping outbound frame")
		return
	}
	if err := conn.WriteFrame(frame); err != nil {
		d.log.WithField("peer", peer.String()).WithError(err).Warn("write frame to peer failed")
	}
}

// fetchWan services a ChunkRequest from a peer: it fetches the requested
// byte range from the transfer's origin URL and delivers it back as a
// ChunkData frame. It also feeds the fetched bytes through the local
// Coordinator via OnChunkReceived, as if this host had sourced the chunk
// for its own copy of the transfer.
func (d *daemon) fetchWan(action coordinator.WanFetchAction) {
	d.mu.Lock()
	url, ok := d.transferURLs[action.TransferID]
	d.mu.Unlock()
	if !ok {
		d.log.WithField("transfer", action.TransferID.String()).Warn("wan fetch requested for unknown transfer, dropping")
		return
	}

	payload, hash, err := d.wanFetcher.FetchRange(url, action.Start, action.End)
	if err != nil {
		d.log.WithField("transfer", action.TransferID.String()).WithError(err).Warn("wan fetch failed")
		return
	}

	d.mu.Lock()
	body, cErr := d.coordinator.OnChunkReceived(action.TransferID, action.Start, action.End, hash, payload)
	d.mu.Unlock()
	if cErr != nil && cErr != coordinator.ErrUnknownTransfer {
		d.log.WithField("transfer", action.TransferID.String()).WithError(cErr).Warn("self-delivered wan fetch failed coordinator validation")
	}
	if body != nil {
		d.log.WithFields(logrus.Fields{
			"transfer": action.TransferID.String(),
			"bytes":    len(body),
		}).Info("transfer completed via self-sourced wan fetch")
	}

	msg := wire.NewChunkData(action.TransferID, action.Start, action.End, hash, payload)
	frame, err := wire.EncodeFrame(msg)
	if err != nil {
		d.log.WithError(err).Warn("encode chunk data frame failed")
		return
	}
	d.sendFrame(action.Peer, frame)
}

// beginAcceleratedDownload starts a new accelerated transfer for url and
// records its origin so later WanFetch actions can resolve it, then sends
// each peer its share of the initial assignment as a ChunkRequest.
func (d *daemon) beginAcceleratedDownload(url string, start, end uint64) coordinator.Action {
	d.mu.Lock()
	defer d.mu.Unlock()

	action := d.coordinator.OnIncomingRequest(url, &coordinator.ByteRange{Start: start, End: end})
	if action.Kind != coordinator.ActionAccelerate {
		return action
	}
	d.transferURLs[action.TransferID] = url

	for _, a := range action.Assignment {
		if a.Worker == d.self.DeviceID {
			continue
		}
		msg := wire.NewChunkRequest(a.ChunkID.TransferID, a.ChunkID.Start, a.ChunkID.End)
		frame, err := wire.EncodeFrame(msg)
		if err != nil {
			d.log.WithError(err).Warn("encode chunk request failed")
			continue
		}
		go d.sendFrame(a.Worker, frame)
	}
	return action
}
