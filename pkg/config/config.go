// Package config loads and hot-reloads a PeaPod host's configuration: the
// ports and thresholds that sit outside the Coordinator's core contract
// (§6: "host-owned configuration"). Values come from a YAML file with
// environment-variable overrides, matching the host-owned nature of these
// settings — the core coordination engine never reads configuration itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/HKTITAN/PeaToPea/pkg/constants"
)

// Config is a PeaPod host's full runtime configuration.
type Config struct {
	ProxyPort     int    `yaml:"proxy_port"`
	DiscoveryPort int    `yaml:"discovery_port"`
	TransportPort int    `yaml:"transport_port"`
	KeypairPath   string `yaml:"keypair_path"`

	ChunkSize             uint64 `yaml:"chunk_size"`
	HeartbeatTimeoutTicks uint64 `yaml:"heartbeat_timeout_ticks"`
	ChunkTimeoutTicks     uint64 `yaml:"chunk_timeout_ticks"`
	IsolationThreshold    uint64 `yaml:"isolation_threshold"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the §6 default configuration.
func Default() *Config {
	return &Config{
		ProxyPort:             constants.DefaultProxyPort,
		DiscoveryPort:         constants.DefaultDiscoveryPort,
		TransportPort:         constants.DefaultTransportPort,
		KeypairPath:           "peapod-keypair.json",
		ChunkSize:             constants.DefaultChunkSize,
		HeartbeatTimeoutTicks: constants.HeartbeatTimeoutTicks,
		ChunkTimeoutTicks:     constants.ChunkTimeoutTicks,
		IsolationThreshold:    constants.IntegrityIsolationThresh,
		MetricsAddr:           ":9464",
	}
}

// Load reads path as YAML over the §6 defaults, then applies environment
// overrides (PEAPOD_PROXY_PORT, PEAPOD_DISCOVERY_PORT,
// PEAPOD_TRANSPORT_PORT). A missing file is not an error; the defaults (and
// any env overrides) are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideInt(&cfg.ProxyPort, "PEAPOD_PROXY_PORT")
	overrideInt(&cfg.DiscoveryPort, "PEAPOD_DISCOVERY_PORT")
	overrideInt(&cfg.TransportPort, "PEAPOD_TRANSPORT_PORT")
}

func overrideInt(field *int, envVar string) {
	raw, ok := os.LookupEnv(envVar)
	if !ok {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithField("env", envVar).WithError(err).Warn("config: ignoring malformed override")
		return
	}
	*field = v
}

// Watcher reloads a Config from disk whenever its backing file changes, and
// invokes onChange with the freshly parsed value. Host-owned, like the rest
// of this package; the Coordinator is never directly subscribed.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	current  *Config
	onChange func(*Config)
}

// WatchFile starts watching path for changes, invoking onChange (and
// updating Current()) on every write. The caller must call Close when done.
func WatchFile(path string, onChange func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, watcher: fw, current: cfg, onChange: onChange}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				logrus.WithError(err).Warn("config: reload failed, keeping previous configuration")
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("config: watcher error")
		}
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops the underlying file watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
