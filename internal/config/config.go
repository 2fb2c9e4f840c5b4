// Package config manages daemon configuration using koanf/v2: YAML file,
// WRAITH_-prefixed environment variables, and validated defaults.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// Config is the complete daemon configuration.
type Config struct {
	Identity IdentityConfig `koanf:"identity"`
	Network  NetworkConfig  `koanf:"network"`
	XDP      XDPConfig      `koanf:"xdp"`
	Session  SessionConfig  `koanf:"session"`
	Transfer TransferConfig `koanf:"transfer"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
}

// IdentityConfig locates the encrypted identity key file.
type IdentityConfig struct {
	// KeyFile is the path of the sealed identity; created by keygen.
	KeyFile string `koanf:"key_file"`
}

// NetworkConfig holds the connectivity substrate settings.
type NetworkConfig struct {
	// DHTListen is the overlay RPC bind address.
	DHTListen string `koanf:"dht_listen"`

	// SessionListen is the data-plane bind address.
	SessionListen string `koanf:"session_listen"`

	// Bootstrap seeds the DHT, as host:port strings.
	Bootstrap []string `koanf:"bootstrap"`

	// StunServers probe the NAT and gather reflexive candidates.
	StunServers []string `koanf:"stun_servers"`

	// TurnServers yield relay ICE candidates; credentials are optional
	// (servers without long-term auth need none).
	TurnServers  []string `koanf:"turn_servers"`
	TurnUsername string   `koanf:"turn_username"`
	TurnPassword string   `koanf:"turn_password"`

	// Relays pair a websocket URL with the relay's hex node ID.
	Relays []RelayConfig `koanf:"relays"`

	EnableIPv6 bool `koanf:"enable_ipv6"`
}

// RelayConfig identifies one relay server.
type RelayConfig struct {
	URL    string `koanf:"url"`
	NodeID string `koanf:"node_id"`
}

// XDPConfig enables the AF_XDP fast path.
type XDPConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Interface string `koanf:"interface"`
	QueueID   uint32 `koanf:"queue_id"`
	NumFrames uint32 `koanf:"num_frames"`
	FrameSize uint32 `koanf:"frame_size"`
	ZeroCopy  bool   `koanf:"zero_copy"`
}

// SessionConfig tunes the secure-session layer.
type SessionConfig struct {
	// IdleTimeout closes sessions with no traffic.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// TransferConfig tunes the transfer engine.
type TransferConfig struct {
	// ChunkSize for outgoing files; the last chunk is short.
	ChunkSize uint32 `koanf:"chunk_size"`

	// DownloadDir receives inbound files.
	DownloadDir string `koanf:"download_dir"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig selects verbosity, using the WRAITH_LOG directive syntax
// ("info,ice=debug"). The environment variable wins when both are set.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Default returns a runnable configuration.
func Default() Config {
	return Config{
		Identity: IdentityConfig{KeyFile: "wraith.key"},
		Network: NetworkConfig{
			DHTListen:     "0.0.0.0:7400",
			SessionListen: "0.0.0.0:7401",
			StunServers: []string{
				"stun.l.google.com:19302",
				"stun1.l.google.com:19302",
			},
		},
		XDP: XDPConfig{
			NumFrames: 4096,
			FrameSize: 2048,
			ZeroCopy:  true,
		},
		Session:  SessionConfig{IdleTimeout: 5 * time.Minute},
		Transfer: TransferConfig{ChunkSize: 1 << 20, DownloadDir: "downloads"},
		Metrics:  MetricsConfig{Addr: "", Path: "/metrics"},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads the YAML file (optional) and applies WRAITH_ environment
// overrides, e.g. WRAITH_NETWORK_DHT_LISTEN.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, errors.Wrapf(err, "load %s", path)
		}
	}
	if err := k.Load(env.Provider("WRAITH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "WRAITH_")), "_", ".", 1)
	}), nil); err != nil {
		return cfg, errors.Wrap(err, "load environment")
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, errors.Wrap(err, "unmarshal config")
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Network.DHTListen == "" || c.Network.SessionListen == "" {
		return errors.New("dht_listen and session_listen are required")
	}
	if c.Transfer.ChunkSize == 0 {
		return errors.New("transfer chunk_size must be positive")
	}
	if c.XDP.Enabled {
		if c.XDP.Interface == "" {
			return errors.New("xdp.interface is required when xdp is enabled")
		}
		if c.XDP.FrameSize < 2048 || c.XDP.FrameSize&(c.XDP.FrameSize-1) != 0 {
			return errors.New("xdp.frame_size must be a power of two >= 2048")
		}
	}
	for _, r := range c.Network.Relays {
		if r.URL == "" || len(r.NodeID) != 64 {
			return errors.Errorf("relay entry needs url and 64-hex node_id: %+v", r)
		}
	}
	return nil
}
