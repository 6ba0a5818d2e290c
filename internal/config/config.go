// Package config holds the frozen configuration record the core consumes
// (spec.md §6: "The CLI drives the external collaborators; the core
// consumes only a frozen config record"). CLI flag parsing itself stays an
// external collaborator; this package only defines the record and loads it
// from YAML, the same way the teacher's internal/config.go does.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// UnixSockMax and UnixSockPathTemplate are carried over from
// _examples/original_source/passt.h (UNIX_SOCK_MAX, UNIX_SOCK_PATH):
// the framed listening socket path defaults to "/tmp/passt_<N>.socket"
// unless a path is configured explicitly. cmd/netshim always uses N = 0;
// nothing probes N across [0, UnixSockMax).
const (
	UnixSockMax          = 100
	UnixSockPathTemplate = "/tmp/passt_%d.socket"
)

// Config is the frozen record the core entry points are given. Everything
// under it is immutable for the lifetime of the process.
type Config struct {
	Mode Mode `yaml:"mode"`

	Tap TapConfig `yaml:"tap"`
	TCP TCPConfig `yaml:"tcp"`
	UDP UDPConfig `yaml:"udp"`
	ICMP ICMPConfig `yaml:"icmp"`

	Address  string `yaml:"address"`   // --address
	Gateway  string `yaml:"gateway"`   // --gateway
	DNS      []string `yaml:"dns"`     // --dns (repeatable)
	DNSForward string `yaml:"dns_forward"` // --dns-forward

	NoMapGW bool `yaml:"no_map_gw"`

	IPv4Only bool `yaml:"ipv4_only"`
	IPv6Only bool `yaml:"ipv6_only"`

	OneOff bool `yaml:"one_off"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Mode distinguishes passt (qemu-facing unix socket) from pasta (namespace
// tap device) operation, per original_source/passt.h's enum passt_modes.
type Mode uint8

const (
	ModePasst Mode = iota
	ModePasta
)

// TapConfig describes the external (§6) tap transport.
type TapConfig struct {
	Framed      bool   `yaml:"framed"`       // stream socket, length-prefixed frames
	SocketPath  string `yaml:"socket_path"`  // empty = probe /tmp/passt_<N>.socket
	Device      string `yaml:"device"`       // raw TUN/TAP character device
	MTU         int    `yaml:"mtu"`          // 0 = ROUND_DOWN(MAX_MTU-EthHdr, 4)
}

// TCPConfig carries the TCP engine's tunables.
type TCPConfig struct {
	Disabled      bool          `yaml:"disabled"`
	SockPoolSize  int           `yaml:"sock_pool_size"` // TCP_SOCK_POOL_SIZE, default 8
	PortForwardIn string        `yaml:"port_forward_in"`  // -t
	PortForwardOut string       `yaml:"port_forward_out"` // -T
	AckInterval   time.Duration `yaml:"ack_interval"`     // default 10ms
	SynTimeout    time.Duration `yaml:"syn_timeout"`      // default 10s
	AckTimeout    time.Duration `yaml:"ack_timeout"`      // default 2s
	FinTimeout    time.Duration `yaml:"fin_timeout"`      // default 60s
	ActivityTimeout time.Duration `yaml:"activity_timeout"` // default 7200s
	MaxRetrans    int           `yaml:"max_retrans"`      // default 3
}

// UDPConfig carries the UDP engine's tunables.
type UDPConfig struct {
	Disabled       bool          `yaml:"disabled"`
	PortForwardIn  string        `yaml:"port_forward_in"`  // -u
	PortForwardOut string        `yaml:"port_forward_out"` // -U
	ConnTimeout    time.Duration `yaml:"conn_timeout"`     // UDP_CONN_TIMEOUT, default 180s
}

// ICMPConfig carries the ICMP engine's tunables.
type ICMPConfig struct {
	Disabled bool `yaml:"disabled"`
}

// defaults applies the defaults named in spec.md §6 and §4, the same way
// LoadConfig in the teacher's internal/config.go backfills zero values.
func (c *Config) defaults() {
	if c.Tap.MTU == 0 {
		const ethHdr = 14
		const maxMTU = 65521
		c.Tap.MTU = ((maxMTU - ethHdr) / 4) * 4
	}
	if c.TCP.SockPoolSize == 0 {
		c.TCP.SockPoolSize = 8
	}
	if c.TCP.AckInterval == 0 {
		c.TCP.AckInterval = 10 * time.Millisecond
	}
	if c.TCP.SynTimeout == 0 {
		c.TCP.SynTimeout = 10 * time.Second
	}
	if c.TCP.AckTimeout == 0 {
		c.TCP.AckTimeout = 2 * time.Second
	}
	if c.TCP.FinTimeout == 0 {
		c.TCP.FinTimeout = 60 * time.Second
	}
	if c.TCP.ActivityTimeout == 0 {
		c.TCP.ActivityTimeout = 7200 * time.Second
	}
	if c.TCP.MaxRetrans == 0 {
		c.TCP.MaxRetrans = 3
	}
	if c.UDP.ConnTimeout == 0 {
		c.UDP.ConnTimeout = 180 * time.Second
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "127.0.0.1:9090"
	}
}

// Load reads and validates a YAML config file, applying the defaults of
// spec.md §6.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	c.defaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.IPv4Only && c.IPv6Only {
		return fmt.Errorf("ipv4_only and ipv6_only are mutually exclusive")
	}
	if !c.Tap.Framed && c.Tap.Device == "" {
		return fmt.Errorf("tap: either framed mode or a device must be configured")
	}
	return nil
}

// ListenSocketPath returns the path the framed listener should bind, per
// spec.md §6: an explicit SocketPath, or "/tmp/passt_<N>.socket" for
// N = probeIndex. It does not look at the filesystem.
func (c *Config) ListenSocketPath(probeIndex int) string {
	if c.Tap.SocketPath != "" {
		return c.Tap.SocketPath
	}
	return fmt.Sprintf(UnixSockPathTemplate, probeIndex)
}
