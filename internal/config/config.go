// Package config loads and reloads the server's per-vhost configuration
// file. It uses strict YAML decoding (unknown fields rejected) and explicit
// defaults, the same discipline the rest of the example pack uses for its
// configuration layer.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file: listener addresses, the pid
// file path, and one Policy per virtual host.
type Config struct {
	Listen  ListenConfig       `yaml:"listen"`
	PIDFile string             `yaml:"pid_file,omitempty"`
	Vhosts  map[string]*Vhost `yaml:"vhosts"`
}

// ListenConfig holds the bind address for each listener fabric type. An
// empty address disables that listener.
type ListenConfig struct {
	RTMP      string `yaml:"rtmp"`
	HTTPAPI   string `yaml:"http_api,omitempty"`
	HTTPFLV   string `yaml:"http_flv,omitempty"`
	MpegTSUDP string `yaml:"mpegts_udp,omitempty"`
	RTSP      string `yaml:"rtsp,omitempty"`
}

// Vhost is the reloadable policy for one virtual host: merged-write
// batching knobs, timeout policing, admission rules, edge origin list, and
// lifecycle hooks.
type Vhost struct {
	// Merged-write / transmission knobs (spec's mw_sleep / mw_enabled /
	// send_min_interval / realtime / tcp_nodelay).
	MWSleepMS         int64 `yaml:"mw_sleep_ms"`
	MWEnabled         *bool `yaml:"mw_enabled,omitempty"`
	SendMinIntervalMS int64 `yaml:"send_min_interval_ms,omitempty"`
	Realtime          bool  `yaml:"realtime,omitempty"`
	TCPNoDelay        bool  `yaml:"tcp_nodelay,omitempty"`
	GopCacheEnabled   bool  `yaml:"gop_cache,omitempty"`

	// Publish timeout policing (spec's first-packet vs normal timeout).
	FirstPacketTimeoutMS   int64 `yaml:"first_packet_timeout_ms"`
	PublishNormalTimeoutMS int64 `yaml:"publish_normal_timeout_ms"`

	// Admission control.
	Refer         string   `yaml:"refer,omitempty"`
	AllowPublish  *bool    `yaml:"allow_publish,omitempty"`
	OriginServers []string `yaml:"origin,omitempty"` // edge token-traverse upstreams

	// Lifecycle hooks. Each slot is a list of targets invoked in order;
	// on_connect/on_publish/on_play are synchronous and fatal-on-reject,
	// the rest are asynchronous fire-and-forget (see internal/rtmp/server/hooks).
	Hooks HookConfig `yaml:"hooks,omitempty"`
}

// HookConfig lists the hook targets (shell commands or webhook URLs) for
// each lifecycle event.
type HookConfig struct {
	OnConnect   []string `yaml:"on_connect,omitempty"`
	OnClose     []string `yaml:"on_close,omitempty"`
	OnPublish   []string `yaml:"on_publish,omitempty"`
	OnUnpublish []string `yaml:"on_unpublish,omitempty"`
	OnPlay      []string `yaml:"on_play,omitempty"`
	OnStop      []string `yaml:"on_stop,omitempty"`
}

// MWSleep returns the configured merged-write sleep duration, with
// realtime and send_min_interval precedence resolved: realtime forces zero
// sleep, otherwise the configured sleep is floored by send_min_interval.
func (v *Vhost) MWSleep() time.Duration {
	if v.Realtime {
		return 0
	}
	sleep := v.MWSleepMS
	if v.SendMinIntervalMS > sleep {
		sleep = v.SendMinIntervalMS
	}
	return time.Duration(sleep) * time.Millisecond
}

// MergedWriteEnabled reports whether merged-write batching is on for this
// vhost; defaults to true when the field was omitted from the config file.
func (v *Vhost) MergedWriteEnabled() bool {
	return v.MWEnabled == nil || *v.MWEnabled
}

// PublishAllowed reports whether publishing is permitted for this vhost;
// defaults to true when the field was omitted from the config file.
func (v *Vhost) PublishAllowed() bool {
	return v.AllowPublish == nil || *v.AllowPublish
}

// FirstPacketTimeout returns the configured first-packet publish timeout.
func (v *Vhost) FirstPacketTimeout() time.Duration {
	return time.Duration(v.FirstPacketTimeoutMS) * time.Millisecond
}

// PublishNormalTimeout returns the configured steady-state publish timeout.
func (v *Vhost) PublishNormalTimeout() time.Duration {
	return time.Duration(v.PublishNormalTimeoutMS) * time.Millisecond
}

// DefaultVhostName is the key used for the implicit vhost matched when a
// connecting client's tcUrl names no configured vhost.
const DefaultVhostName = "__defaultVhost__"

// Load reads and strictly decodes the configuration file at path, then
// applies defaults to every vhost that omitted a field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Listen.RTMP == "" {
		c.Listen.RTMP = ":1935"
	}
	if c.PIDFile == "" {
		c.PIDFile = "/var/run/rtmp-server.pid"
	}
	if c.Vhosts == nil {
		c.Vhosts = make(map[string]*Vhost)
	}
	if _, ok := c.Vhosts[DefaultVhostName]; !ok {
		c.Vhosts[DefaultVhostName] = &Vhost{}
	}
	for _, v := range c.Vhosts {
		v.setDefaults()
	}
}

func (v *Vhost) setDefaults() {
	if v.MWSleepMS == 0 {
		v.MWSleepMS = 350
	}
	if v.FirstPacketTimeoutMS == 0 {
		v.FirstPacketTimeoutMS = 20_000
	}
	if v.PublishNormalTimeoutMS == 0 {
		v.PublishNormalTimeoutMS = 5_000
	}
}

func (c *Config) validate() error {
	for name, v := range c.Vhosts {
		if v.FirstPacketTimeoutMS <= 0 {
			return fmt.Errorf("vhost %q: first_packet_timeout_ms must be > 0", name)
		}
		if v.PublishNormalTimeoutMS <= 0 {
			return fmt.Errorf("vhost %q: publish_normal_timeout_ms must be > 0", name)
		}
	}
	return nil
}

// VhostFor resolves the vhost policy for a connect-time application name or
// tcUrl host, falling back to the default vhost.
func (c *Config) VhostFor(name string) *Vhost {
	if v, ok := c.Vhosts[name]; ok {
		return v
	}
	return c.Vhosts[DefaultVhostName]
}
