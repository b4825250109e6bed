// Package config loads muxd and muxctl TOML files. Keys left out of a file
// keep their defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/muxsession/internal/auth"
	"github.com/danmuck/muxsession/internal/logging"
	"github.com/danmuck/muxsession/internal/protocol/session"
)

// DaemonConfig is the resolved muxd runtime configuration.
type DaemonConfig struct {
	Name          string
	ListenAddr    string
	WSListenAddr  string
	WSPath        string
	AdminAddr     string
	CorsOrigins   []string
	DirectoryPath string
	Watch         bool
	LogLevel      string
	Token         string
	PeerTokens    map[string]string
	Builtins      []string
	Session       session.Config
}

// ClientConfig is the resolved muxctl configuration.
type ClientConfig struct {
	Address string
	Peer    string
	Token   string
	Session session.Config
}

// muxd config.toml key mapping.
type daemonFile struct {
	Name          string            `toml:"name"`
	Addr          string            `toml:"addr"`
	WSAddr        string            `toml:"ws_addr"`
	WSPath        string            `toml:"ws_path"`
	AdminAddr     string            `toml:"admin_addr"`
	CorsOrigins   []string          `toml:"cors_origins"`
	DirectoryPath string            `toml:"directory_path"`
	Watch         bool              `toml:"directory_watch"`
	LogLevel      string            `toml:"log_level"`
	Token         string            `toml:"token"`
	PeerTokens    map[string]string `toml:"peer_tokens"`
	Builtins      []string          `toml:"builtins"`
	Session       sessionFile       `toml:"session"`
}

type clientFile struct {
	Address string      `toml:"address"`
	Peer    string      `toml:"peer"`
	Token   string      `toml:"token"`
	Session sessionFile `toml:"session"`
}

type sessionFile struct {
	ConnectTimeout   string `toml:"connect_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	ReadTimeout      string `toml:"read_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	ResolveTimeout   string `toml:"resolve_timeout"`
	MailboxDepth     int    `toml:"mailbox_depth"`
	MaxPayloadBytes  uint64 `toml:"max_payload_bytes"`
	RetryAttempts    int    `toml:"retry_attempts"`
}

func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Name:        "muxd",
		ListenAddr:  "127.0.0.1:9400",
		WSPath:      "/mux",
		AdminAddr:   "127.0.0.1:9401",
		CorsOrigins: []string{"http://localhost:3000"},
		Watch:       true,
		LogLevel:    "info",
		Builtins:    []string{"echo", "counter"},
		Session:     session.DefaultConfig(),
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address: "127.0.0.1:9400",
		Peer:    "muxctl",
		Session: session.DefaultConfig(),
	}
}

// LoadDaemonConfig reads path over DefaultDaemonConfig and validates the
// result. A relative directory_path resolves against the config's dir.
func LoadDaemonConfig(path string) (DaemonConfig, error) {
	cfg := DefaultDaemonConfig()

	var raw daemonFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("load daemon config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return DaemonConfig{}, fmt.Errorf("load daemon config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("ws_addr") {
		cfg.WSListenAddr = strings.TrimSpace(raw.WSAddr)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("directory_path") {
		cfg.DirectoryPath = resolvePath(path, raw.DirectoryPath)
	}
	if meta.IsDefined("directory_watch") {
		cfg.Watch = raw.Watch
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("peer_tokens") {
		cfg.PeerTokens = raw.PeerTokens
	}
	if meta.IsDefined("builtins") {
		cfg.Builtins = raw.Builtins
	}
	if cfg.Session, err = overlaySession(meta, cfg.Session, raw.Session); err != nil {
		return DaemonConfig{}, fmt.Errorf("load daemon config: %w", err)
	}

	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

// LoadClientConfig reads path over DefaultClientConfig.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("peer") {
		cfg.Peer = strings.TrimSpace(raw.Peer)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if cfg.Session, err = overlaySession(meta, cfg.Session, raw.Session); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return ClientConfig{}, fmt.Errorf("client config missing address")
	}
	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

func overlaySession(meta toml.MetaData, cfg session.Config, raw sessionFile) (session.Config, error) {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"resolve_timeout", raw.ResolveTimeout, &cfg.ResolveTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return session.Config{}, fmt.Errorf("session.%s: %w", d.key, err)
		}
		if v < 0 {
			return session.Config{}, fmt.Errorf("session.%s must not be negative", d.key)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "mailbox_depth") {
		if raw.MailboxDepth <= 0 {
			return session.Config{}, fmt.Errorf("session.mailbox_depth must be positive")
		}
		cfg.MailboxDepth = raw.MailboxDepth
	}
	if meta.IsDefined("session", "max_payload_bytes") {
		cfg.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("session", "retry_attempts") {
		cfg.Backoff.MaxAttempts = raw.RetryAttempts
	}
	return cfg, nil
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("daemon config missing name")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" && strings.TrimSpace(cfg.WSListenAddr) == "" {
		return fmt.Errorf("daemon config needs addr or ws_addr")
	}
	if cfg.WSListenAddr != "" && !strings.HasPrefix(cfg.WSPath, "/") {
		return fmt.Errorf("daemon config ws_path must start with /: %q", cfg.WSPath)
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("daemon config unknown log_level %q", cfg.LogLevel)
	}
	if cfg.Token != "" && len(cfg.PeerTokens) > 0 {
		return fmt.Errorf("daemon config sets both token and peer_tokens")
	}
	for peer, token := range cfg.PeerTokens {
		if strings.TrimSpace(peer) == "" || strings.TrimSpace(token) == "" {
			return fmt.Errorf("daemon config peer_tokens has an empty entry")
		}
	}
	return nil
}

// Validator picks the hello validator the config describes.
func (c DaemonConfig) Validator() auth.Validator {
	switch {
	case len(c.PeerTokens) > 0:
		return auth.PeerTokens(c.PeerTokens)
	case c.Token != "":
		return auth.StaticToken{Token: c.Token}
	default:
		return auth.AllowAll{}
	}
}

func resolvePath(configPath, raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

// exists reports whether path can be stat'ed.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// normalizeOrigins trims entries and drops blanks. An empty result
// disables CORS on the admin surface.
func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
