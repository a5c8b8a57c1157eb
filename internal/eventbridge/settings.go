package eventbridge

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/flowstate/internal/config"
)

const (
	// DefaultHost is the loopback interface used when no host override is provided.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the default TCP port for the bridge server.
	DefaultPort = 8765
	// DefaultMaxBodyBytes limits request payloads to 1 MB.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultReadTimeout guards hung clients.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds handler writes.
	DefaultWriteTimeout = 15 * time.Second
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
)

// Settings captures runtime configuration for the HTTP event bridge server
// and the router behind it.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// QueueSize is the channel capacity of each execution follower.
	QueueSize int
	// Backlog caps the reports kept for an execution nobody follows yet.
	Backlog int
	// DedupeWindow is how many recent event ids are remembered.
	DedupeWindow int
}

// SettingsFromConfig builds Settings from the bridge section of the project
// config, then applies the FLOWSTATE_BRIDGE_* environment overrides.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := defaultSettings()
	if cfg != nil {
		settings.merge(cfg.Project.Bridge)
	}
	settings.applyEnvOverrides()
	settings.normalize()
	return settings
}

func defaultSettings() Settings {
	return Settings{
		Enabled:      true,
		Host:         DefaultHost,
		Port:         DefaultPort,
		MaxBodyBytes: DefaultMaxBodyBytes,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
		QueueSize:    defaultSubscriberCapacity,
		Backlog:      defaultBacklogLimit,
		DedupeWindow: defaultDedupeWindow,
	}
}

// merge copies every field the config section sets; zero values keep the
// defaults.
func (s *Settings) merge(raw config.BridgeConfig) {
	if raw.Enabled != nil {
		s.Enabled = *raw.Enabled
	}
	if host := strings.TrimSpace(raw.Host); host != "" {
		s.Host = host
	}
	if isValidPort(raw.Port) {
		s.Port = raw.Port
	}
	if raw.MaxBodyBytes > 0 {
		s.MaxBodyBytes = raw.MaxBodyBytes
	}
	if raw.ReadTimeout > 0 {
		s.ReadTimeout = raw.ReadTimeout
	}
	if raw.WriteTimeout > 0 {
		s.WriteTimeout = raw.WriteTimeout
	}
	if raw.IdleTimeout > 0 {
		s.IdleTimeout = raw.IdleTimeout
	}
	if raw.QueueSize > 0 {
		s.QueueSize = raw.QueueSize
	}
	if raw.Backlog > 0 {
		s.Backlog = raw.Backlog
	}
	if raw.DedupeWindow > 0 {
		s.DedupeWindow = raw.DedupeWindow
	}
}

// applyEnvOverrides reads FLOWSTATE_BRIDGE_ENABLED, _HOST, _PORT,
// _MAX_BODY_BYTES and _BACKLOG. Unparsable values are ignored.
func (s *Settings) applyEnvOverrides() {
	if s == nil {
		return
	}
	if value := strings.TrimSpace(os.Getenv("FLOWSTATE_BRIDGE_ENABLED")); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			s.Enabled = enabled
		}
	}
	if host := strings.TrimSpace(os.Getenv("FLOWSTATE_BRIDGE_HOST")); host != "" {
		s.Host = host
	}
	if port := strings.TrimSpace(os.Getenv("FLOWSTATE_BRIDGE_PORT")); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && isValidPort(parsed) {
			s.Port = parsed
		}
	}
	if size := strings.TrimSpace(os.Getenv("FLOWSTATE_BRIDGE_MAX_BODY_BYTES")); size != "" {
		if parsed, err := strconv.ParseInt(size, 10, 64); err == nil && parsed > 0 {
			s.MaxBodyBytes = parsed
		}
	}
	if backlog := strings.TrimSpace(os.Getenv("FLOWSTATE_BRIDGE_BACKLOG")); backlog != "" {
		if parsed, err := strconv.Atoi(backlog); err == nil && parsed > 0 {
			s.Backlog = parsed
		}
	}
}

func (s *Settings) normalize() {
	if s == nil {
		return
	}
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if !isValidPort(s.Port) {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.QueueSize <= 0 {
		s.QueueSize = defaultSubscriberCapacity
	}
	if s.Backlog <= 0 {
		s.Backlog = defaultBacklogLimit
	}
	if s.DedupeWindow <= 0 {
		s.DedupeWindow = defaultDedupeWindow
	}
}

// RouterOptions turns the queueing settings into router options.
func (s Settings) RouterOptions(logger Logger) []RouterOption {
	return []RouterOption{
		RouterWithLogger(logger),
		RouterWithSubscriberCapacity(s.QueueSize),
		RouterWithBacklogLimit(s.Backlog),
		RouterWithDedupeWindow(s.DedupeWindow),
	}
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
