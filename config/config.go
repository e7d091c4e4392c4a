package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Debugger  DebuggerConfig  `yaml:"debugger"`
	Session   SessionConfig   `yaml:"session"`
	SourceMap SourceMapConfig `yaml:"sourcemap"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type WebSocketConfig struct {
	// IdleTimeout closes a session that has had no viewers attached for this long. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	SendBuffer  int           `yaml:"send_buffer"`
}

// DebuggerConfig describes how to reach the remote debugger backend.
type DebuggerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ConnectTimeout bounds a single dial attempt. Zero means no timeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ConnectRetries is the number of extra dial attempts after the first one fails.
	ConnectRetries int `yaml:"connect_retries"`
	// MaxFrameSize caps a single pending frame in bytes. Zero means unbounded.
	MaxFrameSize int `yaml:"max_frame_size"`
}

// SessionConfig is the launcher surface: which script to run under the debugger, if any.
type SessionConfig struct {
	FwdIO bool   `yaml:"fwdio"`
	Brk   bool   `yaml:"brk"`
	File  string `yaml:"file"`
	Node  string `yaml:"node"`

	// NodeArgs go before the debug flag, Args after the script.
	NodeArgs []string `yaml:"node_args"`
	Args     []string `yaml:"args"`
}

type SourceMapConfig struct {
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// AllowFile lets viewers translate through file: maps on the server's disk.
	AllowFile bool `yaml:"allow_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		WebSocket: WebSocketConfig{
			IdleTimeout: 1 * time.Hour,
			SendBuffer:  256,
		},
		Debugger: DebuggerConfig{
			Host: "127.0.0.1",
			Port: 5858,
		},
		Session: SessionConfig{
			Node: "node",
		},
		SourceMap: SourceMapConfig{
			FetchTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load config from yml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Debugger.Port <= 0 || c.Debugger.Port > 65535 {
		return fmt.Errorf("debugger.port %d out of range", c.Debugger.Port)
	}
	if c.Debugger.ConnectTimeout < 0 {
		return fmt.Errorf("debugger.connect_timeout must not be negative")
	}
	if c.Debugger.ConnectRetries < 0 {
		return fmt.Errorf("debugger.connect_retries must not be negative")
	}
	if c.Debugger.MaxFrameSize < 0 {
		return fmt.Errorf("debugger.max_frame_size must not be negative")
	}
	if c.WebSocket.IdleTimeout < 0 {
		return fmt.Errorf("websocket.idle_timeout must not be negative")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_buffer must be positive")
	}
	if c.SourceMap.FetchTimeout < 0 {
		return fmt.Errorf("sourcemap.fetch_timeout must not be negative")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of console, json", c.Logging.Format)
	}
	return nil
}

// Address is the host:port of the debugger backend.
func (d DebuggerConfig) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// SetWebPort rewrites the listen address to the given port, keeping the host.
func (s *ServerConfig) SetWebPort(port int) {
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		host = ""
	}
	s.Addr = net.JoinHostPort(host, strconv.Itoa(port))
}
