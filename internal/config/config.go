package config

import (
	"time"

	"github.com/HMasataka/relay/internal/logging"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Liveness  LivenessConfig  `json:"liveness" yaml:"liveness"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Blob      BlobConfig      `json:"blob" yaml:"blob"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Logging   logging.Config  `json:"logging" yaml:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// TransportConfig represents per-connection websocket settings
type TransportConfig struct {
	WriteTimeout   Duration `json:"write_timeout" yaml:"write_timeout"`
	SendBuffer     int      `json:"send_buffer" yaml:"send_buffer"`
	InboundBuffer  int      `json:"inbound_buffer" yaml:"inbound_buffer"`
	MaxMessageSize int64    `json:"max_message_size" yaml:"max_message_size"`
}

// LivenessConfig represents heartbeat settings
type LivenessConfig struct {
	PingInterval Duration `json:"ping_interval" yaml:"ping_interval"`
	PongDeadline Duration `json:"pong_deadline" yaml:"pong_deadline"`
}

// AuthConfig represents token verification settings
type AuthConfig struct {
	JWTSecret  string `json:"jwt_secret" yaml:"jwt_secret"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

// StoreConfig selects and configures the message store
type StoreConfig struct {
	Driver     string   `json:"driver" yaml:"driver"`
	MongoURI   string   `json:"mongo_uri" yaml:"mongo_uri"`
	Database   string   `json:"database" yaml:"database"`
	Collection string   `json:"collection" yaml:"collection"`
	Timeout    Duration `json:"timeout" yaml:"timeout"`
}

// BlobConfig selects and configures the blob store
type BlobConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Dir    string `json:"dir" yaml:"dir"`
	Bucket string `json:"bucket" yaml:"bucket"`
}

// RedisConfig configures the presence mirror
type RedisConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Addr      string   `json:"addr" yaml:"addr"`
	Password  string   `json:"password" yaml:"password"`
	DB        int      `json:"db" yaml:"db"`
	KeyPrefix string   `json:"key_prefix" yaml:"key_prefix"`
	TTL       Duration `json:"ttl" yaml:"ttl"`
}

const (
	StoreDriverMemory = "memory"
	StoreDriverMongo  = "mongo"

	BlobDriverDisk   = "disk"
	BlobDriverGridFS = "gridfs"
)

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            4000,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Transport: TransportConfig{
			WriteTimeout:   Duration(10 * time.Second),
			SendBuffer:     256,
			InboundBuffer:  64,
			MaxMessageSize: 16 << 20,
		},
		Liveness: LivenessConfig{
			PingInterval: Duration(5 * time.Second),
			PongDeadline: Duration(time.Second),
		},
		Auth: AuthConfig{
			CookieName: "token",
		},
		Store: StoreConfig{
			Driver:     StoreDriverMemory,
			Database:   "relay",
			Collection: "messages",
			Timeout:    Duration(5 * time.Second),
		},
		Blob: BlobConfig{
			Driver: BlobDriverDisk,
			Dir:    "uploads",
			Bucket: "uploads",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "relay",
			TTL:       Duration(time.Minute),
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigError("server.port", "invalid port number")
	}

	if c.Server.ReadTimeout < 0 {
		return NewConfigError("server.read_timeout", "timeout cannot be negative")
	}

	if c.Server.WriteTimeout < 0 {
		return NewConfigError("server.write_timeout", "timeout cannot be negative")
	}

	if c.Transport.SendBuffer <= 0 {
		return NewConfigError("transport.send_buffer", "must be positive")
	}

	if c.Transport.InboundBuffer <= 0 {
		return NewConfigError("transport.inbound_buffer", "must be positive")
	}

	if c.Transport.MaxMessageSize <= 0 {
		return NewConfigError("transport.max_message_size", "must be positive")
	}

	if c.Liveness.PingInterval <= 0 || c.Liveness.PongDeadline <= 0 {
		return NewConfigError("liveness", "ping interval and pong deadline must be positive")
	}

	if c.Liveness.PongDeadline >= c.Liveness.PingInterval {
		return NewConfigError("liveness.pong_deadline", "must be shorter than ping_interval")
	}

	if c.Auth.JWTSecret == "" {
		return NewConfigError("auth.jwt_secret", "secret is required")
	}

	if c.Auth.CookieName == "" {
		return NewConfigError("auth.cookie_name", "cookie name is required")
	}

	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverMongo:
		if c.Store.MongoURI == "" {
			return NewConfigError("store.mongo_uri", "required for the mongo driver")
		}
	default:
		return NewConfigError("store.driver", "unknown driver "+c.Store.Driver)
	}

	switch c.Blob.Driver {
	case BlobDriverDisk:
		if c.Blob.Dir == "" {
			return NewConfigError("blob.dir", "directory is required for the disk driver")
		}
	case BlobDriverGridFS:
		if c.Store.MongoURI == "" {
			return NewConfigError("store.mongo_uri", "required for the gridfs blob driver")
		}
	default:
		return NewConfigError("blob.driver", "unknown driver "+c.Blob.Driver)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return NewConfigError("redis.addr", "address is required when the mirror is enabled")
	}

	return nil
}

// Addr returns the listen address of the HTTP server
func (c *Config) Addr() string {
	return c.Server.Host + ":" + itoa(c.Server.Port)
}
