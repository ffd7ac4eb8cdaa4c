package config

import "time"

type Config struct {
	Server    ServerConfig
	Heartbeat HeartbeatConfig
	Transport TransportConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	// Timeout is the deadline for a connection to authenticate after the
	// transport is accepted.
	Timeout time.Duration `mapstructure:"timeout"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type HeartbeatConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	PongTimeout time.Duration `mapstructure:"pongTimeout"`
}

type TransportConfig struct {
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	MaxMessageBytes int64         `mapstructure:"maxMessageBytes"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
