package config

import "os"

// Environment variables consulted by ApplyEnv.
const (
	EnvSerialA = "COZMO_SERIAL_A"
	EnvSerialB = "COZMO_SERIAL_B"
	EnvBridge  = "COZMO_BRIDGE"
	EnvDB      = "COZMO_DB"
	EnvMode    = "COZMO_MODE"
	EnvRedis   = "REDIS_ADDR"
	EnvLevel   = "LOG_LEVEL"
)

// ApplyEnv overrides file values with any set environment variables.
func (c *Config) ApplyEnv() {
	c.Robots.SerialA = envOr(EnvSerialA, c.Robots.SerialA)
	c.Robots.SerialB = envOr(EnvSerialB, c.Robots.SerialB)
	c.Robots.Bridge = envOr(EnvBridge, c.Robots.Bridge)
	c.Robots.Mode = envOr(EnvMode, c.Robots.Mode)
	c.Store.Path = envOr(EnvDB, c.Store.Path)
	c.Events.RedisAddr = envOr(EnvRedis, c.Events.RedisAddr)
	c.LogLevel = envOr(EnvLevel, c.LogLevel)
}

// envOr returns the value of key, or fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
