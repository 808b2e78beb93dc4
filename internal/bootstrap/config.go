package bootstrap

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultPeerTTL is how long a registration stays listed without refresh.
const DefaultPeerTTL = 2 * time.Minute

// Config captures the bootstrap server settings.
type Config struct {
	Addr     string
	PeerTTL  time.Duration
	RedisURL string
	LogLevel string
}

// SetDefaults registers the bootstrap defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8000")
	v.SetDefault("peer_ttl", DefaultPeerTTL)
	v.SetDefault("redis_url", "")
	v.SetDefault("log.level", "info")
}

// LoadConfig builds a Config from v.
func LoadConfig(v *viper.Viper) *Config {
	cfg := &Config{
		Addr:     v.GetString("addr"),
		PeerTTL:  v.GetDuration("peer_ttl"),
		RedisURL: v.GetString("redis_url"),
		LogLevel: v.GetString("log.level"),
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	return cfg
}
