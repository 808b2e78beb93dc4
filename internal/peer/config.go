package peer

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SWARMFEED_API_ADDR.
const EnvPrefix = "SWARMFEED"

// Config holds the node settings resolved from defaults, an optional YAML
// file, the environment and CLI flags.
type Config struct {
	ListenAddr   string
	Port         int
	BootstrapURL string
	Secret       string
	DataDir      string
	PeerDir      string
	IdentityPath string
	Blocklist    []string

	PollInterval   time.Duration
	GossipInterval time.Duration
	SyncInterval   time.Duration
	RefreshEvery   time.Duration
	PeerTTL        time.Duration
	DialBackoff    time.Duration
	DialMaxBackoff time.Duration
	DialRecheck    time.Duration

	CacheRadius   int
	CachePoll     time.Duration
	Extensions    []string
	TorrentDir    string
	MediaDir      string
	TorrentPort   int
	Seed          bool
	CatalogPath   string
	WalletPath    string
	InitialTokens int64
	LedgerBackend string
	LedgerPath    string

	APIEnabled  bool
	APIAddr     string
	APISecret   string
	APITokenTTL time.Duration

	LogLevel string
	LogFile  string
	LogJSON  bool
}

// SetDefaults registers every node default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", "")
	v.SetDefault("port", 9001)
	v.SetDefault("bootstrap", "http://127.0.0.1:8000")
	v.SetDefault("secret", "")
	v.SetDefault("data_dir", "swarmfeed-data")
	v.SetDefault("identity", "")
	v.SetDefault("blocklist", []string{})

	v.SetDefault("overlay.poll_interval", 10*time.Second)
	v.SetDefault("overlay.gossip_interval", 15*time.Second)
	v.SetDefault("overlay.sync_interval", 15*time.Second)
	v.SetDefault("overlay.refresh_interval", 3*time.Second)
	v.SetDefault("overlay.peer_ttl", 5*time.Minute)
	v.SetDefault("overlay.dial_backoff", 5*time.Second)
	v.SetDefault("overlay.dial_max_backoff", 2*time.Minute)
	v.SetDefault("overlay.dial_recheck", 15*time.Second)

	v.SetDefault("cache.radius", 1)
	v.SetDefault("cache.poll_interval", 100*time.Millisecond)
	v.SetDefault("cache.extensions", []string{".mp4", ".webm", ".mkv"})
	v.SetDefault("cache.torrent_dir", "")
	v.SetDefault("cache.media_dir", "")
	v.SetDefault("cache.torrent_port", 0)
	v.SetDefault("cache.seed", true)
	v.SetDefault("cache.catalog", "")

	v.SetDefault("wallet.path", "")
	v.SetDefault("wallet.initial_balance", 10)

	v.SetDefault("ledger.backend", "bolt")
	v.SetDefault("ledger.path", "")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", "127.0.0.1:8081")
	v.SetDefault("api.secret", "")
	v.SetDefault("api.token_ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.json", false)
}

// NewViper loads .env (when present), wires SWARMFEED_* env overrides and
// reads configFile when non-empty.
func NewViper(configFile string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// LoadConfig resolves a Config from v and derives per-peer paths.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ListenAddr:     v.GetString("listen"),
		Port:           v.GetInt("port"),
		BootstrapURL:   v.GetString("bootstrap"),
		Secret:         v.GetString("secret"),
		DataDir:        v.GetString("data_dir"),
		IdentityPath:   v.GetString("identity"),
		Blocklist:      v.GetStringSlice("blocklist"),
		PollInterval:   v.GetDuration("overlay.poll_interval"),
		GossipInterval: v.GetDuration("overlay.gossip_interval"),
		SyncInterval:   v.GetDuration("overlay.sync_interval"),
		RefreshEvery:   v.GetDuration("overlay.refresh_interval"),
		PeerTTL:        v.GetDuration("overlay.peer_ttl"),
		DialBackoff:    v.GetDuration("overlay.dial_backoff"),
		DialMaxBackoff: v.GetDuration("overlay.dial_max_backoff"),
		DialRecheck:    v.GetDuration("overlay.dial_recheck"),
		CacheRadius:    v.GetInt("cache.radius"),
		CachePoll:      v.GetDuration("cache.poll_interval"),
		Extensions:     v.GetStringSlice("cache.extensions"),
		TorrentDir:     v.GetString("cache.torrent_dir"),
		MediaDir:       v.GetString("cache.media_dir"),
		TorrentPort:    v.GetInt("cache.torrent_port"),
		Seed:           v.GetBool("cache.seed"),
		CatalogPath:    v.GetString("cache.catalog"),
		WalletPath:     v.GetString("wallet.path"),
		InitialTokens:  v.GetInt64("wallet.initial_balance"),
		LedgerBackend:  v.GetString("ledger.backend"),
		LedgerPath:     v.GetString("ledger.path"),
		APIEnabled:     v.GetBool("api.enabled"),
		APIAddr:        v.GetString("api.addr"),
		APISecret:      v.GetString("api.secret"),
		APITokenTTL:    v.GetDuration("api.token_ttl"),
		LogLevel:       v.GetString("log.level"),
		LogFile:        v.GetString("log.file"),
		LogJSON:        v.GetBool("log.json"),
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
	if cfg.InitialTokens < 0 {
		return nil, fmt.Errorf("wallet.initial_balance must not be negative")
	}
	if err := cfg.ensureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) ensureDirs() error {
	if cfg.DataDir == "" {
		cfg.DataDir = "swarmfeed-data"
	}
	cfg.PeerDir = derivePeerDir(cfg.DataDir, cfg.ListenAddr)
	if err := os.MkdirAll(cfg.PeerDir, 0o755); err != nil {
		return fmt.Errorf("prepare peer dir: %w", err)
	}
	defaultPath(&cfg.IdentityPath, cfg.PeerDir, "identity.key")
	defaultPath(&cfg.TorrentDir, cfg.PeerDir, "torrents")
	defaultPath(&cfg.MediaDir, cfg.PeerDir, "media")
	defaultPath(&cfg.CatalogPath, cfg.PeerDir, "catalog.db")
	defaultPath(&cfg.WalletPath, cfg.PeerDir, "wallets.db")
	if cfg.LedgerPath == "" {
		name := "ledger.db"
		if cfg.LedgerBackend == "leveldb" {
			name = "ledger.ldb"
		}
		cfg.LedgerPath = filepath.Join(cfg.PeerDir, name)
	}
	return nil
}

func defaultPath(dst *string, dir, name string) {
	if *dst == "" {
		*dst = filepath.Join(dir, name)
	}
}

func derivePeerDir(base, addr string) string {
	if base == "" {
		base = "."
	}
	hostPart := "peer"
	portPart := "peer"
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host != "" {
			hostPart = sanitizePathToken(host)
		}
		if port != "" {
			portPart = sanitizePathToken(port)
		}
	} else if addr != "" {
		hostPart = sanitizePathToken(strings.ReplaceAll(addr, ":", "_"))
	}
	return filepath.Join(base, hostPart+"-"+portPart)
}

func sanitizePathToken(val string) string {
	val = strings.TrimSpace(val)
	var b strings.Builder
	for _, r := range val {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.', r == ':':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "peer"
	}
	return b.String()
}
