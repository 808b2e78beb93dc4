package peer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.Set("data_dir", t.TempDir())
	return v
}

func TestLoadConfigDefaults(t *testing.T) {
	v := testViper(t)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9001", cfg.ListenAddr)
	assert.Equal(t, filepath.Join(cfg.DataDir, "127-0-0-1-9001"), cfg.PeerDir)
	assert.Equal(t, filepath.Join(cfg.PeerDir, "identity.key"), cfg.IdentityPath)
	assert.Equal(t, filepath.Join(cfg.PeerDir, "ledger.db"), cfg.LedgerPath)
	assert.Equal(t, []string{".mp4", ".webm", ".mkv"}, cfg.Extensions)
	assert.Equal(t, 1, cfg.CacheRadius)
	assert.Equal(t, 5*time.Minute, cfg.PeerTTL)
	assert.Equal(t, 5*time.Second, cfg.DialBackoff)
	assert.Equal(t, 2*time.Minute, cfg.DialMaxBackoff)
	assert.Equal(t, 15*time.Second, cfg.DialRecheck)
	assert.Equal(t, int64(10), cfg.InitialTokens)
	assert.False(t, cfg.APIEnabled)
	assert.DirExists(t, cfg.PeerDir)
}

func TestLoadConfigLevelDBPath(t *testing.T) {
	v := testViper(t)
	v.Set("ledger.backend", "leveldb")
	v.Set("listen", "10.0.0.5:7000")
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.DataDir, "10-0-0-5-7000", "ledger.ldb"), cfg.LedgerPath)
}

func TestLoadConfigRejectsNegativeBalance(t *testing.T) {
	v := testViper(t)
	v.Set("wallet.initial_balance", -1)
	_, err := LoadConfig(v)
	assert.Error(t, err)
}

func TestNewViperReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(file, []byte("port: 9100\ncache:\n  radius: 2\napi:\n  enabled: true\n"), 0o644))
	t.Setenv("SWARMFEED_CACHE_RADIUS", "3")
	t.Setenv("SWARMFEED_DATA_DIR", dir)

	v, err := NewViper(file)
	require.NoError(t, err)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 3, cfg.CacheRadius)
	assert.True(t, cfg.APIEnabled)
	assert.Equal(t, dir, cfg.DataDir)

	_, err = NewViper(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDerivePeerDir(t *testing.T) {
	assert.Equal(t, filepath.Join("base", "peer-peer"), derivePeerDir("base", ""))
	assert.Equal(t, filepath.Join(".", "host-80"), derivePeerDir("", "host:80"))
	assert.Equal(t, filepath.Join("base", "fe80--1-9000"), derivePeerDir("base", "[fe80::1]:9000"))
	assert.Equal(t, "peer", sanitizePathToken(" !! "))
}

func TestIssueTokenUsesNodeIdentity(t *testing.T) {
	cfg, err := LoadConfig(testViper(t))
	require.NoError(t, err)
	first, err := IssueToken(cfg)
	require.NoError(t, err)
	second, err := IssueToken(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
	assert.FileExists(t, cfg.IdentityPath)
}
