package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listenAddr: ":9000"
origin: "https://vault.example.com"
tokenSecret: "`+secret+`"
sessionTimeout: 10m
network:
  addUrl: "http://127.0.0.1:5001/api/v0/add"
  gateways: ["https://ipfs.io", "https://dweb.link"]
chain:
  chunkSize: 1024
smtp:
  host: "smtp.example.com"
  from: "vault@example.com"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 10*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, 1024, cfg.Chain.ChunkSize)
	assert.Equal(t, 32*1024, cfg.Chain.MaxPayload, "unset keys keep their default")
	assert.Len(t, cfg.Network.Gateways, 2)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "listenAdress: \":9000\"\n"))
	require.Error(t, err)
}

func TestEnvironmentOverridesSecrets(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		EnvTokenSecret: secret,
		EnvDatabaseDSN: "host=db user=vault",
		EnvServerKey:   "ac0974",
	}
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, secret, cfg.TokenSecret)
	assert.Equal(t, "host=db user=vault", cfg.Database.DSN)
	assert.Equal(t, "ac0974", cfg.Chain.ServerKey)
}

func TestValidateListsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Origin = "vault.example.com"
	cfg.Database.Driver = "postgres"
	cfg.Chain.RPCURL = "http://127.0.0.1:8545"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"origin", "tokenSecret", "database.dsn", "chain.chainId"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSQLiteDSNDefaultsBelowDataPath(t *testing.T) {
	cfg := Default()
	cfg.DataPath = "/var/lib/vault"
	assert.Equal(t, "/var/lib/vault/vault.db", cfg.SQLiteDSN())

	cfg.Database.DSN = "file::memory:"
	assert.Equal(t, "file::memory:", cfg.SQLiteDSN())
}
