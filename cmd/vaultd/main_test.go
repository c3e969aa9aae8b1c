package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/pkg/config"
	"github.com/i5heu/ouroboros-vault/pkg/session"
	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

func devConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DataPath = t.TempDir()
	cfg.TokenSecret = "0123456789abcdef0123456789abcdef"
	cfg.Local.MinimumFreeSpace = 0
	cfg.Chain.DevLedger = true
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildWiresEveryTier(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := build(context.Background(), devConfig(t), logger)
	require.NoError(t, err)

	assert.Equal(t, []storage.Tag{storage.TagNetwork, storage.TagChain, storage.TagLocal, storage.TagRelational}, st.router.Order())

	ctx := context.Background()
	sess := session.NewManager(time.Minute, nil, logger)
	_, s, err := sess.Login("owner@example.com", "pw")
	require.NoError(t, err)
	mk, err := s.MasterKey()
	require.NoError(t, err)

	up, err := st.vault.Upload(ctx, vault.UploadRequest{Owner: s.Identity(), MasterKey: mk, Name: "a.txt", Content: []byte("dev ledger")})
	require.NoError(t, err)
	assert.Equal(t, storage.TagChain, up.File.StorageType, "network tier is not configured")
	up.Registration.Wait()

	got, err := st.vault.Retrieve(ctx, s.Identity(), mk, up.File.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("dev ledger"), got.Content)

	require.NoError(t, st.vault.Close(ctx))
	require.NoError(t, st.close())
}

func TestBuildWithoutDevLedgerFallsToLocal(t *testing.T) {
	cfg := devConfig(t)
	cfg.Chain.DevLedger = false
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := build(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.close() })

	sess := session.NewManager(time.Minute, nil, logger)
	_, s, err := sess.Login("owner@example.com", "pw")
	require.NoError(t, err)
	mk, err := s.MasterKey()
	require.NoError(t, err)

	up, err := st.vault.Upload(context.Background(), vault.UploadRequest{Owner: s.Identity(), MasterKey: mk, Content: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, storage.TagLocal, up.File.StorageType)
	assert.Len(t, up.Skipped, 2)

	require.NoError(t, st.maintain(logger))
	used, err := st.local.Usage()
	require.NoError(t, err)
	assert.Positive(t, used)
	require.NoError(t, st.vault.Close(context.Background()))
}

func TestFlagsOverrideConfig(t *testing.T) {
	cfg := config.Default()
	daemonFlags{dataPath: "/srv/vault", listenAddr: ":9999", origin: "https://v.example", debug: true}.apply(&cfg)

	assert.Equal(t, "/srv/vault", cfg.DataPath)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "https://v.example", cfg.Origin)
	assert.Equal(t, "debug", cfg.LogLevel)

	before := cfg
	daemonFlags{}.apply(&cfg)
	assert.Equal(t, before, cfg)
}
