package vault

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/i5heu/ouroboros-vault/internal/mailer"
	"github.com/i5heu/ouroboros-vault/pkg/accessToken"
	"github.com/i5heu/ouroboros-vault/pkg/chainMirror"
	"github.com/i5heu/ouroboros-vault/pkg/clock"
	"github.com/i5heu/ouroboros-vault/pkg/model"
	"github.com/i5heu/ouroboros-vault/pkg/permission"
	"github.com/i5heu/ouroboros-vault/pkg/storage"
	workerpool "github.com/i5heu/ouroboros-vault/pkg/workerPool"
)

// Datastore is the relational collaborator of the vault. *database.DB
// implements it.
type Datastore interface {
	permission.Store
	chainMirror.Recorder

	CreateFile(ctx context.Context, f *model.FileRecord) error
	ListFiles(ctx context.Context, ownerID string) ([]model.FileRecord, error)
	MarkChainRegistered(ctx context.Context, id, chainFileID, txRef string) error
	SetPermissionChainTx(ctx context.Context, id uint64, txRef string) error
	DeleteFilePermissions(ctx context.Context, fileID string) (int64, error)
	MirrorRecords(ctx context.Context, fileID string) ([]model.MirrorRecord, error)
}

// ScanResult is the advisory annotation of an upload.
type ScanResult struct {
	RiskLevel string
	Issues    []string
}

// Scanner is an optional advisory security scan. Its failure never blocks an
// upload.
type Scanner interface {
	Scan(ctx context.Context, name string, size int64, mime string) (ScanResult, error)
}

// Config wires the vault. Datastore, Router and Tokens are required.
type Config struct {
	Datastore Datastore
	Router    *storage.Router
	Tokens    *accessToken.Issuer

	// Mirror is optional; nil mirrors nothing and records skips.
	Mirror *chainMirror.Mirror
	// Scanner is optional.
	Scanner Scanner
	// Notifier defaults to a log only notifier.
	Notifier mailer.Notifier
	// Pool runs lockdown fan-out. A private pool is created when nil.
	Pool *workerpool.WorkerPool

	ScanTimeout   time.Duration
	NotifyTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	c.Clock = clock.OrReal(c.Clock)
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 10 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
	if c.Notifier == nil {
		c.Notifier = mailer.NewLogNotifier(c.Logger)
	}
}
