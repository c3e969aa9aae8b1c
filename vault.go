// Package vault orchestrates the secure file vault: client side encryption
// with a password derived key hierarchy, storage across fallback tiers, a
// permission ledger and a best effort chain mirror.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
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

// Vault is the orchestrator. All methods are safe for concurrent use.
type Vault struct {
	log      *slog.Logger
	clock    clock.Clock
	store    Datastore
	router   *storage.Router
	ledger   *permission.Ledger
	mirror   *chainMirror.Mirror
	tokens   *accessToken.Issuer
	scanner  Scanner
	notifier mailer.Notifier
	pool     *workerpool.WorkerPool
	ownPool  bool

	scanTimeout   time.Duration
	notifyTimeout time.Duration

	// registering holds the chain registration of a file until its chain id
	// is stored; pairs holds the newest mirror operation per file and
	// recipient.
	chainMu     sync.Mutex
	registering map[string]*chainMirror.Pending
	pairs       map[string]*chainMirror.Pending

	background sync.WaitGroup
	closed     atomic.Bool
	closeOnce  sync.Once
}

func New(cfg Config) (*Vault, error) {
	if cfg.Datastore == nil {
		return nil, errors.New("vault: datastore is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("vault: storage router is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("vault: token issuer is required")
	}
	cfg.applyDefaults()

	mirror := cfg.Mirror
	if mirror == nil {
		mirror = chainMirror.New(chainMirror.Config{Recorder: cfg.Datastore, Clock: cfg.Clock, Logger: cfg.Logger})
	}

	v := &Vault{
		log:           cfg.Logger,
		clock:         cfg.Clock,
		store:         cfg.Datastore,
		router:        cfg.Router,
		ledger:        permission.New(cfg.Datastore, permission.WithClock(cfg.Clock), permission.WithLogger(cfg.Logger)),
		mirror:        mirror,
		tokens:        cfg.Tokens,
		scanner:       cfg.Scanner,
		notifier:      cfg.Notifier,
		pool:          cfg.Pool,
		scanTimeout:   cfg.ScanTimeout,
		notifyTimeout: cfg.NotifyTimeout,
		registering:   make(map[string]*chainMirror.Pending),
		pairs:         make(map[string]*chainMirror.Pending),
	}
	if v.pool == nil {
		v.pool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 8})
		v.ownPool = true
	}
	return v, nil
}

// Ledger exposes the permission ledger.
func (v *Vault) Ledger() *permission.Ledger { return v.ledger }

// Mirror exposes the chain mirror.
func (v *Vault) Mirror() *chainMirror.Mirror { return v.mirror }

// Close waits for background mirror and notification work, bounded by ctx.
func (v *Vault) Close(ctx context.Context) error {
	var closeErr error
	v.closeOnce.Do(func() {
		v.closed.Store(true)

		done := make(chan struct{})
		go func() {
			v.mirror.Wait()
			v.background.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			closeErr = fmt.Errorf("vault: background work still running: %w", ctx.Err())
		}

		if v.ownPool {
			v.pool.Close()
		}
		v.log.Info("vault closed")
	})
	return closeErr
}

func (v *Vault) open() error {
	if v.closed.Load() {
		return ErrClosed
	}
	return nil
}

// ownedFile loads a file and checks that owner owns it.
func (v *Vault) ownedFile(ctx context.Context, owner model.Identity, fileID string) (model.FileRecord, error) {
	f, err := v.store.GetFile(ctx, fileID)
	if errors.Is(err, model.ErrNotFound) {
		return model.FileRecord{}, fmt.Errorf("%w: %s", permission.ErrFileNotFound, fileID)
	}
	if err != nil {
		return model.FileRecord{}, err
	}
	if f.OwnerID != owner.ID {
		return model.FileRecord{}, ErrNotOwner
	}
	return f, nil
}

// ListFiles returns the owner's files, newest first.
func (v *Vault) ListFiles(ctx context.Context, owner model.Identity) ([]model.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.store.ListFiles(ctx, owner.ID)
}

// ListPermissions returns every permission ever granted on an owned file.
func (v *Vault) ListPermissions(ctx context.Context, owner model.Identity, fileID string) ([]model.Permission, error) {
	if _, err := v.ownedFile(ctx, owner, fileID); err != nil {
		return nil, err
	}
	return v.ledger.List(ctx, fileID)
}

// Evidence returns the recorded chain mirror attempts of an owned file.
func (v *Vault) Evidence(ctx context.Context, owner model.Identity, fileID string) ([]model.MirrorRecord, error) {
	if _, err := v.ownedFile(ctx, owner, fileID); err != nil {
		return nil, err
	}
	return v.store.MirrorRecords(ctx, fileID)
}

// VerifyOnChain asks the ledger contract whether recipient holds access to
// the file. It is advisory; the permission ledger stays authoritative.
func (v *Vault) VerifyOnChain(ctx context.Context, fileID, recipientEmail string) (bool, error) {
	f, err := v.store.GetFile(ctx, fileID)
	if err != nil {
		return false, err
	}
	chainFileID := v.chainFileID(ctx, f.ID, f.ChainFileID)
	if chainFileID == "" {
		return false, chainMirror.ErrNotRegistered
	}
	return v.mirror.HasAccess(ctx, chainFileID, chainMirror.EmailToVirtualAddress(recipientEmail))
}

// ExpireStalePermissions marks active permissions past their expiry as
// expired.
func (v *Vault) ExpireStalePermissions(ctx context.Context) (int64, error) {
	return v.ledger.ExpireStalePermissions(ctx)
}

// notify dispatches in the background. Failures are only logged.
func (v *Vault) notify(ctx context.Context, to string, kind mailer.Kind, payload map[string]string) {
	v.background.Add(1)
	go func() {
		defer v.background.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.notifyTimeout)
		defer cancel()
		if err := v.notifier.Notify(nctx, to, kind, payload); err != nil {
			v.log.Warn("notification failed", "to", to, "kind", kind, "error", err)
		}
	}()
}

// Destroy deletes the ciphertext where the tier allows it, nulls the locator,
// marks the file destroyed and removes its permissions.
func (v *Vault) Destroy(ctx context.Context, owner model.Identity, fileID string) (DestroyResult, error) {
	if err := v.open(); err != nil {
		return DestroyResult{}, err
	}
	f, err := v.ownedFile(ctx, owner, fileID)
	if err != nil {
		return DestroyResult{}, stageErr(StagePermissionCheck, err)
	}
	if !f.Status.CanTransition(model.FileDestroyed) {
		return DestroyResult{}, stageErr(StageDestroying, fmt.Errorf("%w: %s is already destroyed", permission.ErrFileNotActive, f.ID))
	}

	res := DestroyResult{}
	if loc, err := f.StorageLocator(); err == nil {
		switch err := v.router.Delete(ctx, loc); {
		case err == nil:
			res.CiphertextDeleted = true
		case errors.Is(err, storage.ErrImmutable), errors.Is(err, storage.ErrNotFound):
			v.log.Info("ciphertext left in place", "file", f.ID, "tier", loc.Tag, "reason", err)
		default:
			return DestroyResult{}, stageErr(StageDestroying, err)
		}
	}

	destroyed := model.FileDestroyed
	empty := ""
	ok, err := v.store.UpdateFileWhere(ctx, f.ID, f.Status, model.FileUpdate{Status: &destroyed, Locator: &empty})
	if err != nil {
		return DestroyResult{}, stageErr(StageDestroying, err)
	}
	if !ok {
		return DestroyResult{}, stageErr(StageDestroying, fmt.Errorf("%w: %s changed concurrently", permission.ErrFileNotActive, f.ID))
	}

	now := v.clock.Now().UTC()
	revoked, err := v.store.TransitionFilePermissions(ctx, f.ID, model.PermissionUpdate{Status: model.PermissionRevoked, RevokedAt: &now})
	if err != nil {
		return DestroyResult{}, stageErr(StageRevoking, err)
	}
	res.Chain = v.revokeOnChain(ctx, map[string]string{f.ID: f.ChainFileID}, revoked)

	n, err := v.store.DeleteFilePermissions(ctx, f.ID)
	if err != nil {
		return DestroyResult{}, stageErr(StageDestroying, err)
	}
	res.PermissionsDeleted = n

	v.log.Info("file destroyed", "file", f.ID, "ciphertext_deleted", res.CiphertextDeleted, "permissions", n)
	return res, nil
}

type DestroyResult struct {
	CiphertextDeleted  bool
	PermissionsDeleted int64
	Chain              ChainReport
}

// register starts the chain registration of f. Until its result is stored,
// chainFileID waits for it.
func (v *Vault) register(ctx context.Context, f model.FileRecord) *chainMirror.Pending {
	v.chainMu.Lock()
	defer v.chainMu.Unlock()

	p := v.mirror.Go(ctx, func(ctx context.Context) chainMirror.Result {
		return v.mirror.RegisterFile(ctx, f.ID, f.ContentHash, f.Name, f.Size)
	}, func(r chainMirror.Result) {
		if r.OK() {
			if err := v.store.MarkChainRegistered(context.Background(), f.ID, r.ChainFileID, r.TxRef); err != nil {
				v.log.Warn("failed to store chain registration", "file", f.ID, "error", err)
			}
		}
		v.chainMu.Lock()
		delete(v.registering, f.ID)
		v.chainMu.Unlock()
	})
	if v.mirror.Enabled() {
		v.registering[f.ID] = p
	}
	return p
}

// chainFileID returns the chain id of a file. known is the id the caller
// already loaded; when it is empty a running registration is awaited and the
// stored record consulted afterwards.
func (v *Vault) chainFileID(ctx context.Context, fileID, known string) string {
	if known != "" {
		return known
	}
	v.chainMu.Lock()
	p := v.registering[fileID]
	v.chainMu.Unlock()
	if p != nil {
		return p.Wait().ChainFileID
	}

	f, err := v.store.GetFile(ctx, fileID)
	if err != nil {
		return ""
	}
	return f.ChainFileID
}

// mirrorPair runs op in the background once the file is registered and the
// previous mirror operation of the same file and recipient finished, so a
// revoke never lands before the grant it undoes.
func (v *Vault) mirrorPair(ctx context.Context, fileID, knownChainID, address string,
	op func(ctx context.Context, chainFileID string) chainMirror.Result, onDone func(chainMirror.Result)) *chainMirror.Pending {
	key := fileID + "/" + address

	v.chainMu.Lock()
	defer v.chainMu.Unlock()

	prev := v.pairs[key]
	var p *chainMirror.Pending
	p = v.mirror.Go(ctx, func(ctx context.Context) chainMirror.Result {
		if prev != nil {
			prev.Wait()
		}
		return op(ctx, v.chainFileID(ctx, fileID, knownChainID))
	}, func(r chainMirror.Result) {
		if onDone != nil {
			onDone(r)
		}
		v.chainMu.Lock()
		if v.pairs[key] == p {
			delete(v.pairs, key)
		}
		v.chainMu.Unlock()
	})
	v.pairs[key] = p
	return p
}
