// Package permission is the authoritative record of who may read which file.
// Every state change is a conditional update from active, so concurrent
// revocations never overwrite each other.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-vault/pkg/clock"
	"github.com/i5heu/ouroboros-vault/pkg/model"
)

var (
	ErrPermissionNotFound = errors.New("permission: no active permission")
	ErrFileNotFound       = errors.New("permission: file not found")
	ErrFileNotActive      = errors.New("permission: file is not active")
	ErrInvalidGrant       = errors.New("permission: invalid grant")
)

// Reasons reported by CheckAccess.
const (
	ReasonExpired  = "expired"
	ReasonRevoked  = "revoked"
	ReasonLocked   = "locked"
	ReasonNotFound = "not_found"
	ReasonFile     = "file_unavailable"
)

// AccessDeniedError carries the reason of a failed access check.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "permission: access denied: " + e.Reason
}

// Store is the relational backing of the ledger. Lookups of missing rows
// return an error matching model.ErrNotFound.
type Store interface {
	GetFile(ctx context.Context, id string) (model.FileRecord, error)
	UpdateFileWhere(ctx context.Context, id string, expected model.FileStatus, upd model.FileUpdate) (bool, error)

	InsertPermission(ctx context.Context, p *model.Permission) error
	LatestPermission(ctx context.Context, fileID, recipient string) (model.Permission, error)
	LatestActivePermission(ctx context.Context, fileID, recipient string) (model.Permission, error)
	ListPermissions(ctx context.Context, fileID string) ([]model.Permission, error)
	TransitionPairPermissions(ctx context.Context, fileID, recipient string, upd model.PermissionUpdate) ([]model.Permission, error)
	TransitionFilePermissions(ctx context.Context, fileID string, upd model.PermissionUpdate) ([]model.Permission, error)
	TransitionOwnerPermissions(ctx context.Context, ownerID string, upd model.PermissionUpdate) ([]model.Permission, error)
	ExpireActiveBefore(ctx context.Context, now time.Time) (int64, error)
}

type Option func(*Ledger)

func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = clock.OrReal(c) }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

type Ledger struct {
	store Store
	clock clock.Clock
	log   *slog.Logger
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		clock: clock.Real{},
		log:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NormalizeRecipient lower cases and trims an email so that the same
// recipient always maps to the same rows.
func NormalizeRecipient(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type GrantRequest struct {
	FileID           string
	RecipientEmail   string
	RecipientAddress string
	GrantedBy        string
	// ExpiresAt nil means the grant never expires.
	ExpiresAt       *time.Time
	WrappedShareKey []byte
}

// Grant creates a new active permission. Earlier permissions of the same pair
// stay untouched; the newest active one decides access.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (model.Permission, error) {
	if err := ctx.Err(); err != nil {
		return model.Permission{}, err
	}

	recipient := NormalizeRecipient(req.RecipientEmail)
	if recipient == "" || !strings.Contains(recipient, "@") {
		return model.Permission{}, fmt.Errorf("%w: recipient %q is not an email", ErrInvalidGrant, req.RecipientEmail)
	}

	now := l.clock.Now().UTC()
	var expires *time.Time
	if req.ExpiresAt != nil {
		e := req.ExpiresAt.UTC()
		if !e.After(now) {
			return model.Permission{}, fmt.Errorf("%w: expiry %s is not in the future", ErrInvalidGrant, e.Format(time.RFC3339))
		}
		expires = &e
	}

	f, err := l.store.GetFile(ctx, req.FileID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Permission{}, fmt.Errorf("%w: %s", ErrFileNotFound, req.FileID)
	}
	if err != nil {
		return model.Permission{}, err
	}
	if f.Status != model.FileActive {
		return model.Permission{}, fmt.Errorf("%w: %s is %s", ErrFileNotActive, f.ID, f.Status)
	}

	p := model.Permission{
		FileID:           f.ID,
		RecipientEmail:   recipient,
		RecipientAddress: req.RecipientAddress,
		GrantedBy:        req.GrantedBy,
		ExpiresAt:        expires,
		Status:           model.PermissionActive,
		WrappedShareKey:  req.WrappedShareKey,
		CreatedAt:        now,
	}
	if err := l.store.InsertPermission(ctx, &p); err != nil {
		return model.Permission{}, err
	}

	l.log.Debug("permission granted", "file", f.ID, "recipient", recipient, "permission", p.ID)
	return p, nil
}

// Revoke transitions every active permission of the pair to revoked and
// returns the newest one. A second Revoke of the same pair returns
// ErrPermissionNotFound.
func (l *Ledger) Revoke(ctx context.Context, fileID, recipientEmail string) (model.Permission, error) {
	if err := ctx.Err(); err != nil {
		return model.Permission{}, err
	}

	recipient := NormalizeRecipient(recipientEmail)
	now := l.clock.Now().UTC()
	changed, err := l.store.TransitionPairPermissions(ctx, fileID, recipient, model.PermissionUpdate{
		Status:    model.PermissionRevoked,
		RevokedAt: &now,
	})
	if err != nil {
		return model.Permission{}, err
	}
	if len(changed) == 0 {
		return model.Permission{}, fmt.Errorf("%w: %s on %s", ErrPermissionNotFound, recipient, fileID)
	}

	l.log.Debug("permission revoked", "file", fileID, "recipient", recipient, "rows", len(changed))
	return changed[len(changed)-1], nil
}

// RevokeAll transitions every active permission on any file of the owner to
// emergency_revoked. The returned slice holds exactly the rows transitioned.
func (l *Ledger) RevokeAll(ctx context.Context, ownerID string) ([]model.Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := l.clock.Now().UTC()
	changed, err := l.store.TransitionOwnerPermissions(ctx, ownerID, model.PermissionUpdate{
		Status:    model.PermissionEmergencyRevoked,
		RevokedAt: &now,
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("lockdown revoked permissions", "owner", ownerID, "count", len(changed))
	return changed, nil
}

// LockFile moves an active file to locked and locks all its active
// permissions.
func (l *Ledger) LockFile(ctx context.Context, fileID string) ([]model.Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := l.store.GetFile(ctx, fileID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	if err != nil {
		return nil, err
	}
	if !f.Status.CanTransition(model.FileLocked) {
		return nil, fmt.Errorf("%w: %s is %s", ErrFileNotActive, fileID, f.Status)
	}

	locked := model.FileLocked
	ok, err := l.store.UpdateFileWhere(ctx, fileID, f.Status, model.FileUpdate{Status: &locked})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s changed concurrently", ErrFileNotActive, fileID)
	}

	now := l.clock.Now().UTC()
	return l.store.TransitionFilePermissions(ctx, fileID, model.PermissionUpdate{
		Status:    model.PermissionLocked,
		RevokedAt: &now,
	})
}

// AccessResult is the outcome of CheckAccess. Permission is the row that
// decided the result, if any.
type AccessResult struct {
	Granted    bool
	Reason     string
	Permission model.Permission
}

// Err returns an *AccessDeniedError for a denied result and nil otherwise.
func (r AccessResult) Err() error {
	if r.Granted {
		return nil
	}
	return &AccessDeniedError{Reason: r.Reason}
}

// CheckAccess grants only while the newest active permission of the pair has
// no expiry or an expiry after now, and the file is active. An expired
// permission is denied even before ExpireStalePermissions ran.
func (l *Ledger) CheckAccess(ctx context.Context, fileID, recipientEmail string) (AccessResult, error) {
	if err := ctx.Err(); err != nil {
		return AccessResult{}, err
	}
	recipient := NormalizeRecipient(recipientEmail)

	f, err := l.store.GetFile(ctx, fileID)
	if errors.Is(err, model.ErrNotFound) {
		return AccessResult{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return AccessResult{}, err
	}

	p, err := l.store.LatestActivePermission(ctx, fileID, recipient)
	if errors.Is(err, model.ErrNotFound) {
		return l.deniedByHistory(ctx, fileID, recipient)
	}
	if err != nil {
		return AccessResult{}, err
	}

	switch {
	case p.ExpiredAt(l.clock.Now()):
		return AccessResult{Reason: ReasonExpired, Permission: p}, nil
	case f.Status == model.FileLocked:
		return AccessResult{Reason: ReasonLocked, Permission: p}, nil
	case f.Status != model.FileActive:
		return AccessResult{Reason: ReasonFile, Permission: p}, nil
	}
	return AccessResult{Granted: true, Permission: p}, nil
}

func (l *Ledger) deniedByHistory(ctx context.Context, fileID, recipient string) (AccessResult, error) {
	p, err := l.store.LatestPermission(ctx, fileID, recipient)
	if errors.Is(err, model.ErrNotFound) {
		return AccessResult{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return AccessResult{}, err
	}

	res := AccessResult{Permission: p}
	switch p.Status {
	case model.PermissionExpired:
		res.Reason = ReasonExpired
	case model.PermissionLocked, model.PermissionEmergencyRevoked:
		res.Reason = ReasonLocked
	default:
		res.Reason = ReasonRevoked
	}
	return res, nil
}

// ExpireStalePermissions marks active permissions past their expiry as
// expired and returns how many changed.
func (l *Ledger) ExpireStalePermissions(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := l.store.ExpireActiveBefore(ctx, l.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.log.Info("expired stale permissions", "count", n)
	}
	return n, nil
}

// List returns every permission of a file in creation order.
func (l *Ledger) List(ctx context.Context, fileID string) ([]model.Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.store.ListPermissions(ctx, fileID)
}
