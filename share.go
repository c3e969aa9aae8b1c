package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-vault/internal/mailer"
	"github.com/i5heu/ouroboros-vault/pkg/chainMirror"
	"github.com/i5heu/ouroboros-vault/pkg/encryption"
	"github.com/i5heu/ouroboros-vault/pkg/model"
	"github.com/i5heu/ouroboros-vault/pkg/permission"
)

type ShareRequest struct {
	Owner          model.Identity
	MasterKey      encryption.MasterKey
	FileID         string
	RecipientEmail string
	// ExpiresAt nil shares without expiry.
	ExpiresAt *time.Time
}

type ShareResult struct {
	Permission model.Permission
	// URL is the access URL handed to the recipient. Its fragment carries the
	// share key.
	URL   string
	Token string
	// Mirror completes once the chain grant finished.
	Mirror *chainMirror.Pending
}

// Share grants the recipient access, wraps the FileKey under a fresh share
// key and mirrors the grant on chain in the background.
func (v *Vault) Share(ctx context.Context, req ShareRequest) (ShareResult, error) {
	if err := v.open(); err != nil {
		return ShareResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ShareResult{}, err
	}

	f, err := v.ownedFile(ctx, req.Owner, req.FileID)
	if err != nil {
		return ShareResult{}, stageErr(StageGranting, err)
	}

	recipient := permission.NormalizeRecipient(req.RecipientEmail)
	address := chainMirror.EmailToVirtualAddress(recipient)

	fileKey, err := encryption.UnwrapKey(f.WrappedKey, req.MasterKey)
	if err != nil {
		return ShareResult{}, stageErr(StageGranting, err)
	}
	shareKey, err := encryption.GenerateShareKey()
	if err != nil {
		fileKey.Zero()
		return ShareResult{}, stageErr(StageGranting, err)
	}
	wrappedShare, err := encryption.WrapWithShareKey(fileKey, shareKey)
	fileKey.Zero()
	if err != nil {
		return ShareResult{}, stageErr(StageGranting, err)
	}

	p, err := v.ledger.Grant(ctx, permission.GrantRequest{
		FileID:           f.ID,
		RecipientEmail:   recipient,
		RecipientAddress: address,
		GrantedBy:        req.Owner.ID,
		ExpiresAt:        req.ExpiresAt,
		WrappedShareKey:  wrappedShare,
	})
	if err != nil {
		return ShareResult{}, stageErr(StageGranting, err)
	}

	token, err := v.tokens.Issue(recipient, f.ID, p.ExpiresAt)
	if err != nil {
		return ShareResult{}, stageErr(StageGranting, err)
	}
	link := v.tokens.URL(f.ID, token, &shareKey)
	shareKey.Zero()

	res := ShareResult{Permission: p, URL: link, Token: token}
	res.Mirror = v.mirrorPair(ctx, f.ID, f.ChainFileID, address, func(ctx context.Context, chainFileID string) chainMirror.Result {
		return v.mirror.MirrorGrant(ctx, f.ID, chainFileID, address, p.ExpiresAt)
	}, func(r chainMirror.Result) {
		if !r.OK() {
			return
		}
		if err := v.store.SetPermissionChainTx(context.Background(), p.ID, r.TxRef); err != nil {
			v.log.Warn("failed to store chain grant reference", "permission", p.ID, "error", err)
		}
	})

	payload := map[string]string{"file_name": f.Name, "url": link}
	if p.ExpiresAt != nil {
		payload["expires_at"] = p.ExpiresAt.Format(time.RFC3339)
	}
	v.notify(ctx, recipient, mailer.KindShare, payload)

	v.log.Info("file shared", "file", f.ID, "permission", p.ID, "recipient_address", address)
	return res, nil
}

type RevokeResult struct {
	Permission model.Permission
	Mirror     *chainMirror.Pending
}

// Revoke revokes the recipient's active permission. The chain revocation runs
// in the background and never undoes the database revocation.
func (v *Vault) Revoke(ctx context.Context, owner model.Identity, fileID, recipientEmail string) (RevokeResult, error) {
	if err := v.open(); err != nil {
		return RevokeResult{}, err
	}
	f, err := v.ownedFile(ctx, owner, fileID)
	if err != nil {
		return RevokeResult{}, stageErr(StageRevoking, err)
	}

	p, err := v.ledger.Revoke(ctx, f.ID, recipientEmail)
	if err != nil {
		return RevokeResult{}, stageErr(StageRevoking, err)
	}

	address := p.RecipientAddress
	if address == "" {
		address = chainMirror.EmailToVirtualAddress(p.RecipientEmail)
	}
	res := RevokeResult{Permission: p}
	res.Mirror = v.mirrorPair(ctx, f.ID, f.ChainFileID, address, func(ctx context.Context, chainFileID string) chainMirror.Result {
		return v.mirror.MirrorRevoke(ctx, f.ID, chainFileID, address)
	}, nil)

	v.notify(ctx, p.RecipientEmail, mailer.KindRevoke, map[string]string{"file_name": f.Name})
	return res, nil
}

// ChainReport counts the outcome of a chain revocation fan-out.
type ChainReport struct {
	Attempted int
	Succeeded int
	Skipped   int
	Failed    int
	Results   []chainMirror.Result
}

type LockdownResult struct {
	// Revoked holds every permission moved to emergency_revoked.
	Revoked  []model.Permission
	Chain    ChainReport
	Notified int
}

// Lockdown revokes every active permission on every file of owner. The
// database revocation is complete before any chain call starts; chain
// revocations run concurrently and their outcomes are counted, never raised.
func (v *Vault) Lockdown(ctx context.Context, owner model.Identity) (LockdownResult, error) {
	if err := v.open(); err != nil {
		return LockdownResult{}, err
	}

	revoked, err := v.ledger.RevokeAll(ctx, owner.ID)
	if err != nil {
		return LockdownResult{}, stageErr(StageRevoking, err)
	}

	chainIDs := make(map[string]string)
	for _, p := range revoked {
		if _, seen := chainIDs[p.FileID]; seen {
			continue
		}
		f, err := v.store.GetFile(ctx, p.FileID)
		if err != nil {
			v.log.Warn("lockdown could not load file", "file", p.FileID, "error", err)
			chainIDs[p.FileID] = ""
			continue
		}
		chainIDs[p.FileID] = f.ChainFileID
	}

	res := LockdownResult{Revoked: revoked}
	res.Chain = v.revokeOnChain(ctx, chainIDs, revoked)

	recipients := make(map[string]struct{})
	for _, p := range revoked {
		if _, dup := recipients[p.RecipientEmail]; dup {
			continue
		}
		recipients[p.RecipientEmail] = struct{}{}
		v.notify(ctx, p.RecipientEmail, mailer.KindLockdown, nil)
	}
	res.Notified = len(recipients)

	v.log.Info("lockdown complete",
		"owner", owner.ID,
		"revoked", len(revoked),
		"chain_succeeded", res.Chain.Succeeded,
		"chain_failed", res.Chain.Failed,
		"chain_skipped", res.Chain.Skipped,
	)
	return res, nil
}

type LockResult struct {
	Locked []model.Permission
	Chain  ChainReport
}

// LockFile stops all sharing of an owned file. The owner can still retrieve
// it.
func (v *Vault) LockFile(ctx context.Context, owner model.Identity, fileID string) (LockResult, error) {
	if err := v.open(); err != nil {
		return LockResult{}, err
	}
	f, err := v.ownedFile(ctx, owner, fileID)
	if err != nil {
		return LockResult{}, stageErr(StageRevoking, err)
	}

	locked, err := v.ledger.LockFile(ctx, f.ID)
	if err != nil {
		return LockResult{}, stageErr(StageRevoking, err)
	}
	return LockResult{
		Locked: locked,
		Chain:  v.revokeOnChain(ctx, map[string]string{f.ID: f.ChainFileID}, locked),
	}, nil
}

// revokeOnChain mirrors one revocation per permission through the pool and
// waits for all of them. Each revocation still follows earlier mirror
// operations of its pair.
func (v *Vault) revokeOnChain(ctx context.Context, chainIDs map[string]string, perms []model.Permission) ChainReport {
	report := ChainReport{Attempted: len(perms)}
	if len(perms) == 0 {
		return report
	}
	bg := context.WithoutCancel(ctx)

	room := v.pool.CreateRoom(len(perms))
	for _, p := range perms {
		p := p
		address := p.RecipientAddress
		if address == "" {
			address = chainMirror.EmailToVirtualAddress(p.RecipientEmail)
		}
		job := func() interface{} {
			return v.mirrorPair(bg, p.FileID, chainIDs[p.FileID], address, func(ctx context.Context, chainFileID string) chainMirror.Result {
				return v.mirror.MirrorRevoke(ctx, p.FileID, chainFileID, address)
			}, nil).Wait()
		}
		if err := room.NewTaskWaitForFreeSlot(job); err != nil {
			// pool closed: run inline so every permission still gets an attempt
			report.add(job().(chainMirror.Result))
		}
	}
	for _, r := range room.Collect() {
		report.add(r.(chainMirror.Result))
	}
	return report
}

func (r *ChainReport) add(res chainMirror.Result) {
	r.Results = append(r.Results, res)
	switch {
	case res.OK():
		r.Succeeded++
	case res.Skipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Describe renders the report for logs and API responses.
func (r ChainReport) Describe() string {
	return fmt.Sprintf("%d/%d revoked on chain, %d skipped, %d failed", r.Succeeded, r.Attempted, r.Skipped, r.Failed)
}
