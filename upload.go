package vault

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/i5heu/ouroboros-vault/pkg/chainMirror"
	"github.com/i5heu/ouroboros-vault/pkg/encryption"
	"github.com/i5heu/ouroboros-vault/pkg/model"
	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

type UploadRequest struct {
	Owner     model.Identity
	MasterKey encryption.MasterKey
	Name      string
	Mime      string
	Content   []byte
}

type UploadResult struct {
	File model.FileRecord
	// Skipped lists storage tiers that failed before the one that stored the
	// ciphertext.
	Skipped []storage.BackendFailure
	// Registration completes once the chain registration finished.
	Registration *chainMirror.Pending
}

// Upload encrypts content under a fresh FileKey, stores the ciphertext on the
// first healthy tier and persists the FileRecord. Chain registration runs in
// the background and never affects the outcome.
func (v *Vault) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if err := v.open(); err != nil {
		return UploadResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return UploadResult{}, err
	}
	if req.Owner.ID == "" {
		return UploadResult{}, errors.New("vault: upload needs an owner")
	}
	if req.MasterKey.IsZero() {
		return UploadResult{}, stageErr(StageEncrypting, encryption.ErrInvalidKey)
	}
	if req.Name == "" {
		req.Name = "untitled"
	}
	if req.Mime == "" {
		req.Mime = "application/octet-stream"
	}
	size := int64(len(req.Content))

	contentHash := encryption.Hash(req.Content)
	fileKey, err := encryption.GenerateFileKey()
	if err != nil {
		return UploadResult{}, stageErr(StageEncrypting, err)
	}
	defer fileKey.Zero()

	ciphertext, nonce, err := encryption.Encrypt(req.Content, fileKey)
	if err != nil {
		return UploadResult{}, stageErr(StageEncrypting, err)
	}
	wrapped, err := encryption.WrapKey(fileKey, req.MasterKey)
	if err != nil {
		return UploadResult{}, stageErr(StageEncrypting, err)
	}

	scan := v.scan(ctx, req.Name, size, req.Mime)

	stored, err := v.router.Store(ctx, ciphertext, req.Name, req.Mime)
	if err != nil {
		v.log.Error("upload failed to store ciphertext", "name", req.Name, "error", err)
		return UploadResult{}, stageErr(StageStoring, err)
	}

	f := model.FileRecord{
		ID:          uuid.NewString(),
		Name:        req.Name,
		MimeType:    req.Mime,
		Size:        size,
		OwnerID:     req.Owner.ID,
		WrappedKey:  wrapped,
		Nonce:       nonce,
		ContentHash: contentHash,
		StorageType: stored.Locator.Tag,
		Locator:     stored.Locator.String(),
		Status:      model.FileActive,
		CreatedAt:   v.clock.Now().UTC(),
		RiskLevel:   scan.RiskLevel,
		RiskIssues:  strings.Join(scan.Issues, "\n"),
	}
	if err := v.store.CreateFile(ctx, &f); err != nil {
		v.discard(ctx, stored.Locator)
		return UploadResult{}, stageErr(StagePersisting, err)
	}

	res := UploadResult{File: f, Skipped: stored.Skipped}
	res.Registration = v.register(ctx, f)

	v.log.Info("file uploaded", "file", f.ID, "tier", f.StorageType, "size", size, "skipped", len(stored.Skipped))
	return res, nil
}

// scan runs the advisory scanner. Every failure yields an empty annotation.
func (v *Vault) scan(ctx context.Context, name string, size int64, mime string) ScanResult {
	if v.scanner == nil {
		return ScanResult{}
	}
	sctx, cancel := context.WithTimeout(ctx, v.scanTimeout)
	defer cancel()
	res, err := v.scanner.Scan(sctx, name, size, mime)
	if err != nil {
		v.log.Warn("advisory scan failed", "name", name, "error", err)
		return ScanResult{}
	}
	return res
}

// discard removes an orphaned ciphertext after the record could not be
// written.
func (v *Vault) discard(ctx context.Context, loc storage.Locator) {
	err := v.router.Delete(context.WithoutCancel(ctx), loc)
	if err != nil && !errors.Is(err, storage.ErrImmutable) {
		v.log.Warn("failed to remove orphaned ciphertext", "locator", loc.String(), "error", err)
	}
}
