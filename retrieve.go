package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-vault/pkg/accessToken"
	"github.com/i5heu/ouroboros-vault/pkg/encryption"
	"github.com/i5heu/ouroboros-vault/pkg/model"
	"github.com/i5heu/ouroboros-vault/pkg/permission"
)

// Retrieved is a decrypted file together with its record.
type Retrieved struct {
	File    model.FileRecord
	Content []byte
}

// Retrieve returns an owned file decrypted with the owner's MasterKey.
func (v *Vault) Retrieve(ctx context.Context, owner model.Identity, masterKey encryption.MasterKey, fileID string) (Retrieved, error) {
	if err := v.open(); err != nil {
		return Retrieved{}, err
	}
	if err := ctx.Err(); err != nil {
		return Retrieved{}, err
	}

	f, err := v.ownedFile(ctx, owner, fileID)
	if err != nil {
		return Retrieved{}, stageErr(StagePermissionCheck, err)
	}
	if !f.Status.Readable() {
		return Retrieved{}, stageErr(StagePermissionCheck, &permission.AccessDeniedError{Reason: permission.ReasonFile})
	}

	ciphertext, err := v.fetch(ctx, f)
	if err != nil {
		return Retrieved{}, err
	}

	fileKey, err := encryption.UnwrapKey(f.WrappedKey, masterKey)
	if err != nil {
		return Retrieved{}, stageErr(StageDecrypting, err)
	}
	defer fileKey.Zero()

	plain, err := decryptContent(f, ciphertext, fileKey)
	if err != nil {
		return Retrieved{}, err
	}
	return Retrieved{File: f, Content: plain}, nil
}

// RetrieveShared returns a file for the recipient named in token, decrypted
// with the share key from the access URL. Access is checked before any
// ciphertext is fetched.
func (v *Vault) RetrieveShared(ctx context.Context, token string, shareKey encryption.ShareKey) (Retrieved, error) {
	if err := v.open(); err != nil {
		return Retrieved{}, err
	}
	if err := ctx.Err(); err != nil {
		return Retrieved{}, err
	}

	grant, err := v.tokens.Verify(token)
	if err != nil {
		return Retrieved{}, stageErr(StagePermissionCheck, err)
	}
	access, err := v.ledger.CheckAccess(ctx, grant.FileID, grant.Recipient)
	if err != nil {
		return Retrieved{}, stageErr(StagePermissionCheck, err)
	}
	if err := access.Err(); err != nil {
		v.log.Info("shared retrieval denied", "file", grant.FileID, "reason", access.Reason)
		return Retrieved{}, stageErr(StagePermissionCheck, err)
	}
	if len(access.Permission.WrappedShareKey) == 0 {
		return Retrieved{}, stageErr(StagePermissionCheck, ErrNoShare)
	}

	f, err := v.store.GetFile(ctx, grant.FileID)
	if err != nil {
		return Retrieved{}, stageErr(StageLocating, err)
	}
	ciphertext, err := v.fetch(ctx, f)
	if err != nil {
		return Retrieved{}, err
	}

	fileKey, err := encryption.UnwrapWithShareKey(access.Permission.WrappedShareKey, shareKey)
	if err != nil {
		return Retrieved{}, stageErr(StageDecrypting, err)
	}
	defer fileKey.Zero()

	plain, err := decryptContent(f, ciphertext, fileKey)
	if err != nil {
		return Retrieved{}, err
	}
	return Retrieved{File: f, Content: plain}, nil
}

// RetrieveByURL is RetrieveShared for a complete access URL including its
// key fragment.
func (v *Vault) RetrieveByURL(ctx context.Context, rawURL string) (Retrieved, error) {
	link, err := accessToken.ParseURL(rawURL)
	if err != nil {
		return Retrieved{}, stageErr(StagePermissionCheck, err)
	}
	if link.ShareKey == nil {
		return Retrieved{}, stageErr(StagePermissionCheck, fmt.Errorf("%w: access url carries no key", accessToken.ErrInvalidURL))
	}
	grant, err := v.tokens.Verify(link.Token)
	if err != nil {
		return Retrieved{}, stageErr(StagePermissionCheck, err)
	}
	if grant.FileID != link.FileID {
		return Retrieved{}, stageErr(StagePermissionCheck, fmt.Errorf("%w: token is for another file", accessToken.ErrInvalidToken))
	}
	return v.RetrieveShared(ctx, link.Token, *link.ShareKey)
}

func (v *Vault) fetch(ctx context.Context, f model.FileRecord) ([]byte, error) {
	loc, err := f.StorageLocator()
	if err != nil {
		return nil, stageErr(StageLocating, err)
	}
	data, err := v.router.Retrieve(ctx, loc)
	if err != nil {
		return nil, stageErr(StageFetching, err)
	}
	return data, nil
}

// decryptContent decrypts and checks the plaintext against the recorded content hash.
func decryptContent(f model.FileRecord, ciphertext []byte, fileKey encryption.FileKey) ([]byte, error) {
	plain, err := encryption.Decrypt(ciphertext, fileKey, f.Nonce)
	if err != nil {
		return nil, stageErr(StageDecrypting, err)
	}
	if f.ContentHash != "" && encryption.Hash(plain) != f.ContentHash {
		return nil, stageErr(StageDecrypting, errors.Join(ErrIntegrity, encryption.ErrDecryption))
	}
	return plain, nil
}
