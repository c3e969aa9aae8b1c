package database

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/i5heu/ouroboros-vault/pkg/model"
)

func (db *DB) InsertPermission(ctx context.Context, p *model.Permission) error {
	return db.gorm.WithContext(ctx).Create(p).Error
}

// LatestPermission returns the most recent permission of the pair in any
// status.
func (db *DB) LatestPermission(ctx context.Context, fileID, recipient string) (model.Permission, error) {
	var p model.Permission
	err := db.gorm.WithContext(ctx).
		Where("file_id = ? AND recipient_email = ?", fileID, recipient).
		Order("id DESC").
		First(&p).Error
	return p, notFound(err, "permission for "+recipient)
}

// LatestActivePermission returns the most recent active permission of the pair.
func (db *DB) LatestActivePermission(ctx context.Context, fileID, recipient string) (model.Permission, error) {
	var p model.Permission
	err := db.gorm.WithContext(ctx).
		Where("file_id = ? AND recipient_email = ? AND status = ?", fileID, recipient, model.PermissionActive).
		Order("id DESC").
		First(&p).Error
	return p, notFound(err, "active permission for "+recipient)
}

func (db *DB) ListPermissions(ctx context.Context, fileID string) ([]model.Permission, error) {
	var perms []model.Permission
	err := db.gorm.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("id ASC").
		Find(&perms).Error
	return perms, err
}

// TransitionPairPermissions moves every active permission of the pair to
// upd.Status and returns the rows that actually changed.
func (db *DB) TransitionPairPermissions(ctx context.Context, fileID, recipient string, upd model.PermissionUpdate) ([]model.Permission, error) {
	return db.transition(ctx, upd, func(q *gorm.DB) *gorm.DB {
		return q.Where("file_id = ? AND recipient_email = ?", fileID, recipient)
	})
}

// TransitionFilePermissions moves every active permission of a file.
func (db *DB) TransitionFilePermissions(ctx context.Context, fileID string, upd model.PermissionUpdate) ([]model.Permission, error) {
	return db.transition(ctx, upd, func(q *gorm.DB) *gorm.DB {
		return q.Where("file_id = ?", fileID)
	})
}

// TransitionOwnerPermissions moves every active permission on any file of
// the owner.
func (db *DB) TransitionOwnerPermissions(ctx context.Context, ownerID string, upd model.PermissionUpdate) ([]model.Permission, error) {
	return db.transition(ctx, upd, func(q *gorm.DB) *gorm.DB {
		return q.Where("file_id IN (SELECT id FROM file_records WHERE owner_id = ?)", ownerID)
	})
}

// transition selects the active rows matched by scope and updates each one
// with a status guard, so a row changed concurrently is skipped instead of
// being overwritten.
func (db *DB) transition(ctx context.Context, upd model.PermissionUpdate, scope func(*gorm.DB) *gorm.DB) ([]model.Permission, error) {
	var changed []model.Permission

	err := db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.Permission
		q := scope(tx.Model(&model.Permission{})).Where("status = ?", model.PermissionActive).Order("id ASC")
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}

		for _, p := range candidates {
			res := tx.Model(&model.Permission{}).
				Where("id = ? AND status = ?", p.ID, model.PermissionActive).
				Updates(map[string]interface{}{"status": upd.Status, "revoked_at": upd.RevokedAt})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				continue
			}
			p.Status = upd.Status
			p.RevokedAt = upd.RevokedAt
			changed = append(changed, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// ExpireActiveBefore marks every active permission whose expiry is at or
// before now as expired and returns how many changed.
func (db *DB) ExpireActiveBefore(ctx context.Context, now time.Time) (int64, error) {
	res := db.gorm.WithContext(ctx).Model(&model.Permission{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", model.PermissionActive, now.UTC()).
		Update("status", model.PermissionExpired)
	return res.RowsAffected, res.Error
}

// SetPermissionChainTx stores the transaction that mirrored a grant.
func (db *DB) SetPermissionChainTx(ctx context.Context, id uint64, txRef string) error {
	return db.gorm.WithContext(ctx).Model(&model.Permission{}).
		Where("id = ?", id).
		Update("chain_tx_ref", txRef).Error
}

// DeleteFilePermissions hard deletes every permission of a file.
func (db *DB) DeleteFilePermissions(ctx context.Context, fileID string) (int64, error) {
	res := db.gorm.WithContext(ctx).Where("file_id = ?", fileID).Delete(&model.Permission{})
	return res.RowsAffected, res.Error
}

func (db *DB) RecordMirror(ctx context.Context, r *model.MirrorRecord) error {
	return db.gorm.WithContext(ctx).Create(r).Error
}

// MirrorRecords returns the chain evidence of a file in insertion order.
func (db *DB) MirrorRecords(ctx context.Context, fileID string) ([]model.MirrorRecord, error) {
	var recs []model.MirrorRecord
	err := db.gorm.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("id ASC").
		Find(&recs).Error
	return recs, err
}
