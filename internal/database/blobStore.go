package database

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

type blobRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string
	Mime      string
	Data      string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (blobRow) TableName() string { return "vault_blobs" }

// BlobStore is the relational storage tier. Ciphertext is kept base64
// encoded in a text column.
type BlobStore struct {
	db *gorm.DB
}

func (db *DB) BlobStore() *BlobStore {
	return &BlobStore{db: db.gorm}
}

func (b *BlobStore) Tag() storage.Tag { return storage.TagRelational }

func (b *BlobStore) Put(ctx context.Context, ciphertext []byte, name, mime string) (storage.Locator, error) {
	row := blobRow{
		ID:   uuid.NewString(),
		Name: name,
		Mime: mime,
		Data: base64.StdEncoding.EncodeToString(ciphertext),
	}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagRelational, err)
	}
	return storage.RelationalLocator(row.ID), nil
}

func (b *BlobStore) Get(ctx context.Context, loc storage.Locator) ([]byte, error) {
	if loc.Tag != storage.TagRelational {
		return nil, fmt.Errorf("%w: relational store got %q locator", storage.ErrInvalidLocator, loc.Tag)
	}

	var row blobRow
	err := b.db.WithContext(ctx).Where("id = ?", loc.RowID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: row %s", storage.ErrNotFound, loc.RowID)
	}
	if err != nil {
		return nil, storage.Unavailable(storage.TagRelational, err)
	}

	data, err := base64.StdEncoding.DecodeString(row.Data)
	if err != nil {
		return nil, storage.Unavailable(storage.TagRelational, fmt.Errorf("corrupt row %s: %w", row.ID, err))
	}
	return data, nil
}

func (b *BlobStore) Delete(ctx context.Context, loc storage.Locator) error {
	res := b.db.WithContext(ctx).Where("id = ?", loc.RowID).Delete(&blobRow{})
	if res.Error != nil {
		return storage.Unavailable(storage.TagRelational, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: row %s", storage.ErrNotFound, loc.RowID)
	}
	return nil
}
