// Package model holds the persisted entities of the vault. The struct tags
// are read by gorm in internal/database; the package itself does not depend
// on any datastore.
package model

import (
	"errors"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

// ErrNotFound is returned by datastores when a record does not exist.
var ErrNotFound = errors.New("model: record not found")

// ErrInvalidTransition is returned for a status change CanTransition forbids.
var ErrInvalidTransition = errors.New("model: invalid status transition")

// Identity is the authenticated caller as supplied by the session provider.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type FileStatus string

const (
	FileActive    FileStatus = "active"
	FileRevoked   FileStatus = "revoked"
	FileDestroyed FileStatus = "destroyed"
	FileExpired   FileStatus = "expired"
	FileLocked    FileStatus = "locked"
)

// CanTransition reports whether a file may move from s to next. Only active
// files change state, except that any file that is not yet destroyed can be
// destroyed.
func (s FileStatus) CanTransition(next FileStatus) bool {
	if s == next {
		return false
	}
	if next == FileDestroyed {
		return s != FileDestroyed
	}
	if s != FileActive {
		return false
	}
	switch next {
	case FileRevoked, FileExpired, FileLocked:
		return true
	}
	return false
}

// Readable reports whether the owner may still download the file.
func (s FileStatus) Readable() bool {
	return s == FileActive || s == FileLocked
}

type PermissionStatus string

const (
	PermissionActive           PermissionStatus = "active"
	PermissionRevoked          PermissionStatus = "revoked"
	PermissionExpired          PermissionStatus = "expired"
	PermissionEmergencyRevoked PermissionStatus = "emergency_revoked"
	PermissionLocked           PermissionStatus = "locked"
)

// FileRecord is the metadata of one uploaded file. It is created only after
// the ciphertext was stored successfully.
type FileRecord struct {
	ID          string      `gorm:"primaryKey;size:36" json:"id"`
	Name        string      `gorm:"not null" json:"name"`
	MimeType    string      `json:"mime"`
	Size        int64       `json:"size"`
	OwnerID     string      `gorm:"index;not null" json:"owner_id"`
	WrappedKey  []byte      `json:"-"`
	Nonce       []byte      `json:"-"`
	ContentHash string      `gorm:"index;size:64" json:"content_hash"`
	StorageType storage.Tag `gorm:"size:16" json:"storage_type"`
	Locator     string      `json:"locator"`
	Status      FileStatus  `gorm:"index;size:16;not null" json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	BlockchainRegistered bool   `json:"blockchain_registered"`
	ChainFileID          string `json:"chain_file_id,omitempty"`
	ChainTxRef           string `json:"blockchain_tx,omitempty"`

	RiskLevel  string `json:"risk_level,omitempty"`
	RiskIssues string `json:"risk_issues,omitempty"`
}

// StorageLocator decodes the persisted locator.
func (f FileRecord) StorageLocator() (storage.Locator, error) {
	return storage.ParseLocator(f.Locator)
}

// Issues splits the stored advisory issues.
func (f FileRecord) Issues() []string {
	if f.RiskIssues == "" {
		return nil
	}
	return strings.Split(f.RiskIssues, "\n")
}

// FileUpdate lists the mutable columns of a FileRecord. Nil fields are left
// untouched.
type FileUpdate struct {
	Status      *FileStatus
	Locator     *string
	StorageType *storage.Tag
}

// Permission grants one recipient time bounded access to one file. Several
// rows may exist for the same pair; the most recent active one decides.
type Permission struct {
	ID               uint64           `gorm:"primaryKey;autoIncrement" json:"id"`
	FileID           string           `gorm:"index:idx_file_recipient;size:36;not null" json:"file_id"`
	RecipientEmail   string           `gorm:"index:idx_file_recipient;not null" json:"recipient_email"`
	RecipientAddress string           `gorm:"size:42" json:"recipient_address"`
	GrantedBy        string           `gorm:"not null" json:"granted_by"`
	ExpiresAt        *time.Time       `gorm:"index" json:"expires_at,omitempty"`
	Status           PermissionStatus `gorm:"index;size:24;not null" json:"status"`
	WrappedShareKey  []byte           `json:"-"`
	ChainTxRef       string           `json:"chain_tx,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	RevokedAt        *time.Time       `json:"revoked_at,omitempty"`
}

// ExpiredAt reports whether the permission has an expiry at or before now.
func (p Permission) ExpiredAt(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// PermissionUpdate lists the mutable columns of a Permission.
type PermissionUpdate struct {
	Status    PermissionStatus
	RevokedAt *time.Time
}

// MirrorRecord is the persisted evidence of one chain mirror attempt.
type MirrorRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Op          string    `gorm:"size:16;not null" json:"op"`
	FileID      string    `gorm:"index;size:36" json:"file_id"`
	ChainFileID string    `json:"chain_file_id,omitempty"`
	Recipient   string    `json:"recipient,omitempty"`
	Signer      string    `json:"signer,omitempty"`
	TxRef       string    `json:"tx_ref,omitempty"`
	Skipped     bool      `json:"skipped"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
