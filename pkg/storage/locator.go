package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Tag identifies the backend that produced a Locator.
type Tag string

const (
	TagNetwork    Tag = "ipfs"
	TagChain      Tag = "chain"
	TagLocal      Tag = "local"
	TagRelational Tag = "database"
)

// DefaultOrder is the fallback priority used by the vault: durable,
// infrastructure independent storage first, always-available storage last.
var DefaultOrder = []Tag{TagNetwork, TagChain, TagLocal, TagRelational}

var ErrInvalidLocator = errors.New("storage: invalid locator")

// Locator is a tagged union. Only the fields belonging to Tag are set.
type Locator struct {
	Tag Tag `json:"tag"`

	// TagNetwork
	CID string `json:"cid,omitempty"`

	// TagChain
	ChainFileID string `json:"chain_file_id,omitempty"`
	ManifestTx  string `json:"manifest_tx,omitempty"`

	// TagLocal
	Key string `json:"key,omitempty"`

	// TagRelational
	RowID string `json:"row_id,omitempty"`
}

func NetworkLocator(cid string) Locator { return Locator{Tag: TagNetwork, CID: cid} }

func ChainLocator(fileID, manifestTx string) Locator {
	return Locator{Tag: TagChain, ChainFileID: fileID, ManifestTx: manifestTx}
}

func LocalLocator(key string) Locator { return Locator{Tag: TagLocal, Key: key} }

func RelationalLocator(rowID string) Locator { return Locator{Tag: TagRelational, RowID: rowID} }

// IsZero reports whether the locator is unset (for example on a destroyed file).
func (l Locator) IsZero() bool {
	return l == Locator{}
}

// Validate checks that the fields required by the tag are present.
func (l Locator) Validate() error {
	var ok bool
	switch l.Tag {
	case TagNetwork:
		ok = l.CID != ""
	case TagChain:
		ok = l.ChainFileID != "" && l.ManifestTx != ""
	case TagLocal:
		ok = l.Key != ""
	case TagRelational:
		ok = l.RowID != ""
	default:
		return fmt.Errorf("%w: unknown tag %q", ErrInvalidLocator, l.Tag)
	}
	if !ok {
		return fmt.Errorf("%w: missing address for tag %q", ErrInvalidLocator, l.Tag)
	}
	return nil
}

// Address returns the backend specific address without the tag.
func (l Locator) Address() string {
	switch l.Tag {
	case TagNetwork:
		return l.CID
	case TagChain:
		return l.ChainFileID + "/" + l.ManifestTx
	case TagLocal:
		return l.Key
	case TagRelational:
		return l.RowID
	}
	return ""
}

// String renders "tag:address"; the zero Locator renders as "".
func (l Locator) String() string {
	if l.IsZero() {
		return ""
	}
	return string(l.Tag) + ":" + l.Address()
}

// ParseLocator is the inverse of Locator.String.
func ParseLocator(s string) (Locator, error) {
	if s == "" {
		return Locator{}, nil
	}
	tag, addr, found := strings.Cut(s, ":")
	if !found || addr == "" {
		return Locator{}, fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}

	var l Locator
	switch Tag(tag) {
	case TagNetwork:
		l = NetworkLocator(addr)
	case TagChain:
		fileID, tx, ok := strings.Cut(addr, "/")
		if !ok {
			return Locator{}, fmt.Errorf("%w: chain locator needs file id and manifest tx: %q", ErrInvalidLocator, s)
		}
		l = ChainLocator(fileID, tx)
	case TagLocal:
		l = LocalLocator(addr)
	case TagRelational:
		l = RelationalLocator(addr)
	default:
		return Locator{}, fmt.Errorf("%w: unknown tag %q", ErrInvalidLocator, tag)
	}
	return l, l.Validate()
}
