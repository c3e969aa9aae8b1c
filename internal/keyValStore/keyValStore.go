// Package keyValStore is the local persistent storage tier. Ciphertext is
// kept base64 encoded in badger under a generated key, and every key is
// appended to an index so the stored blobs can be enumerated.
package keyValStore

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

const (
	keyPrefix  = "vault_file_"
	metaPrefix = "vault_meta_"
	indexKey   = "vault_index"
	usageKey   = "vault_usage"
)

// Entry describes one stored blob.
type Entry struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Mime      string    `json:"mime"`
	Size      int       `json:"size"`
	Encoded   int64     `json:"encoded"`
	CreatedAt time.Time `json:"created_at"`
}

type KeyValStore struct {
	config   StoreConfig
	log      *logrus.Logger
	badgerDB *badger.DB

	// serializes writers of the index and usage keys
	writeMu sync.Mutex

	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
		config.Logger.SetLevel(logrus.WarnLevel)
	}

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = config.Logger
	opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %s: %w", config.Path, err)
	}

	displayDiskUsage(config.Logger, config.Path)

	return &KeyValStore{
		config:   config,
		log:      config.Logger,
		badgerDB: db,
	}, nil
}

func (k *KeyValStore) Tag() storage.Tag { return storage.TagLocal }

// Put stores ciphertext under a new key and appends the key to the index.
// It fails with *storage.QuotaExceededError when the quota or the disk
// reserve would be exceeded.
func (k *KeyValStore) Put(ctx context.Context, ciphertext []byte, name, mime string) (storage.Locator, error) {
	if err := ctx.Err(); err != nil {
		return storage.Locator{}, err
	}

	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	requested := int64(len(encoded))
	key := keyPrefix + uuid.NewString()

	k.writeMu.Lock()
	defer k.writeMu.Unlock()

	if err := k.checkDiskReserve(requested); err != nil {
		return storage.Locator{}, err
	}

	meta, err := json.Marshal(Entry{
		Key:       key,
		Name:      name,
		Mime:      mime,
		Size:      len(ciphertext),
		Encoded:   requested,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagLocal, err)
	}

	atomic.AddUint64(&k.writeCounter, 1)
	err = k.badgerDB.Update(func(txn *badger.Txn) error {
		used, err := readUsage(txn)
		if err != nil {
			return err
		}
		if q := k.config.QuotaBytes; q > 0 && used+requested > q {
			return &storage.QuotaExceededError{Tag: storage.TagLocal, Requested: requested, Available: max(q-used, 0)}
		}

		index, err := readIndex(txn)
		if err != nil {
			return err
		}
		index = append(index, key)

		if err := txn.Set([]byte(key), []byte(encoded)); err != nil {
			return err
		}
		if err := txn.Set([]byte(metaPrefix+key), meta); err != nil {
			return err
		}
		if err := writeIndex(txn, index); err != nil {
			return err
		}
		return writeUsage(txn, used+requested)
	})

	var quota *storage.QuotaExceededError
	switch {
	case err == nil:
		return storage.LocalLocator(key), nil
	case errors.As(err, &quota):
		return storage.Locator{}, err
	case errors.Is(err, badger.ErrTxnTooBig):
		return storage.Locator{}, &storage.QuotaExceededError{Tag: storage.TagLocal, Requested: requested}
	default:
		return storage.Locator{}, storage.Unavailable(storage.TagLocal, err)
	}
}

func (k *KeyValStore) checkDiskReserve(requested int64) error {
	if k.config.MinimumFreeSpace == 0 {
		return nil
	}
	free, err := freeSpace(k.config.Path)
	if err != nil {
		return storage.Unavailable(storage.TagLocal, err)
	}
	if free < k.config.MinimumFreeSpace+uint64(requested) {
		var avail int64
		if free > k.config.MinimumFreeSpace {
			avail = int64(free - k.config.MinimumFreeSpace)
		}
		return &storage.QuotaExceededError{Tag: storage.TagLocal, Requested: requested, Available: avail}
	}
	return nil
}

func (k *KeyValStore) Get(ctx context.Context, loc storage.Locator) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if loc.Tag != storage.TagLocal || !strings.HasPrefix(loc.Key, keyPrefix) {
		return nil, fmt.Errorf("%w: local store got %q", storage.ErrInvalidLocator, loc.String())
	}

	atomic.AddUint64(&k.readCounter, 1)
	var encoded []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(loc.Key))
		if err != nil {
			return err
		}
		encoded, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, loc.Key)
	}
	if err != nil {
		return nil, storage.Unavailable(storage.TagLocal, err)
	}

	data, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, storage.Unavailable(storage.TagLocal, fmt.Errorf("corrupt entry %s: %w", loc.Key, err))
	}
	return data, nil
}

// Delete removes a blob, its metadata and its index entry.
func (k *KeyValStore) Delete(ctx context.Context, loc storage.Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if loc.Tag != storage.TagLocal {
		return fmt.Errorf("%w: local store got %q locator", storage.ErrInvalidLocator, loc.Tag)
	}

	k.writeMu.Lock()
	defer k.writeMu.Unlock()

	atomic.AddUint64(&k.writeCounter, 1)
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(loc.Key))
		if err != nil {
			return err
		}
		size, err := encodedSize(txn, loc.Key, item)
		if err != nil {
			return err
		}

		index, err := readIndex(txn)
		if err != nil {
			return err
		}
		kept := index[:0]
		for _, key := range index {
			if key != loc.Key {
				kept = append(kept, key)
			}
		}

		used, err := readUsage(txn)
		if err != nil {
			return err
		}

		if err := txn.Delete([]byte(loc.Key)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(metaPrefix + loc.Key)); err != nil {
			return err
		}
		if err := writeIndex(txn, kept); err != nil {
			return err
		}
		return writeUsage(txn, max(used-size, 0))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, loc.Key)
	}
	return err
}

// List returns the entries of the index in insertion order.
func (k *KeyValStore) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	atomic.AddUint64(&k.readCounter, 1)
	var entries []Entry
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		index, err := readIndex(txn)
		if err != nil {
			return err
		}
		for _, key := range index {
			item, err := txn.Get([]byte(metaPrefix + key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				entries = append(entries, Entry{Key: key})
				continue
			}
			if err != nil {
				return err
			}
			var e Entry
			err = item.Value(func(v []byte) error { return json.Unmarshal(v, &e) })
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Usage returns the encoded bytes currently stored.
func (k *KeyValStore) Usage() (int64, error) {
	var used int64
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		var err error
		used, err = readUsage(txn)
		return err
	})
	return used, err
}

// Stats returns the number of read and write operations since start.
func (k *KeyValStore) Stats() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}

// Clean flattens the LSM tree and runs value log garbage collection.
func (k *KeyValStore) Clean() error {
	err := k.badgerDB.Flatten(runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Info("DB Flattened")

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}

func (k *KeyValStore) Close() error {
	return k.badgerDB.Close()
}

// encodedSize returns the bytes a blob added to the usage counter, as noted
// in its metadata at Put.
func encodedSize(txn *badger.Txn, key string, item *badger.Item) (int64, error) {
	meta, err := txn.Get([]byte(metaPrefix + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return int64(item.ValueSize()), nil
	}
	if err != nil {
		return 0, err
	}
	var e Entry
	if err := meta.Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
		return 0, err
	}
	return e.Encoded, nil
}

func readIndex(txn *badger.Txn) ([]string, error) {
	item, err := txn.Get([]byte(indexKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var index []string
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &index) })
	return index, err
}

func writeIndex(txn *badger.Txn, index []string) error {
	b, err := json.Marshal(index)
	if err != nil {
		return err
	}
	return txn.Set([]byte(indexKey), b)
}

func readUsage(txn *badger.Txn) (int64, error) {
	item, err := txn.Get([]byte(usageKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var used int64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt usage counter of %d bytes", len(v))
		}
		used = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return used, err
}

func writeUsage(txn *badger.Txn, used int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(used))
	return txn.Set([]byte(usageKey), b[:])
}
