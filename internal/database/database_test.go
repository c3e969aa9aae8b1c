package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vault/internal/testutil"
	"github.com/i5heu/ouroboros-vault/pkg/model"
	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Driver: DriverSQLite, DSN: testutil.SQLiteDSN(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createFile(t *testing.T, db *DB, owner string) model.FileRecord {
	t.Helper()
	f := model.FileRecord{
		ID:          uuid.NewString(),
		Name:        "doc.txt",
		MimeType:    "text/plain",
		Size:        10,
		OwnerID:     owner,
		StorageType: storage.TagLocal,
		Locator:     storage.LocalLocator("vault_file_x").String(),
		Status:      model.FileActive,
	}
	require.NoError(t, db.CreateFile(context.Background(), &f))
	return f
}

func grant(t *testing.T, db *DB, fileID, recipient string) model.Permission {
	t.Helper()
	p := model.Permission{FileID: fileID, RecipientEmail: recipient, GrantedBy: "owner", Status: model.PermissionActive}
	require.NoError(t, db.InsertPermission(context.Background(), &p))
	return p
}

func TestFileCRUD(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	f := createFile(t, db, "alice")

	got, err := db.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Name, got.Name)
	assert.Equal(t, model.FileActive, got.Status)

	_, err = db.GetFile(ctx, "missing")
	require.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, db.MarkChainRegistered(ctx, f.ID, "7", "0xabc"))
	got, err = db.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, got.BlockchainRegistered)
	assert.Equal(t, "0xabc", got.ChainTxRef)

	files, err := db.ListFiles(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestUpdateFileWhereIsConditional(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	f := createFile(t, db, "alice")

	locked := model.FileLocked
	ok, err := db.UpdateFileWhere(ctx, f.ID, model.FileActive, model.FileUpdate{Status: &locked})
	require.NoError(t, err)
	assert.True(t, ok)

	revoked := model.FileRevoked
	ok, err = db.UpdateFileWhere(ctx, f.ID, model.FileActive, model.FileUpdate{Status: &revoked})
	require.NoError(t, err)
	assert.False(t, ok)

	active := model.FileActive
	_, err = db.UpdateFileWhere(ctx, f.ID, model.FileLocked, model.FileUpdate{Status: &active})
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	got, err := db.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FileLocked, got.Status)
}

func TestLatestPermissionOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	f := createFile(t, db, "alice")

	grant(t, db, f.ID, "bob@example.com")
	second := grant(t, db, f.ID, "bob@example.com")

	p, err := db.LatestActivePermission(ctx, f.ID, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, second.ID, p.ID)

	_, err = db.LatestActivePermission(ctx, f.ID, "carol@example.com")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestConcurrentTransitionsChangeEachRowOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	f := createFile(t, db, "alice")
	grant(t, db, f.ID, "bob@example.com")

	var wg sync.WaitGroup
	counts := make([]int, 8)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			now := time.Now().UTC()
			changed, err := db.TransitionPairPermissions(ctx, f.ID, "bob@example.com",
				model.PermissionUpdate{Status: model.PermissionRevoked, RevokedAt: &now})
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			counts[i] = len(changed)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 1, total)
}

func TestOwnerTransitionOnlyTouchesOwnersFiles(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mine1 := createFile(t, db, "alice")
	mine2 := createFile(t, db, "alice")
	theirs := createFile(t, db, "mallory")

	grant(t, db, mine1.ID, "a@example.com")
	grant(t, db, mine1.ID, "b@example.com")
	grant(t, db, mine2.ID, "a@example.com")
	grant(t, db, theirs.ID, "a@example.com")

	changed, err := db.TransitionOwnerPermissions(ctx, "alice", model.PermissionUpdate{Status: model.PermissionEmergencyRevoked})
	require.NoError(t, err)
	assert.Len(t, changed, 3)

	perms, err := db.ListPermissions(ctx, theirs.ID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, model.PermissionActive, perms[0].Status)
}

func TestExpireActiveBefore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	f := createFile(t, db, "alice")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	for _, exp := range []*time.Time{&past, &future, nil} {
		p := model.Permission{FileID: f.ID, RecipientEmail: "x@example.com", GrantedBy: "o", Status: model.PermissionActive, ExpiresAt: exp}
		require.NoError(t, db.InsertPermission(ctx, &p))
	}

	n, err := db.ExpireActiveBefore(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	perms, err := db.ListPermissions(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PermissionExpired, perms[0].Status)
	assert.Equal(t, model.PermissionActive, perms[1].Status)
	assert.Equal(t, model.PermissionActive, perms[2].Status)
}

func TestMirrorRecordsAndDeletePermissions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	f := createFile(t, db, "alice")
	p := grant(t, db, f.ID, "bob@example.com")

	require.NoError(t, db.SetPermissionChainTx(ctx, p.ID, "0x1"))
	require.NoError(t, db.RecordMirror(ctx, &model.MirrorRecord{Op: "grant", FileID: f.ID, TxRef: "0x1"}))
	require.NoError(t, db.RecordMirror(ctx, &model.MirrorRecord{Op: "revoke", FileID: f.ID, Skipped: true}))

	recs, err := db.MirrorRecords(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "grant", recs[0].Op)

	n, err := db.DeleteFilePermissions(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBlobStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	bs := db.BlobStore()

	loc, err := bs.Put(ctx, []byte{1, 2, 3, 0}, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, storage.TagRelational, loc.Tag)

	data, err := bs.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0}, data)

	require.NoError(t, bs.Delete(ctx, loc))
	_, err = bs.Get(ctx, loc)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, bs.Delete(ctx, loc), storage.ErrNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mysql", DSN: "x"})
	require.Error(t, err)
	_, err = Open(Config{Driver: DriverPostgres})
	require.Error(t, err)
}
