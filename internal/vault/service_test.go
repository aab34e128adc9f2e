package vault

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/docvault/internal/common"
	"github.com/lgulliver/docvault/internal/storage"
	"github.com/lgulliver/docvault/pkg/config"
	"github.com/lgulliver/docvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

// recordingQueue captures enqueued ids instead of scanning.
type recordingQueue struct {
	ids []uuid.UUID
}

func (q *recordingQueue) Enqueue(id uuid.UUID) bool {
	q.ids = append(q.ids, id)
	return true
}

func setupService(t *testing.T) (*Service, *recordingQueue) {
	t.Helper()

	db, err := common.NewDatabaseWithDialector(sqlite.Open(filepath.Join(t.TempDir(), "docvault.db")))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	queue := &recordingQueue{}
	svc, err := NewService(db, nil, blobs, queue,
		&config.UploadConfig{
			AllowedTypes: []string{"pdf", "txt"},
			MaxSize:      "1kb",
		},
		&config.ScannerConfig{StatusTTL: time.Minute},
	)
	require.NoError(t, err)

	return svc, queue
}

func TestService_Upload(t *testing.T) {
	svc, queue := setupService(t)
	ctx := context.Background()

	doc, err := svc.Upload(ctx, "report.pdf", "application/pdf", strings.NewReader("content"), uuid.New())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, doc.ID)
	assert.Equal(t, types.StatusScanning, doc.Status)
	assert.Equal(t, int64(7), doc.Size)
	assert.NotEmpty(t, doc.SHA256)
	require.Len(t, queue.ids, 1)
	assert.Equal(t, doc.ID, queue.ids[0])

	// Content must be retrievable from storage under the sharded path
	exists, err := svc.Storage.Exists(ctx, doc.StoragePath)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestService_UploadRejectsDisallowedType(t *testing.T) {
	svc, queue := setupService(t)

	_, err := svc.Upload(context.Background(), "malware.exe", "", strings.NewReader("x"), uuid.New())

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "exe")
	assert.Empty(t, queue.ids)
}

func TestService_UploadRejectsOversize(t *testing.T) {
	svc, queue := setupService(t)

	big := bytes.Repeat([]byte("a"), 2000) // limit is 1kb = 1000 bytes
	_, err := svc.Upload(context.Background(), "big.txt", "", bytes.NewReader(big), uuid.New())

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "maximum size")
	assert.Empty(t, queue.ids)
}

func TestService_UploadRejectsEmptyFile(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Upload(context.Background(), "empty.txt", "", strings.NewReader(""), uuid.New())

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestService_Status(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	doc, err := svc.Upload(ctx, "a.txt", "", strings.NewReader("x"), uuid.New())
	require.NoError(t, err)

	status, err := svc.Status(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusScanning, status)

	_, err = svc.Status(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_DownloadOnlyWhenDownloadable(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	doc, err := svc.Upload(ctx, "a.txt", "", strings.NewReader("x"), uuid.New())
	require.NoError(t, err)

	_, _, err = svc.Download(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotDownloadable)

	require.NoError(t, svc.DB.Model(&types.Document{}).Where("id = ?", doc.ID).
		Update("status", types.StatusDownloadable).Error)

	got, rc, err := svc.Download(ctx, doc.ID)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, doc.ID, got.ID)
}

func TestService_Delete(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	doc, err := svc.Upload(ctx, "a.txt", "", strings.NewReader("x"), uuid.New())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, doc.ID))

	_, err = svc.Status(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := svc.Storage.Exists(ctx, doc.StoragePath)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, svc.Delete(ctx, doc.ID), ErrNotFound)
}
