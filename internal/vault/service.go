// Package vault implements the server-side document lifecycle: upload,
// scan-status lookup, download and deletion.
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/docvault/internal/common"
	"github.com/lgulliver/docvault/internal/scanner"
	"github.com/lgulliver/docvault/internal/storage"
	"github.com/lgulliver/docvault/pkg/config"
	"github.com/lgulliver/docvault/pkg/sizefmt"
	"github.com/lgulliver/docvault/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a document id does not exist.
var ErrNotFound = errors.New("document not found")

// ErrNotDownloadable is returned when a download is requested for a document
// that has not passed the scan.
var ErrNotDownloadable = errors.New("document is not downloadable")

// ValidationError rejects an upload before any content is stored.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ScanQueue is the part of the scan worker the vault needs.
type ScanQueue interface {
	Enqueue(id uuid.UUID) bool
}

// Service handles document operations
type Service struct {
	DB      *common.Database
	Cache   *common.Cache // optional
	Storage storage.BlobStorage
	Scans   ScanQueue

	allowedTypes map[string]struct{}
	maxSize      int64
	statusTTL    time.Duration
}

// NewService creates a new document service
func NewService(db *common.Database, cache *common.Cache, blobs storage.BlobStorage, scans ScanQueue, uploadCfg *config.UploadConfig, scannerCfg *config.ScannerConfig) (*Service, error) {
	maxSize, err := sizefmt.ParseLimit(uploadCfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("invalid upload size limit: %w", err)
	}

	allowed := make(map[string]struct{}, len(uploadCfg.AllowedTypes))
	for _, t := range uploadCfg.AllowedTypes {
		allowed[strings.ToLower(t)] = struct{}{}
	}

	return &Service{
		DB:           db,
		Cache:        cache,
		Storage:      blobs,
		Scans:        scans,
		allowedTypes: allowed,
		maxSize:      maxSize,
		statusTTL:    scannerCfg.StatusTTL,
	}, nil
}

// Upload validates and stores a document, creates its metadata row with
// status "scanning" and queues it for the scan worker.
func (s *Service) Upload(ctx context.Context, fileName, contentType string, content io.Reader, uploadedBy uuid.UUID) (*types.Document, error) {
	if ext := sizefmt.Ext(fileName); len(s.allowedTypes) > 0 {
		if _, ok := s.allowedTypes[ext]; !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("file type %q is not allowed", ext)}
		}
	}

	reader := content
	if s.maxSize < sizefmt.Unbounded {
		reader = io.LimitReader(content, s.maxSize+1)
	}
	contentBytes, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(contentBytes)) > s.maxSize {
		return nil, &ValidationError{Reason: fmt.Sprintf("file exceeds the maximum size of %s", sizefmt.Human(s.maxSize))}
	}
	if len(contentBytes) == 0 {
		return nil, &ValidationError{Reason: "empty file"}
	}

	doc := &types.Document{
		ID:          uuid.New(),
		FileName:    fileName,
		ContentType: contentType,
		Size:        int64(len(contentBytes)),
		Status:      types.StatusScanning,
		UploadedBy:  uploadedBy,
	}
	doc.StoragePath = storagePath(doc.ID)

	written, checksum, err := s.Storage.Store(ctx, doc.StoragePath, bytes.NewReader(contentBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	doc.Size = written
	doc.SHA256 = checksum

	if err := s.DB.WithContext(ctx).Create(doc).Error; err != nil {
		// Roll back the blob so storage and metadata stay in step
		s.Storage.Delete(ctx, doc.StoragePath)
		return nil, fmt.Errorf("failed to save document metadata: %w", err)
	}

	s.Scans.Enqueue(doc.ID)

	log.Info().
		Str("document_id", doc.ID.String()).
		Str("file_name", doc.FileName).
		Int64("size", doc.Size).
		Msg("document uploaded")

	return doc, nil
}

// Status returns the scan status for a document, preferring the cache.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (types.DocumentStatus, error) {
	if s.Cache != nil {
		var cached types.ScanStatusResponse
		if err := s.Cache.Get(ctx, scanner.StatusCacheKey(id), &cached); err == nil {
			return cached.Status, nil
		} else if err != common.ErrCacheMiss {
			log.Warn().Err(err).Str("document_id", id.String()).Msg("status cache lookup failed")
		}
	}

	var doc types.Document
	if err := s.DB.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get document: %w", err)
	}

	// Only final statuses are worth caching; scanning changes under us
	if s.Cache != nil && doc.Status != types.StatusScanning {
		entry := types.ScanStatusResponse{Status: doc.Status}
		if err := s.Cache.Set(ctx, scanner.StatusCacheKey(id), &entry, s.statusTTL); err != nil {
			log.Warn().Err(err).Str("document_id", id.String()).Msg("failed to cache scan status")
		}
	}

	return doc.Status, nil
}

// Download returns the document metadata and a reader over its content.
func (s *Service) Download(ctx context.Context, id uuid.UUID) (*types.Document, io.ReadCloser, error) {
	var doc types.Document
	if err := s.DB.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to get document: %w", err)
	}

	if doc.Status != types.StatusDownloadable {
		return nil, nil, ErrNotDownloadable
	}

	content, err := s.Storage.Retrieve(ctx, doc.StoragePath)
	if err != nil {
		log.Error().Err(err).Str("storage_path", doc.StoragePath).Msg("failed to retrieve document content")
		return nil, nil, fmt.Errorf("failed to retrieve document: %w", err)
	}

	return &doc, content, nil
}

// Delete removes a document's content, metadata and cached status. Removing
// the row first guarantees a poll arriving mid-delete cannot see a stale
// "scanning" status after the delete succeeded.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	var doc types.Document
	if err := s.DB.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get document: %w", err)
	}

	if err := s.DB.WithContext(ctx).Delete(&types.Document{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete document metadata: %w", err)
	}

	if s.Cache != nil {
		if err := s.Cache.Delete(ctx, scanner.StatusCacheKey(id)); err != nil {
			log.Warn().Err(err).Str("document_id", id.String()).Msg("failed to evict cached status")
		}
	}

	if err := s.Storage.Delete(ctx, doc.StoragePath); err != nil {
		// Metadata is already gone; an orphaned blob is only logged
		log.Error().Err(err).Str("storage_path", doc.StoragePath).Msg("failed to delete document content")
	}

	log.Info().Str("document_id", id.String()).Str("file_name", doc.FileName).Msg("document deleted")
	return nil
}

// Get returns document metadata by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*types.Document, error) {
	var doc types.Document
	if err := s.DB.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// storagePath shards blobs by the first two characters of the document id.
func storagePath(id uuid.UUID) string {
	s := id.String()
	return s[:2] + "/" + s
}
