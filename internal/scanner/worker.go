package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/docvault/internal/common"
	"github.com/lgulliver/docvault/internal/storage"
	"github.com/lgulliver/docvault/pkg/config"
	"github.com/lgulliver/docvault/pkg/types"
	"github.com/rs/zerolog/log"
)

// StatusCacheKey returns the cache key for a document's scan status.
func StatusCacheKey(id uuid.UUID) string {
	return "docvault:status:" + id.String()
}

// Worker consumes queued document ids and moves each document from
// "scanning" to its final status.
type Worker struct {
	db      *common.Database
	cache   *common.Cache
	blobs   storage.BlobStorage
	scanner Scanner
	cfg     *config.ScannerConfig

	queue chan uuid.UUID
	wg    sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewWorker creates a scan worker pool. The cache may be nil, in which case
// only the database is updated.
func NewWorker(db *common.Database, cache *common.Cache, blobs storage.BlobStorage, scanner Scanner, cfg *config.ScannerConfig) *Worker {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	return &Worker{
		db:      db,
		cache:   cache,
		blobs:   blobs,
		scanner: scanner,
		cfg:     cfg,
		queue:   make(chan uuid.UUID, queueSize),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	workers := w.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}

	log.Info().Int("workers", workers).Msg("scan worker pool started")
}

// Stop closes the queue and waits for in-flight scans to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
		close(w.queue)
	})
	w.wg.Wait()
}

// Enqueue schedules a document for scanning. It never blocks the upload
// path: when the queue is full the document stays "scanning" and is picked
// up by Requeue on the next sweep.
func (w *Worker) Enqueue(id uuid.UUID) bool {
	select {
	case <-w.stopped:
		return false
	default:
	}

	select {
	case w.queue <- id:
		return true
	default:
		log.Warn().Str("document_id", id.String()).Msg("scan queue full, document left pending")
		return false
	}
}

// RequeuePending re-enqueues documents still marked scanning, e.g. after a
// restart or a full queue.
func (w *Worker) RequeuePending(ctx context.Context) error {
	var docs []types.Document
	if err := w.db.WithContext(ctx).Where("status = ?", types.StatusScanning).Find(&docs).Error; err != nil {
		return err
	}

	for _, doc := range docs {
		w.Enqueue(doc.ID)
	}

	if len(docs) > 0 {
		log.Info().Int("count", len(docs)).Msg("requeued pending scans")
	}
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-w.queue:
			if !ok {
				return
			}
			w.scanDocument(ctx, id)
		}
	}
}

func (w *Worker) scanDocument(ctx context.Context, id uuid.UUID) {
	if w.cfg.ScanDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.ScanDelay):
		}
	}

	var doc types.Document
	if err := w.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		// Deleted while queued; nothing to do
		log.Debug().Str("document_id", id.String()).Msg("document gone before scan")
		return
	}

	// A concurrent delete-and-reupload could have reused the queue slot
	if doc.Status != types.StatusScanning {
		return
	}

	start := time.Now()
	status, message := w.runScan(ctx, &doc)

	result := w.db.WithContext(ctx).Model(&types.Document{}).
		Where("id = ? AND status = ?", doc.ID, types.StatusScanning).
		Updates(map[string]interface{}{"status": status, "scan_message": message})
	if result.Error != nil {
		log.Error().Err(result.Error).Str("document_id", doc.ID.String()).Msg("failed to persist scan result")
		return
	}
	if result.RowsAffected == 0 {
		// Deleted mid-scan; do not write a cache entry for a dead document
		log.Debug().Str("document_id", doc.ID.String()).Msg("document removed during scan")
		return
	}

	if w.cache != nil {
		entry := types.ScanStatusResponse{Status: status}
		if err := w.cache.Set(ctx, StatusCacheKey(doc.ID), &entry, w.cfg.StatusTTL); err != nil {
			log.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("failed to cache scan status")
		}
	}

	log.Info().
		Str("document_id", doc.ID.String()).
		Str("file_name", doc.FileName).
		Str("status", string(status)).
		Dur("duration", time.Since(start)).
		Msg("scan finished")
}

func (w *Worker) runScan(ctx context.Context, doc *types.Document) (types.DocumentStatus, string) {
	content, err := w.blobs.Retrieve(ctx, doc.StoragePath)
	if err != nil {
		log.Error().Err(err).Str("document_id", doc.ID.String()).Msg("failed to retrieve document for scanning")
		return types.StatusScanFailed, "content unavailable for scanning"
	}
	defer content.Close()

	verdict, detail, err := w.scanner.Scan(ctx, content)
	if err != nil {
		log.Error().Err(err).Str("document_id", doc.ID.String()).Msg("scan error")
		return types.StatusScanFailed, "scan failed"
	}

	if verdict == VerdictInfected {
		return types.StatusNotDownloadable, detail
	}
	return types.StatusDownloadable, ""
}
