// Package media asynchronously fetches binary attachments referenced by
// normalized messages, under size and concurrency limits. The normalizer is
// never blocked by queue pressure.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/logger"
	"github.com/meridianlab/wabridge/pkg/protocol"
)

// ErrPathEscapes is returned when a computed file path would land outside
// the configured media root. This is an integrity error for the single
// task, not for the process.
var ErrPathEscapes = errors.New("media: resolved path escapes media root")

// Store is the persistence surface of the download queue.
type Store interface {
	InsertMediaItem(ctx context.Context, item domain.MediaItem) error
	SetMediaStatus(ctx context.Context, mediaID string, status domain.MediaStatus, reason, filePath string) error
}

// Task is one pending attachment download.
type Task struct {
	MediaID   string
	MessageID string
	ChatJID   string
	Ref       protocol.MediaRef
}

// Options configure the queue.
type Options struct {
	AutoDownload bool
	MaxSizeMB    int64 // 0 = unlimited
	RootDir      string
	QueueSize    int
	Delay        time.Duration // pause between tasks, upstream rate limit
}

// Queue is a bounded FIFO download queue drained by a single worker.
type Queue struct {
	store   Store
	session protocol.Session
	hub     domain.EventBus
	opts    Options
	tasks   chan Task
}

// NewQueue creates the queue. Run must be started for tasks to drain.
func NewQueue(store Store, session protocol.Session, hub domain.EventBus, opts Options) *Queue {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Queue{
		store:   store,
		session: session,
		hub:     hub,
		opts:    opts,
		tasks:   make(chan Task, opts.QueueSize),
	}
}

// Enqueue records the media row synchronously (so the caller can reference
// the media id immediately) and queues the download. It never blocks: when
// the queue is full the row stays pending and the task is dropped with a
// warning. The returned item carries the id and initial status.
func (q *Queue) Enqueue(ctx context.Context, task Task) domain.MediaItem {
	if task.MediaID == "" {
		task.MediaID = uuid.NewString()
	}
	item := domain.MediaItem{
		ID:           task.MediaID,
		MessageID:    task.MessageID,
		ChatJID:      task.ChatJID,
		MimeType:     task.Ref.MimeType,
		DeclaredSize: task.Ref.Size,
		Status:       domain.MediaPending,
		CreatedAt:    time.Now().UTC(),
	}

	if !q.opts.AutoDownload {
		item.Status = domain.MediaSkipped
		item.StatusReason = "auto-download disabled"
	} else if limit := q.opts.MaxSizeMB * 1024 * 1024; limit > 0 && task.Ref.Size > limit {
		item.Status = domain.MediaSkipped
		item.StatusReason = fmt.Sprintf("declared size %d exceeds limit %dMB", task.Ref.Size, q.opts.MaxSizeMB)
	}

	if err := q.store.InsertMediaItem(ctx, item); err != nil {
		logger.ErrorCF("media", "Failed to record media item", map[string]interface{}{
			"media_id": item.ID,
			"error":    err.Error(),
		})
		return item
	}

	if item.Status == domain.MediaSkipped {
		logger.DebugCF("media", "Download skipped", map[string]interface{}{
			"media_id": item.ID,
			"reason":   item.StatusReason,
		})
		return item
	}

	select {
	case q.tasks <- task:
	default:
		// Row stays pending for a future manual retry; the caller must
		// never be blocked by queue pressure.
		logger.WarnCF("media", "Download queue full, task dropped", map[string]interface{}{
			"media_id":   item.ID,
			"message_id": task.MessageID,
		})
	}
	return item
}

// Run drains the queue strictly FIFO, one task at a time, until ctx is
// cancelled. Call in a goroutine.
func (q *Queue) Run(ctx context.Context) {
	logger.InfoCF("media", "Download worker started", map[string]interface{}{
		"queue_size": q.opts.QueueSize,
		"max_mb":     q.opts.MaxSizeMB,
	})
	for {
		select {
		case <-ctx.Done():
			logger.InfoC("media", "Download worker stopped")
			return
		case task := <-q.tasks:
			q.process(ctx, task)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.opts.Delay):
			}
		}
	}
}

// Pending returns the number of queued tasks (diagnostics).
func (q *Queue) Pending() int { return len(q.tasks) }

func (q *Queue) process(ctx context.Context, task Task) {
	data, err := q.session.DownloadMedia(ctx, task.Ref)
	if err != nil {
		q.fail(ctx, task, fmt.Sprintf("download: %v", err))
		return
	}

	path, err := q.targetPath(data, task.Ref)
	if err != nil {
		q.fail(ctx, task, err.Error())
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		q.fail(ctx, task, fmt.Sprintf("mkdir: %v", err))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		q.fail(ctx, task, fmt.Sprintf("write: %v", err))
		return
	}

	if err := q.store.SetMediaStatus(ctx, task.MediaID, domain.MediaDownloaded, "", path); err != nil {
		logger.ErrorCF("media", "Failed to mark media downloaded", map[string]interface{}{
			"media_id": task.MediaID,
			"error":    err.Error(),
		})
		return
	}
	logger.InfoCF("media", "Media downloaded", map[string]interface{}{
		"media_id": task.MediaID,
		"bytes":    len(data),
		"path":     path,
	})
	q.hub.Publish(domain.NewEvent(domain.EventMediaDownloaded, map[string]interface{}{
		"media_id":   task.MediaID,
		"message_id": task.MessageID,
		"chat_jid":   task.ChatJID,
		"file_path":  path,
		"size":       len(data),
	}))
}

// fail marks a task failed with the error text. Failed tasks are never
// retried automatically.
func (q *Queue) fail(ctx context.Context, task Task, reason string) {
	logger.WarnCF("media", "Download failed", map[string]interface{}{
		"media_id": task.MediaID,
		"reason":   reason,
	})
	if err := q.store.SetMediaStatus(ctx, task.MediaID, domain.MediaFailed, reason, ""); err != nil {
		logger.ErrorCF("media", "Failed to mark media failed", map[string]interface{}{
			"media_id": task.MediaID,
			"error":    err.Error(),
		})
	}
	q.hub.Publish(domain.NewEvent(domain.EventMediaFailed, map[string]interface{}{
		"media_id":   task.MediaID,
		"message_id": task.MessageID,
		"reason":     reason,
	}))
}

// targetPath computes the content-addressed location for downloaded bytes:
// root/YYYY-MM/<sha256 prefix>.<ext>. A result outside the media root is
// rejected, never written.
func (q *Queue) targetPath(data []byte, ref protocol.MediaRef) (string, error) {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:])[:16] + extensionFor(ref)
	partition := time.Now().UTC().Format("2006-01")

	root, err := filepath.Abs(q.opts.RootDir)
	if err != nil {
		return "", fmt.Errorf("media root: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(root, partition, name))
	if err != nil {
		return "", fmt.Errorf("media path: %w", err)
	}
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", ErrPathEscapes
	}
	return path, nil
}

var mimeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"application/pdf": ".pdf",
}

func extensionFor(ref protocol.MediaRef) string {
	if ext, ok := mimeExtensions[baseMime(ref.MimeType)]; ok {
		return ext
	}
	if ext := filepath.Ext(ref.FileName); ext != "" && !strings.ContainsAny(ext, "/\\") {
		return ext
	}
	return ".bin"
}

func baseMime(mime string) string {
	if idx := strings.IndexByte(mime, ';'); idx >= 0 {
		mime = mime[:idx]
	}
	return strings.TrimSpace(mime)
}
