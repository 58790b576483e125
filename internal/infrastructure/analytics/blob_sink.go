// Package analytics ships batched usage events to blob storage for offline
// analysis. It is never on the admission critical path.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/internal/domain/service"
	"github.com/fit2garmin/throttle/internal/infrastructure/monitoring"
	"github.com/fit2garmin/throttle/pkg/constants"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// ObjectUploader is the slice of the minio client the sink needs; tests
// substitute a fake.
type ObjectUploader interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// BlobSink buffers usage events in memory and flushes them as one JSON
// object per batch under a date/hour/timestamp key.
//
// Flush failures leave the buffer intact so no event is lost on a transient
// outage; the buffer grows without bound if the sink stays down, which is a
// documented limitation.
type BlobSink struct {
	mu        sync.Mutex // guards buffer
	flushMu   sync.Mutex // serializes flushes, held across the upload
	buffer    []models.UsageEvent
	uploader  ObjectUploader
	bucket    string
	batchSize int
	metrics   *monitoring.Metrics
	log       logger.Logger
	now       func() time.Time
}

var _ service.AnalyticsSink = (*BlobSink)(nil)

// NewBlobSink creates the sink. batchSize is the buffered-event count that
// triggers an automatic flush.
func NewBlobSink(uploader ObjectUploader, bucket string, batchSize int, metrics *monitoring.Metrics, log logger.Logger) *BlobSink {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BlobSink{
		uploader:  uploader,
		bucket:    bucket,
		batchSize: batchSize,
		metrics:   metrics,
		log:       log.WithComponent("analytics_sink"),
		now:       time.Now,
	}
}

// Record implements service.AnalyticsSink. It never blocks the caller: a
// batch-triggered flush runs on its own goroutine with its own deadline.
func (s *BlobSink) Record(event models.UsageEvent) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, event)
	full := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if full {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Flush(ctx); err != nil {
				s.log.Warn(ctx, "batch flush failed, buffer retained",
					logger.Any("error", err.Error()))
			}
		}()
	}
}

// Flush implements service.AnalyticsSink. Events recorded while a flush is
// in transit stay buffered for the next one.
func (s *BlobSink) Flush(ctx context.Context) error {
	// One flush at a time: the truncation below assumes the copied batch is
	// still the buffer's prefix, and only another flush removes entries. A
	// batch-triggered flush racing a maintenance or shutdown flush would
	// otherwise upload the same events twice and truncate past the buffer.
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := make([]models.UsageEvent, len(s.buffer))
	copy(batch, s.buffer)
	s.mu.Unlock()

	payload, err := json.Marshal(batch) // one newline-free JSON document
	if err != nil {
		s.metrics.RecordFlush(err)
		return errors.ErrInternal("failed to encode analytics batch").WithCause(err)
	}

	key := s.objectKey()
	_, err = s.uploader.PutObject(ctx, s.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	s.metrics.RecordFlush(err)
	if err != nil {
		return errors.ErrTierUnavailable(string(constants.TierAnalytics), err)
	}

	s.mu.Lock()
	s.buffer = s.buffer[len(batch):]
	s.mu.Unlock()

	s.log.Debug(ctx, "analytics batch flushed",
		logger.Int("events", len(batch)), logger.String("key", key))
	return nil
}

// Buffered reports how many events await flushing.
func (s *BlobSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// objectKey builds the date/hour/timestamp partition path.
func (s *BlobSink) objectKey() string {
	now := s.now().UTC()
	return fmt.Sprintf("%s/%02d/%d-%s.json",
		now.Format("2006-01-02"), now.Hour(), now.UnixNano(), uuid.NewString()[:8])
}
