package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// fakeUploader captures uploaded objects and can fail on demand.
type fakeUploader struct {
	mu      sync.Mutex
	err     error
	bucket  string
	objects map[string][]byte
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: make(map[string][]byte)}
}

func (u *fakeUploader) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return minio.UploadInfo{}, u.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	u.bucket = bucketName
	u.objects[objectName] = data
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: objectSize}, nil
}

func (u *fakeUploader) keys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.objects))
	for k := range u.objects {
		out = append(out, k)
	}
	return out
}

func event(clientID string) models.UsageEvent {
	return models.UsageEvent{
		ClientID:  clientID,
		Endpoint:  "convert",
		Admitted:  true,
		Current:   1,
		Max:       10,
		Strategy:  "full",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBlobSink_FlushWritesOneBatchObject(t *testing.T) {
	uploader := newFakeUploader()
	sink := NewBlobSink(uploader, "analytics", 100, nil, logger.NewNoopLogger())

	sink.Record(event("client-1"))
	sink.Record(event("client-2"))
	require.Equal(t, 2, sink.Buffered())

	require.NoError(t, sink.Flush(context.Background()))
	assert.Zero(t, sink.Buffered())

	keys := uploader.keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "analytics", uploader.bucket)

	var batch []models.UsageEvent
	require.NoError(t, json.Unmarshal(uploader.objects[keys[0]], &batch))
	require.Len(t, batch, 2)
	assert.Equal(t, "client-1", batch[0].ClientID)
	assert.NotEmpty(t, batch[0].EventID, "events get an id assigned on record")
}

func TestBlobSink_ObjectKeyIsDateHourPartitioned(t *testing.T) {
	uploader := newFakeUploader()
	sink := NewBlobSink(uploader, "analytics", 100, nil, logger.NewNoopLogger())
	sink.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }

	sink.Record(event("client-1"))
	require.NoError(t, sink.Flush(context.Background()))

	keys := uploader.keys()
	require.Len(t, keys, 1)
	assert.Regexp(t, regexp.MustCompile(`^2026-03-01/09/\d+-[0-9a-f]{8}\.json$`), keys[0])
}

func TestBlobSink_FailedFlushRetainsBuffer(t *testing.T) {
	uploader := newFakeUploader()
	uploader.err = errors.New("storage unreachable")
	sink := NewBlobSink(uploader, "analytics", 100, nil, logger.NewNoopLogger())

	sink.Record(event("client-1"))
	err := sink.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, sink.Buffered(), "no event may be lost on a transient outage")

	// Once storage is back, the retained events flush normally.
	uploader.mu.Lock()
	uploader.err = nil
	uploader.mu.Unlock()
	require.NoError(t, sink.Flush(context.Background()))
	assert.Zero(t, sink.Buffered())
	assert.Len(t, uploader.keys(), 1)
}

func TestBlobSink_BatchSizeTriggersAsyncFlush(t *testing.T) {
	uploader := newFakeUploader()
	sink := NewBlobSink(uploader, "analytics", 3, nil, logger.NewNoopLogger())

	sink.Record(event("client-1"))
	sink.Record(event("client-2"))
	assert.Empty(t, uploader.keys(), "below the batch size nothing is flushed")

	sink.Record(event("client-3"))
	assert.Eventually(t, func() bool {
		return sink.Buffered() == 0 && len(uploader.keys()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// gatedUploader holds each upload in transit until released.
type gatedUploader struct {
	*fakeUploader
	entered chan struct{}
	release chan struct{}
}

func (u *gatedUploader) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	u.entered <- struct{}{}
	<-u.release
	return u.fakeUploader.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func TestBlobSink_ConcurrentFlushesUploadEachEventOnce(t *testing.T) {
	uploader := &gatedUploader{
		fakeUploader: newFakeUploader(),
		entered:      make(chan struct{}, 2),
		release:      make(chan struct{}),
	}
	sink := NewBlobSink(uploader, "analytics", 100, nil, logger.NewNoopLogger())

	for i := 0; i < 5; i++ {
		sink.Record(event("client-1"))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.Flush(context.Background()))
		}()
	}

	// One flush is in transit; the other must wait for it instead of
	// copying the same events.
	<-uploader.entered
	close(uploader.release)
	wg.Wait()

	assert.Zero(t, sink.Buffered())
	total := 0
	for _, key := range uploader.keys() {
		var batch []models.UsageEvent
		require.NoError(t, json.Unmarshal(uploader.objects[key], &batch))
		total += len(batch)
	}
	assert.Equal(t, 5, total, "each event is uploaded exactly once")
}

func TestBlobSink_FlushOfEmptyBufferIsNoop(t *testing.T) {
	uploader := newFakeUploader()
	sink := NewBlobSink(uploader, "analytics", 100, nil, logger.NewNoopLogger())

	require.NoError(t, sink.Flush(context.Background()))
	assert.Empty(t, uploader.keys())
}
