package upload

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-s3uploads/etagcache"
)

// fakeTransport records every call and tracks the highest number of concurrent calls.
type fakeTransport struct {
	mu          sync.Mutex
	delay       time.Duration
	inFlight    int
	maxInFlight int
	posts       []Chunk
	puts        []Chunk
	observed    []chunkKey

	// failPut returns an error for the given chunk, or nil to succeed.
	failPut func(chunk Chunk) error
	// block keeps calls of the given chunk open until their context is cancelled.
	block   func(chunk Chunk) bool
	started chan chunkKey
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		delay:   5 * time.Millisecond,
		started: make(chan chunkKey, 64),
	}
}

func (t *fakeTransport) Post(ctx context.Context, _ PresignedRequest, chunk Chunk) error {
	t.mu.Lock()
	t.posts = append(t.posts, chunk)
	t.mu.Unlock()

	return t.call(ctx, chunk)
}

func (t *fakeTransport) Put(ctx context.Context, request PresignedRequest, chunk Chunk) (string, error) {
	t.mu.Lock()
	t.puts = append(t.puts, chunk)
	t.mu.Unlock()

	if err := t.call(ctx, chunk); err != nil {
		return "", err
	}
	if t.failPut != nil {
		if err := t.failPut(chunk); err != nil {
			return "", err
		}
	}
	return etagOf(chunk.UploadID, chunk.PartNumber), nil
}

func (t *fakeTransport) call(ctx context.Context, chunk Chunk) error {
	key := chunkKey{chunk.UploadID, chunk.PartNumber}

	t.mu.Lock()
	t.inFlight++
	if t.inFlight > t.maxInFlight {
		t.maxInFlight = t.inFlight
	}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.inFlight--
		t.mu.Unlock()
	}()

	select {
	case t.started <- key:
	default:
	}

	if t.block != nil && t.block(chunk) {
		<-ctx.Done()
		t.mu.Lock()
		t.observed = append(t.observed, key)
		t.mu.Unlock()
		return ctx.Err()
	}

	select {
	case <-time.After(t.delay):
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		t.observed = append(t.observed, key)
		t.mu.Unlock()
		return ctx.Err()
	}
}

func (t *fakeTransport) putCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.puts)
}

func (t *fakeTransport) postCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.posts)
}

func (t *fakeTransport) observedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observed)
}

func (t *fakeTransport) max() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxInFlight
}

func etagOf(uploadID string, partNumber int) string {
	return fmt.Sprintf(`"etag-%s-%d"`, uploadID, partNumber)
}

// countingPartRequester issues fake presigned PUT requests.
type countingPartRequester struct {
	mu    sync.Mutex
	calls int
}

func (r *countingPartRequester) PartRequest(_ context.Context, chunk Chunk) (PresignedRequest, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return PresignedRequest{
		URL: fmt.Sprintf("https://storage.example.com/%s?partNumber=%d&uploadId=%s", chunk.Key, chunk.PartNumber, chunk.UploadID),
	}, nil
}

func (r *countingPartRequester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// spyCache counts Clear calls on top of the in-memory cache.
type spyCache struct {
	*etagcache.Memory
	mu      sync.Mutex
	cleared map[string]int
}

func newSpyCache() *spyCache {
	return &spyCache{Memory: etagcache.NewMemory(), cleared: map[string]int{}}
}

func (c *spyCache) Clear(ctx context.Context, uploadID string) error {
	c.mu.Lock()
	c.cleared[uploadID]++
	c.mu.Unlock()
	return c.Memory.Clear(ctx, uploadID)
}

func (c *spyCache) clearCount(uploadID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared[uploadID]
}

// recorder collects callback invocations.
type recorder struct {
	mu          sync.Mutex
	progress    []Progress
	errors      []ErrorEvent
	files       []UploadedFile
	allComplete [][]UploadedFile
}

func (r *recorder) apply(config *Config) {
	config.OnProgress = func(p Progress) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.progress = append(r.progress, p)
	}
	config.OnError = func(e ErrorEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errors = append(r.errors, e)
	}
	config.OnFileComplete = func(f UploadedFile, _ Source) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.files = append(r.files, f)
	}
	config.OnAllComplete = func(files []UploadedFile) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.allComplete = append(r.allComplete, files)
	}
}

func (r *recorder) lastProgress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.progress) == 0 {
		return Progress{}
	}
	return r.progress[len(r.progress)-1]
}

func singleEntry(id, key string, content string) Entry {
	return Entry{
		Session: Session{
			UploadID:         id,
			UploadType:       "attachment",
			Mode:             ModeSingle,
			Bucket:           "bucket",
			Key:              key,
			Filename:         key,
			Mimetype:         "text/plain",
			Size:             int64(len(content)),
			ChunkSize:        int64(len(content)),
			PartsCount:       1,
			PresignedRequest: &PresignedRequest{URL: "https://bucket.storage.example.com/"},
		},
		Source: BytesSource([]byte(content)),
	}
}

func multipartEntry(id, key string, size, chunkSize int64) Entry {
	return Entry{
		Session: Session{
			UploadID:   id,
			UploadType: "attachment",
			Mode:       ModeMultipart,
			Bucket:     "bucket",
			Key:        key,
			Filename:   key,
			Mimetype:   "application/octet-stream",
			Size:       size,
			ChunkSize:  chunkSize,
			PartsCount: PartsCount(size, chunkSize),
		},
		Source: BytesSource([]byte(strings.Repeat("x", int(size)))),
	}
}
