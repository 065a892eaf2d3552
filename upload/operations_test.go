package upload

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInitiator issues multipart sessions for files above threshold and single sessions otherwise.
type fakeInitiator struct {
	threshold int64
	chunkSize int64
	drop      int
	gotCtx    interface{}
}

func (i *fakeInitiator) Initiate(_ context.Context, uploadType string, files []FileToUpload, initCtx interface{}) ([]Session, error) {
	i.gotCtx = initCtx
	var sessions []Session
	for n, f := range files[:len(files)-i.drop] {
		s := Session{
			UploadID:   fmt.Sprintf("%s-%d", uploadType, n),
			UploadType: uploadType,
			Bucket:     "bucket",
			Key:        "uploads/" + f.Filename,
			Filename:   f.Filename,
			Mimetype:   f.Mimetype,
			Size:       f.Size,
		}
		if f.Size > i.threshold {
			s.Mode = ModeMultipart
			s.ChunkSize = i.chunkSize
			s.PartsCount = PartsCount(f.Size, i.chunkSize)
		} else {
			s.Mode = ModeSingle
			s.ChunkSize = f.Size
			s.PartsCount = 1
			s.PresignedRequest = &PresignedRequest{URL: "https://bucket.storage.example.com/"}
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

type fakeCompleter struct {
	objects []S3Object
}

func (c *fakeCompleter) Complete(_ context.Context, _ string, files []UploadedFile, _ interface{}) ([]S3Object, error) {
	if c.objects != nil {
		return c.objects, nil
	}
	var objects []S3Object
	for _, f := range files {
		objects = append(objects, S3Object{
			URL:      "https://bucket.storage.example.com/" + f.Key,
			Bucket:   f.Bucket,
			Key:      f.Key,
			Filename: f.Filename,
			Mimetype: f.Mimetype,
			Size:     f.Size,
		})
	}
	return objects, nil
}

func localFile(name string, size int) LocalFile {
	return LocalFile{
		FileToUpload: FileToUpload{Filename: name, Mimetype: "application/octet-stream", Size: int64(size)},
		Source:       BytesSource([]byte(strings.Repeat("y", size))),
	}
}

func newTestModule(t *testing.T, transport Transport, types map[string]TypeConfig) *Module {
	t.Helper()
	m, err := NewModule(ModuleConfig{Uploads: types, Transport: transport})
	require.NoError(t, err)
	return m
}

func waitTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func TestModule_UploadMany(t *testing.T) {
	transport := newFakeTransport()
	initiator := &fakeInitiator{threshold: 4, chunkSize: 4}
	module := newTestModule(t, transport, map[string]TypeConfig{
		"attachment": {Initiator: initiator, PartRequester: &countingPartRequester{}},
	})

	var progress []Progress
	pending, err := module.UploadMany(context.Background(), "attachment",
		[]LocalFile{localFile("small.txt", 3), localFile("big.bin", 9)},
		UploadOptions{
			InitContext: map[string]string{"ticketId": "42"},
			OnProgress:  func(p Progress) { progress = append(progress, p) },
		})
	require.NoError(t, err)
	assert.Equal(t, "attachment", pending.UploadType)
	require.Len(t, pending.Uploads, 2)
	assert.Equal(t, map[string]string{"ticketId": "42"}, initiator.gotCtx)

	ctx, cancel := waitTimeout()
	defer cancel()
	files, err := pending.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, ModeSingle, files[0].Mode)
	assert.Equal(t, ModeMultipart, files[1].Mode)
	assert.Len(t, files[1].Parts, 3)
	assert.Equal(t, "uploads%2Fbig.bin", files[1].Key)

	<-pending.Done()
	assert.Equal(t, Progress{Completed: 4, Total: 4}, progress[len(progress)-1])
}

func TestModule_UploadMany_Errors(t *testing.T) {
	module := newTestModule(t, newFakeTransport(), map[string]TypeConfig{
		"attachment": {Initiator: &fakeInitiator{threshold: 100, drop: 1}},
	})

	_, err := module.UploadMany(context.Background(), "unknown", []LocalFile{localFile("a", 1)}, UploadOptions{})
	assert.EqualError(t, err, "unknown upload type: unknown")

	_, err = module.UploadMany(context.Background(), "attachment", []LocalFile{localFile("a", 1), localFile("b", 1)}, UploadOptions{})
	assert.EqualError(t, err, "initiate attachment uploads: 1 session(s) returned for 2 file(s)")
}

func TestModule_UploadOne(t *testing.T) {
	transport := newFakeTransport()
	module := newTestModule(t, transport, map[string]TypeConfig{
		"avatar": {Initiator: &fakeInitiator{threshold: 100}},
	})

	pending, err := module.UploadOne(context.Background(), "avatar", localFile("me.png", 10), UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "avatar-0", pending.UploadID)

	ctx, cancel := waitTimeout()
	defer cancel()
	file, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "me.png", file.Filename)
	assert.Equal(t, 1, transport.postCount())
}

func TestModule_UploadOne_Failure(t *testing.T) {
	transport := newFakeTransport()
	transport.failPut = func(Chunk) error { return &TransportError{Kind: ErrFileTooLarge} }
	module := newTestModule(t, transport, map[string]TypeConfig{
		"video": {Initiator: &fakeInitiator{threshold: 1, chunkSize: 2}, PartRequester: &countingPartRequester{}},
	})

	var events []ErrorEvent
	pending, err := module.UploadOne(context.Background(), "video", localFile("clip.mp4", 4), UploadOptions{
		OnError: func(e ErrorEvent) { events = append(events, e) },
	})
	require.NoError(t, err)

	ctx, cancel := waitTimeout()
	defer cancel()
	_, err = pending.Wait(ctx)
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.Len(t, events, 1)
}

func TestModule_UploadOne_Cancelled(t *testing.T) {
	transport := newFakeTransport()
	transport.block = func(Chunk) bool { return true }
	module := newTestModule(t, transport, map[string]TypeConfig{
		"avatar": {Initiator: &fakeInitiator{threshold: 100}},
	})

	pending, err := module.UploadOne(context.Background(), "avatar", localFile("me.png", 10), UploadOptions{})
	require.NoError(t, err)
	<-transport.started
	pending.Cancel()

	ctx, cancel := waitTimeout()
	defer cancel()
	_, err = pending.Wait(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestModule_Complete(t *testing.T) {
	module := newTestModule(t, newFakeTransport(), map[string]TypeConfig{
		"attachment": {Initiator: &fakeInitiator{}, Completer: &fakeCompleter{}},
		"empty":      {Initiator: &fakeInitiator{}, Completer: &fakeCompleter{objects: []S3Object{}}},
		"avatar":     {Initiator: &fakeInitiator{}},
	})
	file := UploadedFile{UploadID: "1", Bucket: "bucket", Key: "uploads%2Fa.txt", Filename: "a.txt", Size: 3}

	objects, err := module.CompleteMany(context.Background(), "attachment", []UploadedFile{file}, nil)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "a.txt", objects[0].Filename)

	object, err := module.CompleteOne(context.Background(), "attachment", file, nil)
	require.NoError(t, err)
	assert.Equal(t, "bucket", object.Bucket)

	_, err = module.CompleteOne(context.Background(), "empty", file, nil)
	assert.Error(t, err)

	_, err = module.CompleteMany(context.Background(), "avatar", []UploadedFile{file}, nil)
	assert.ErrorIs(t, err, ErrNoCompleter)
}

func TestNewModule(t *testing.T) {
	_, err := NewModule(ModuleConfig{})
	assert.Error(t, err)

	_, err = NewModule(ModuleConfig{Uploads: map[string]TypeConfig{"a": {}}})
	assert.EqualError(t, err, "upload type a: no initiator")

	module, err := NewModule(ModuleConfig{Uploads: map[string]TypeConfig{
		"a": {Initiator: &fakeInitiator{}},
		"b": {Initiator: &fakeInitiator{}, Concurrency: 8},
	}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, module.UploadTypes())
	assert.Equal(t, DefaultMaxConcurrentUploads, module.managerConfig(module.config.Uploads["a"], UploadOptions{}).Concurrency)
	assert.Equal(t, 8, module.managerConfig(module.config.Uploads["b"], UploadOptions{}).Concurrency)
}
