package presign

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-s3uploads/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMinIOPresigner(t *testing.T, fake *fakeS3, config Config) *Presigner {
	t.Helper()
	config.Bucket = "uploads-bucket"
	config.RetryWait = time.Millisecond
	p, err := NewMinIOFromParams(MinIOParams{
		Endpoint:  strings.TrimPrefix(fake.server.URL, "http://"),
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Region:    "us-east-1",
	}, config, nil)
	require.NoError(t, err)
	return p
}

func TestMinIO_UploadAndComplete(t *testing.T) {
	fake := newFakeS3(t)
	p := newTestMinIOPresigner(t, fake, Config{ChunkSize: 8})

	module, err := upload.NewModule(upload.ModuleConfig{
		Uploads: map[string]upload.TypeConfig{
			"attachment": {Initiator: p, PartRequester: p, Completer: p},
		},
		HTTPClient: fake.server.Client(),
	})
	require.NoError(t, err)

	small := "tiny"
	large := "a file spanning several parts"
	pending, err := module.UploadMany(context.Background(), "attachment", []upload.LocalFile{
		{
			FileToUpload: upload.FileToUpload{Filename: "small.txt", Mimetype: "text/plain", Size: int64(len(small))},
			Source:       upload.BytesSource([]byte(small)),
		},
		{
			FileToUpload: upload.FileToUpload{Filename: "large.txt", Mimetype: "text/plain", Size: int64(len(large))},
			Source:       upload.BytesSource([]byte(large)),
		},
	}, upload.UploadOptions{})
	require.NoError(t, err)
	require.Len(t, pending.Uploads, 2)
	assert.Equal(t, upload.ModeSingle, pending.Uploads[0].Mode)
	assert.Equal(t, upload.ModeMultipart, pending.Uploads[1].Mode)
	assert.Equal(t, 4, pending.Uploads[1].PartsCount)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	files, err := pending.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, 1, fake.formPostCount())
	assert.Equal(t, 4, fake.partPutCount())

	objects, err := module.CompleteMany(ctx, "attachment", files, nil)
	require.NoError(t, err)
	require.Len(t, objects, 2)

	for i, want := range []string{small, large} {
		stored, ok := fake.object(objects[i].Key)
		require.True(t, ok, objects[i].Key)
		assert.Equal(t, want, string(stored))
		assert.Equal(t, fake.server.URL+"/uploads-bucket/"+objects[i].Key, objects[i].URL)
	}
}

func TestMinIO_Abort(t *testing.T) {
	fake := newFakeS3(t)
	p := newTestMinIOPresigner(t, fake, Config{Mode: upload.ModeMultipart})

	sessions, err := p.Initiate(context.Background(), "video", []upload.FileToUpload{{Filename: "clip.mp4", Size: 10}}, nil)
	require.NoError(t, err)

	require.NoError(t, p.Abort(context.Background(), sessions[0].Key, sessions[0].UploadID))
	require.NoError(t, p.Abort(context.Background(), sessions[0].Key, sessions[0].UploadID))
	assert.Equal(t, []string{sessions[0].UploadID}, fake.abortedUploads())
}

func TestNewMinIOFromParams(t *testing.T) {
	tests := []struct {
		name    string
		params  MinIOParams
		wantErr string
	}{
		{name: "no endpoint", params: MinIOParams{AccessKey: "a", SecretKey: "s"}, wantErr: "minio endpoint is required"},
		{name: "no access key", params: MinIOParams{Endpoint: "localhost:9000", SecretKey: "s"}, wantErr: "minio access key is required"},
		{name: "no secret key", params: MinIOParams{Endpoint: "localhost:9000", AccessKey: "a"}, wantErr: "minio secret key is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMinIOFromParams(tt.params, Config{Bucket: "b"}, nil)
			assert.EqualError(t, err, tt.wantErr)
		})
	}

	_, err := NewMinIO(nil, Config{Bucket: "b"}, nil)
	assert.Error(t, err)
}
