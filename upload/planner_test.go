package upload

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_Multipart(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunkSize int64
		wantLens  []int64
	}{
		{name: "exact multiple", size: 8, chunkSize: 4, wantLens: []int64{4, 4}},
		{name: "remainder", size: 10, chunkSize: 4, wantLens: []int64{4, 4, 2}},
		{name: "smaller than chunk", size: 3, chunkSize: 4, wantLens: []int64{3}},
		{name: "empty file", size: 0, chunkSize: 4, wantLens: []int64{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := multipartEntry("id", "key", tt.size, tt.chunkSize)
			content := make([]byte, tt.size)
			for i := range content {
				content[i] = byte(i)
			}
			entry.Source = BytesSource(content)

			chunks, err := Plan([]Entry{entry})
			require.NoError(t, err)
			require.Len(t, chunks, entry.PartsCount)

			var joined []byte
			var lens []int64
			for i, c := range chunks {
				assert.Equal(t, ModeMultipart, c.Mode)
				assert.Equal(t, i+1, c.PartNumber)
				assert.Equal(t, "id", c.UploadID)
				lens = append(lens, c.Len())
				joined = append(joined, c.Data...)
			}
			assert.Equal(t, tt.wantLens, lens)
			assert.True(t, bytes.Equal(content, joined), "chunks must cover the file in order")
		})
	}
}

func TestPlan_KeepsOrder(t *testing.T) {
	chunks, err := Plan([]Entry{
		singleEntry("a", "a", "aaa"),
		multipartEntry("b", "b", 5, 2),
		singleEntry("c", "c", "c"),
	})
	require.NoError(t, err)

	var got []chunkKey
	for _, c := range chunks {
		got = append(got, chunkKey{c.UploadID, c.PartNumber})
	}
	assert.Equal(t, []chunkKey{{"a", 0}, {"b", 1}, {"b", 2}, {"b", 3}, {"c", 0}}, got)
	assert.Equal(t, int64(-1), chunks[0].Len())
	assert.NotNil(t, chunks[0].Request)
	assert.NotNil(t, chunks[0].Source)
}

func TestPlan_Errors(t *testing.T) {
	wrongCount := multipartEntry("a", "a", 10, 4)
	wrongCount.PartsCount = 2

	noChunkSize := multipartEntry("a", "a", 10, 4)
	noChunkSize.ChunkSize = 0

	wrongSize := multipartEntry("a", "a", 10, 4)
	wrongSize.Source = BytesSource([]byte("short"))

	noRequest := singleEntry("a", "a", "a")
	noRequest.PresignedRequest = nil

	unknownMode := singleEntry("a", "a", "a")
	unknownMode.Mode = "stream"

	tests := []struct {
		name  string
		entry Entry
	}{
		{name: "parts count mismatch", entry: wrongCount},
		{name: "invalid chunk size", entry: noChunkSize},
		{name: "source size mismatch", entry: wrongSize},
		{name: "single without presigned request", entry: noRequest},
		{name: "unknown mode", entry: unknownMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan([]Entry{tt.entry})
			assert.ErrorIs(t, err, ErrPlanning)
		})
	}
}

func TestPartsCount(t *testing.T) {
	assert.Equal(t, 1, PartsCount(0, 5))
	assert.Equal(t, 1, PartsCount(5, 5))
	assert.Equal(t, 2, PartsCount(6, 5))
	assert.Equal(t, 3, PartsCount(5*1024*1024*2+1, 5*1024*1024))
}
