// Package upload orchestrates client-side uploads of local files to object storage
// through presigned requests. Large files are split into parts that are uploaded
// in parallel under a bounded concurrency budget, acknowledged parts are cached so
// an interrupted multipart upload can resume, and single files or the whole
// operation can be cancelled.
package upload

import (
	"context"
)

// Mode tells how a file is transferred to the storage service.
type Mode string

const (
	// ModeSingle uploads the whole file with one presigned POST.
	ModeSingle Mode = "single"
	// ModeMultipart uploads the file as numbered parts, each with its own presigned PUT.
	ModeMultipart Mode = "multipart"
)

// KeyValue is a form field or header of a presigned request.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PresignedRequest is a time limited, pre-authorized request against the storage service.
type PresignedRequest struct {
	URL     string     `json:"url"`
	Fields  []KeyValue `json:"fields,omitempty"`
	Headers []KeyValue `json:"headers,omitempty"`
}

// FileToUpload describes a local file before an upload session exists for it.
type FileToUpload struct {
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
}

// Session is the transfer plan of one file, as returned by the initiation API.
type Session struct {
	UploadID   string `json:"uploadId"`
	UploadType string `json:"uploadType"`
	Mode       Mode   `json:"uploadMode"`
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	Filename   string `json:"filename"`
	Mimetype   string `json:"mimetype"`
	Size       int64  `json:"size"`
	ChunkSize  int64  `json:"chunkSize"`
	PartsCount int    `json:"partsCount"`
	// PresignedRequest is only set for ModeSingle sessions.
	PresignedRequest *PresignedRequest `json:"presignedRequest"`
}

// Entry pairs a session with the local content it uploads.
type Entry struct {
	Session
	Source Source
}

// Chunk is one unit of network work: a whole file in single mode,
// or a byte range of the file in multipart mode.
type Chunk struct {
	Mode       Mode
	UploadType string
	UploadID   string
	// PartNumber is 0 for single mode and 1..PartsCount for multipart.
	PartNumber int
	Bucket     string
	Key        string
	Mimetype   string
	// Data holds the part bytes of a multipart chunk.
	Data []byte
	// Source and Request are set for single mode chunks.
	Source  Source
	Request *PresignedRequest
}

// Len returns the number of bytes the chunk sends, or -1 if unknown before opening the source.
func (c Chunk) Len() int64 {
	if c.Mode == ModeMultipart {
		return int64(len(c.Data))
	}
	return -1
}

// CompletedChunk is an acknowledged chunk.
type CompletedChunk struct {
	UploadID   string
	PartNumber int
	// ETag is empty for single mode uploads.
	ETag string
}

// Part is one acknowledged part of a multipart upload.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// UploadedFile is the terminal result of one session.
type UploadedFile struct {
	UploadID string `json:"uploadId"`
	Mode     Mode   `json:"uploadMode"`
	Bucket   string `json:"bucket"`
	// Key is URL-escaped.
	Key      string `json:"key"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
	// Parts is sorted by part number and only set for multipart uploads.
	Parts []Part `json:"parts,omitempty"`
}

// S3Object is a finalized object as returned by the completion API.
type S3Object struct {
	URL      string `json:"url"`
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
}

// Progress counts chunks of the operation.
type Progress struct {
	Completed int
	Total     int
}

// ErrorEvent reports a failed chunk and the session it belongs to.
type ErrorEvent struct {
	Err     error
	Session Session
}

// CancellableUpload is a started session with its own cancel handle.
type CancellableUpload struct {
	Session
	Source Source
	cancel func()
}

// Cancel removes this upload from the operation. Its cached parts are discarded.
func (u CancellableUpload) Cancel() {
	if u.cancel != nil {
		u.cancel()
	}
}

// Initiator creates upload sessions, one per file and in the same order.
type Initiator interface {
	Initiate(ctx context.Context, uploadType string, files []FileToUpload, initCtx interface{}) ([]Session, error)
}

// PartRequester issues the presigned PUT request of one multipart chunk.
type PartRequester interface {
	PartRequest(ctx context.Context, chunk Chunk) (PresignedRequest, error)
}

// Completer finalizes uploaded files into storage objects.
type Completer interface {
	Complete(ctx context.Context, uploadType string, files []UploadedFile, completeCtx interface{}) ([]S3Object, error)
}

// PartRequesterFunc adapts a function to PartRequester.
type PartRequesterFunc func(ctx context.Context, chunk Chunk) (PresignedRequest, error)

// PartRequest ...
func (f PartRequesterFunc) PartRequest(ctx context.Context, chunk Chunk) (PresignedRequest, error) {
	return f(ctx, chunk)
}
