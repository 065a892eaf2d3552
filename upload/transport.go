package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
)

// settled is the outcome of one launched chunk, sent back to the scheduler loop.
type settled struct {
	chunk     Chunk
	completed CompletedChunk
	// cached is set when the part was served from the resumability cache.
	cached bool
	err    error
}

// transfer executes the network work of one chunk.
// Multipart chunks acknowledged in an earlier run are answered from the cache without network I/O.
func (m *Manager) transfer(ctx context.Context, chunk Chunk) settled {
	result := settled{chunk: chunk}
	if err := ctx.Err(); err != nil {
		result.err = fmt.Errorf("chunk transfer cancelled: %w", err)
		return result
	}

	switch chunk.Mode {
	case ModeSingle:
		result.err = m.transferSingle(ctx, chunk)
		result.completed = CompletedChunk{UploadID: chunk.UploadID, PartNumber: chunk.PartNumber}
	case ModeMultipart:
		etag, cached, err := m.transferPart(ctx, chunk)
		result.completed = CompletedChunk{UploadID: chunk.UploadID, PartNumber: chunk.PartNumber, ETag: etag}
		result.cached = cached
		result.err = err
	default:
		result.err = &TransportError{Kind: ErrInternal, Err: fmt.Errorf("unknown upload mode %q", chunk.Mode)}
	}

	result.err = annotate(result.err, chunk)
	return result
}

func (m *Manager) transferSingle(ctx context.Context, chunk Chunk) error {
	if chunk.Request == nil {
		return &TransportError{Kind: ErrInternal, Err: errors.New("single upload without presigned request")}
	}

	m.logger.Debugf("Uploading %s as single file (upload %s)", chunk.Key, chunk.UploadID)
	start := time.Now()
	if err := m.config.Transport.Post(ctx, *chunk.Request, chunk); err != nil {
		return err
	}

	took := time.Since(start)
	m.stats.Update(took, chunk.Len())
	m.config.Metrics.chunkUploaded(chunk.Len(), took)
	m.logger.Debugf("Uploaded %s in %v", chunk.Key, took.Round(time.Millisecond))
	return nil
}

func (m *Manager) transferPart(ctx context.Context, chunk Chunk) (string, bool, error) {
	etag, found, err := m.config.Cache.Get(ctx, chunk.UploadID, chunk.PartNumber)
	if err != nil {
		m.logger.Warnf("Failed to read cached ETag of upload %s part %d, uploading it: %s", chunk.UploadID, chunk.PartNumber, err)
	} else if found {
		m.logger.Debugf("Part %d of upload %s already uploaded, ETag: %s", chunk.PartNumber, chunk.UploadID, etag)
		m.config.Metrics.chunkCached()
		return etag, true, nil
	}

	if m.config.PartRequester == nil {
		return "", false, &TransportError{Kind: ErrNoPartRequestHandler}
	}
	request, err := m.config.PartRequester.PartRequest(ctx, chunk)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("chunk transfer cancelled: %w", ctx.Err())
		}
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return "", false, err
		}
		return "", false, &TransportError{Kind: ErrInternal, Err: fmt.Errorf("get part request: %w", err)}
	}

	m.logger.Debugf("Uploading part %d of upload %s (%s) [finished=%d] [avg=%v]",
		chunk.PartNumber, chunk.UploadID, units.HumanSize(float64(chunk.Len())),
		m.stats.FinishedCount(), m.stats.Average().Round(time.Millisecond))

	start := time.Now()
	etag, err = m.config.Transport.Put(ctx, request, chunk)
	if err != nil {
		return "", false, err
	}

	took := time.Since(start)
	m.stats.Update(took, chunk.Len())
	m.config.Metrics.chunkUploaded(chunk.Len(), took)
	m.logger.Debugf("Part %d of upload %s uploaded in %v, ETag: %s", chunk.PartNumber, chunk.UploadID, took.Round(time.Millisecond), etag)
	return etag, false, nil
}

// annotate fills the chunk coordinates into a transport error.
func annotate(err error, chunk Chunk) error {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		transportErr.UploadID = chunk.UploadID
		transportErr.PartNumber = chunk.PartNumber
	}
	return err
}
