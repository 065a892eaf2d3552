package upload

import (
	"context"
	"fmt"
)

// cancel rejects the operation with reason and signals every in-flight transfer.
func (m *Manager) cancel(reason string, cause error) {
	if m.terminal {
		return
	}

	m.logger.Warnf("Cancelling upload of %d file(s): %s", len(m.pending), reason)
	for key, cancel := range m.inFlight {
		cancel()
		delete(m.inFlight, key)
	}
	m.queue = nil
	m.stop()

	m.resolve(nil, &CancelError{Reason: reason, Cause: cause})
}

// cancelOne removes a session and all its chunks. Cached parts are kept when the session
// failed, so a new attempt of the same upload can skip them.
// It reports whether the session was still pending.
func (m *Manager) cancelOne(uploadID string, isError bool) bool {
	if m.terminal {
		return false
	}
	e, ok := m.pending[uploadID]
	if !ok {
		return false
	}

	queue := m.queue[:0:0]
	for _, c := range m.queue {
		if c.UploadID != uploadID {
			queue = append(queue, c)
		}
	}
	m.queue = queue

	for key, cancel := range m.inFlight {
		if key.uploadID == uploadID {
			cancel()
			delete(m.inFlight, key)
		}
	}

	// All chunks of a pending session are still counted in total, including the one that just failed.
	acknowledged := len(m.parts[uploadID])
	delete(m.parts, uploadID)
	delete(m.pending, uploadID)

	m.total -= expectedParts(e)
	m.completed -= acknowledged

	if isError {
		m.config.Metrics.fileFinished("failed")
		m.logger.Warnf("Upload %s of %s removed after a failed chunk", uploadID, e.Filename)
		return true
	}

	m.config.Metrics.fileFinished("cancelled")
	m.logger.Infof("Upload %s of %s cancelled", uploadID, e.Filename)
	if e.Mode == ModeMultipart {
		if err := m.config.Cache.Clear(m.cacheContext(), uploadID); err != nil {
			m.logger.Warnf("Failed to clear cached ETags of upload %s: %s", uploadID, err)
		}
	}
	return true
}

// chunkErrored reports a failed chunk and applies the failure policy of the operation.
func (m *Manager) chunkErrored(chunk Chunk, err error) {
	m.config.Metrics.chunkFailed(err)

	e, ok := m.pending[chunk.UploadID]
	if !ok {
		m.cancel(ErrInternal.Error(), fmt.Errorf("chunk of unknown upload %s failed: %w", chunk.UploadID, err))
		return
	}

	m.logger.Errorf("Failed to upload part %d of %s: %s", chunk.PartNumber, e.Filename, err)
	if m.config.OnError != nil {
		m.config.OnError(ErrorEvent{Err: err, Session: e.Session})
	}

	if m.config.CancelAllOnError {
		m.cancel(ErrInternal.Error(), err)
		return
	}

	m.cancelOne(chunk.UploadID, true)
	m.emitProgress()
}

// cacheContext outlives a cancel of the operation, cache bookkeeping is finished regardless.
func (m *Manager) cacheContext() context.Context {
	return context.WithoutCancel(m.ctx)
}
