package upload

import (
	"fmt"
	"net/url"
	"sort"
)

func (m *Manager) chunkCompleted(r settled) {
	e, ok := m.pending[r.chunk.UploadID]
	if !ok {
		m.cancel(ErrInternal.Error(), fmt.Errorf("chunk of unknown upload %s completed", r.chunk.UploadID))
		return
	}

	if e.Mode == ModeMultipart && !r.cached {
		if err := m.config.Cache.Put(m.cacheContext(), r.completed.UploadID, r.completed.PartNumber, r.completed.ETag); err != nil {
			m.logger.Warnf("Failed to cache ETag of upload %s part %d: %s", r.completed.UploadID, r.completed.PartNumber, err)
		}
	}

	m.parts[e.UploadID] = append(m.parts[e.UploadID], r.completed)
	m.completed++

	if len(m.parts[e.UploadID]) == expectedParts(e) {
		m.completeOne(e)
	}
	m.emitProgress()
}

// completeOne builds the uploaded file of a session whose chunks are all acknowledged.
func (m *Manager) completeOne(e Entry) {
	file := UploadedFile{
		UploadID: e.UploadID,
		Mode:     e.Mode,
		Bucket:   e.Bucket,
		Key:      url.PathEscape(e.Key),
		Filename: e.Filename,
		Mimetype: e.Mimetype,
		Size:     e.Size,
	}
	if e.Mode == ModeMultipart {
		completed := m.parts[e.UploadID]
		parts := make([]Part, 0, len(completed))
		for _, c := range completed {
			parts = append(parts, Part{PartNumber: c.PartNumber, ETag: c.ETag})
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
		file.Parts = parts
	}

	delete(m.pending, e.UploadID)
	delete(m.parts, e.UploadID)
	m.files[e.UploadID] = file
	m.config.Metrics.fileFinished("uploaded")
	m.logger.Debugf("Upload %s of %s finished", e.UploadID, e.Filename)

	if m.config.OnFileComplete != nil {
		m.config.OnFileComplete(file, e.Source)
	}

	if e.Mode == ModeMultipart {
		if err := m.config.Cache.Clear(m.cacheContext(), e.UploadID); err != nil {
			m.logger.Warnf("Failed to clear cached ETags of upload %s: %s", e.UploadID, err)
		}
	}
}

// complete resolves the operation with the finished files in the order of the entries.
func (m *Manager) complete() {
	files := make([]UploadedFile, 0, len(m.files))
	for _, id := range m.order {
		if f, ok := m.files[id]; ok {
			files = append(files, f)
		}
	}

	m.logger.Debugf("All uploads finished: %d file(s), %d chunk(s) sent, average chunk time: %v",
		len(files), m.stats.FinishedCount(), m.stats.Average())

	if m.config.OnAllComplete != nil {
		m.config.OnAllComplete(files)
	}
	m.resolve(files, nil)
}
