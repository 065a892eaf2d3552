package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// LocalFile is a file to upload together with its content.
type LocalFile struct {
	FileToUpload
	Source Source
}

// UploadOptions are the per operation options of UploadMany and UploadOne.
type UploadOptions struct {
	// InitContext is passed to the initiator as is.
	InitContext interface{}

	OnProgress     func(Progress)
	OnError        func(ErrorEvent)
	OnFileComplete func(UploadedFile, Source)
	OnAllComplete  func([]UploadedFile)
}

// PendingUploads is a started upload operation.
type PendingUploads struct {
	UploadType string
	Uploads    []CancellableUpload
	manager    *Manager
}

// CancelAll cancels the whole operation.
func (p *PendingUploads) CancelAll(reason string) {
	p.manager.Cancel(reason)
}

// Wait blocks until every upload finished or the operation was cancelled.
func (p *PendingUploads) Wait(ctx context.Context) ([]UploadedFile, error) {
	return p.manager.Wait(ctx)
}

// Done is closed once the operation resolved.
func (p *PendingUploads) Done() <-chan struct{} {
	return p.manager.Done()
}

// PendingUpload is a started upload of a single file.
type PendingUpload struct {
	CancellableUpload
	manager *Manager

	mu      sync.Mutex
	lastErr error
}

// Wait blocks until the file is uploaded. It returns the error of the failed chunk if the upload failed.
func (p *PendingUpload) Wait(ctx context.Context) (UploadedFile, error) {
	files, err := p.manager.Wait(ctx)
	if err != nil {
		return UploadedFile{}, err
	}
	if len(files) == 0 {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.lastErr != nil {
			return UploadedFile{}, p.lastErr
		}
		return UploadedFile{}, ErrCancelled
	}
	return files[0], nil
}

// UploadMany initiates sessions for the files and starts uploading them.
// The initiator must return one session per file, in the same order.
func (m *Module) UploadMany(ctx context.Context, uploadType string, files []LocalFile, opts UploadOptions) (*PendingUploads, error) {
	t, err := m.typeConfig(uploadType)
	if err != nil {
		return nil, err
	}

	infos := make([]FileToUpload, 0, len(files))
	for _, f := range files {
		infos = append(infos, f.FileToUpload)
	}

	m.logger.Debugf("Initiating %d %s upload(s)", len(files), uploadType)
	sessions, err := t.Initiator.Initiate(ctx, uploadType, infos, opts.InitContext)
	if err != nil {
		return nil, fmt.Errorf("initiate %s uploads: %w", uploadType, err)
	}
	if len(sessions) != len(files) {
		return nil, fmt.Errorf("initiate %s uploads: %d session(s) returned for %d file(s)", uploadType, len(sessions), len(files))
	}

	entries := make([]Entry, 0, len(sessions))
	for i, s := range sessions {
		if s.UploadType == "" {
			s.UploadType = uploadType
		}
		entries = append(entries, Entry{Session: s, Source: files[i].Source})
	}

	manager, err := New(entries, m.managerConfig(t, opts))
	if err != nil {
		return nil, err
	}
	uploads, err := manager.Start(ctx)
	if err != nil {
		return nil, err
	}

	return &PendingUploads{
		UploadType: uploadType,
		Uploads:    uploads,
		manager:    manager,
	}, nil
}

// UploadOne initiates a session for one file and starts uploading it.
func (m *Module) UploadOne(ctx context.Context, uploadType string, file LocalFile, opts UploadOptions) (*PendingUpload, error) {
	pending := &PendingUpload{}
	onError := opts.OnError
	opts.OnError = func(event ErrorEvent) {
		pending.mu.Lock()
		pending.lastErr = event.Err
		pending.mu.Unlock()
		if onError != nil {
			onError(event)
		}
	}

	many, err := m.UploadMany(ctx, uploadType, []LocalFile{file}, opts)
	if err != nil {
		return nil, err
	}
	if len(many.Uploads) != 1 {
		return nil, errors.New("expected exactly one upload")
	}

	pending.CancellableUpload = many.Uploads[0]
	pending.manager = many.manager
	return pending, nil
}

// CompleteMany finalizes uploaded files through the completer of the upload type.
func (m *Module) CompleteMany(ctx context.Context, uploadType string, files []UploadedFile, completeCtx interface{}) ([]S3Object, error) {
	t, err := m.typeConfig(uploadType)
	if err != nil {
		return nil, err
	}
	if t.Completer == nil {
		return nil, fmt.Errorf("upload type %s: %w", uploadType, ErrNoCompleter)
	}

	objects, err := t.Completer.Complete(ctx, uploadType, files, completeCtx)
	if err != nil {
		return nil, fmt.Errorf("complete %s uploads: %w", uploadType, err)
	}
	return objects, nil
}

// CompleteOne finalizes one uploaded file.
func (m *Module) CompleteOne(ctx context.Context, uploadType string, file UploadedFile, completeCtx interface{}) (S3Object, error) {
	objects, err := m.CompleteMany(ctx, uploadType, []UploadedFile{file}, completeCtx)
	if err != nil {
		return S3Object{}, err
	}
	if len(objects) == 0 {
		return S3Object{}, fmt.Errorf("complete %s upload %s: no object returned", uploadType, file.UploadID)
	}
	return objects[0], nil
}
