package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

type chunkKey struct {
	uploadID   string
	partNumber int
}

type requestKind int

const (
	cancelAllRequest requestKind = iota
	cancelOneRequest
)

type request struct {
	kind     requestKind
	uploadID string
	reason   string
}

// Manager runs one upload operation: it schedules the chunks of its sessions under the
// concurrency limit, aggregates acknowledged chunks into uploaded files and applies cancellations.
//
// All bookkeeping is owned by a single goroutine started by Start. Transfers report back to it
// over a channel, and Cancel and CancelOne post requests to its mailbox, so both are safe to call
// from any goroutine, including from the callbacks. Callbacks are invoked one at a time from the
// scheduler goroutine and must not call Wait.
type Manager struct {
	config  Config
	entries []Entry
	logger  log.Logger
	stats   *Stats

	mu       sync.Mutex
	started  bool
	requests []request
	wake     chan struct{}

	done   chan struct{}
	result []UploadedFile
	err    error

	// Owned by the scheduler goroutine.
	ctx       context.Context
	stop      context.CancelFunc
	settledCh chan settled
	order     []string
	pending   map[string]Entry
	queue     []Chunk
	inFlight  map[chunkKey]context.CancelFunc
	parts     map[string][]CompletedChunk
	files     map[string]UploadedFile
	total     int
	completed int
	terminal  bool
}

// New validates the entries and creates a Manager for them.
func New(entries []Entry, config Config) (*Manager, error) {
	seen := map[string]bool{}
	for i, e := range entries {
		if e.UploadID == "" {
			return nil, fmt.Errorf("entry %d: missing upload id", i)
		}
		if seen[e.UploadID] {
			return nil, fmt.Errorf("entry %d: duplicate upload id %s", i, e.UploadID)
		}
		seen[e.UploadID] = true
		if e.Source == nil {
			return nil, fmt.Errorf("entry %d: upload %s has no source", i, e.UploadID)
		}
	}

	config = config.withDefaults()
	return &Manager{
		config:  config,
		entries: entries,
		logger:  config.Logger,
		stats:   NewStats(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start plans the chunks, reports the initial progress and starts transferring them.
// It returns one cancel handle per entry, in the order of the entries.
// Cancelling ctx cancels the whole operation.
func (m *Manager) Start(ctx context.Context) ([]CancellableUpload, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil, errors.New("upload already started")
	}
	m.started = true
	m.mu.Unlock()

	chunks, err := Plan(m.entries)
	if err != nil {
		m.resolve(nil, err)
		return nil, err
	}

	m.ctx, m.stop = context.WithCancel(ctx)
	m.settledCh = make(chan settled, len(chunks))
	m.pending = make(map[string]Entry, len(m.entries))
	m.inFlight = map[chunkKey]context.CancelFunc{}
	m.parts = map[string][]CompletedChunk{}
	m.files = map[string]UploadedFile{}
	for _, e := range m.entries {
		m.order = append(m.order, e.UploadID)
		m.pending[e.UploadID] = e
	}
	m.queue = chunks
	m.total = len(chunks)

	m.logger.Debugf("Starting upload of %d file(s) in %d chunk(s), concurrency: %d", len(m.entries), m.total, m.config.Concurrency)
	m.emitProgress()

	go m.run()

	uploads := make([]CancellableUpload, 0, len(m.entries))
	for _, e := range m.entries {
		uploadID := e.UploadID
		uploads = append(uploads, CancellableUpload{
			Session: e.Session,
			Source:  e.Source,
			cancel:  func() { m.CancelOne(uploadID) },
		})
	}
	return uploads, nil
}

// Wait blocks until the operation resolves or ctx is done.
// It returns the uploaded files in the order of the entries, or the reason of a whole operation cancel.
func (m *Manager) Wait(ctx context.Context) ([]UploadedFile, error) {
	select {
	case <-m.done:
		return m.result, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the operation resolved.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Stats returns the transfer statistics of the operation.
func (m *Manager) Stats() *Stats {
	return m.stats
}

// Cancel cancels the whole operation. Wait returns a *CancelError with the given reason,
// ErrCancelled's text if reason is empty. Every in-flight transfer is signalled to abort.
func (m *Manager) Cancel(reason string) {
	if reason == "" {
		reason = ErrCancelled.Error()
	}
	m.post(request{kind: cancelAllRequest, reason: reason})
}

// CancelOne removes one upload from the operation and discards its cached parts.
// Cancelling an unknown, finished or already cancelled upload does nothing.
func (m *Manager) CancelOne(uploadID string) {
	m.post(request{kind: cancelOneRequest, uploadID: uploadID})
}

func (m *Manager) post(r request) {
	m.mu.Lock()
	m.requests = append(m.requests, r)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.stop()

	for {
		m.handleRequests()
		if err := m.ctx.Err(); err != nil {
			m.cancel(ErrCancelled.Error(), err)
		}
		m.tick()
		if m.terminal {
			return
		}

		select {
		case r := <-m.settledCh:
			m.settle(r)
		case <-m.wake:
		case <-m.ctx.Done():
		}
	}
}

func (m *Manager) handleRequests() {
	m.mu.Lock()
	requests := m.requests
	m.requests = nil
	m.mu.Unlock()

	for _, r := range requests {
		switch r.kind {
		case cancelAllRequest:
			m.cancel(r.reason, nil)
		case cancelOneRequest:
			if m.cancelOne(r.uploadID, false) {
				m.emitProgress()
			}
		}
	}
}

// tick launches queued chunks in order until the concurrency limit is reached.
func (m *Manager) tick() {
	if m.terminal {
		return
	}
	if m.completed == m.total {
		m.complete()
		return
	}

	for len(m.inFlight) < m.config.Concurrency && len(m.queue) > 0 {
		chunk := m.queue[0]
		m.queue = m.queue[1:]
		m.launch(chunk)
	}
}

func (m *Manager) launch(chunk Chunk) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.inFlight[chunkKey{chunk.UploadID, chunk.PartNumber}] = cancel

	go func() {
		// settledCh holds every chunk of the operation, this send never blocks.
		m.settledCh <- m.transfer(ctx, chunk)
	}()
}

func (m *Manager) settle(r settled) {
	key := chunkKey{r.chunk.UploadID, r.chunk.PartNumber}
	cancel, ok := m.inFlight[key]
	if !ok {
		// The upload was cancelled while this chunk was in flight.
		m.logger.Debugf("Ignoring result of part %d of removed upload %s", key.partNumber, key.uploadID)
		return
	}
	cancel()
	delete(m.inFlight, key)

	if err := m.ctx.Err(); err != nil {
		m.cancel(ErrCancelled.Error(), err)
		return
	}

	if r.err != nil {
		m.chunkErrored(r.chunk, r.err)
		return
	}
	m.chunkCompleted(r)
}

func (m *Manager) emitProgress() {
	if m.config.OnProgress != nil {
		m.config.OnProgress(Progress{Completed: m.completed, Total: m.total})
	}
}

// resolve is the single terminal transition of the operation.
func (m *Manager) resolve(files []UploadedFile, err error) {
	if m.terminal {
		return
	}
	m.terminal = true
	m.result = files
	m.err = err
	close(m.done)
}

// expectedParts is the number of chunks a session is planned into.
func expectedParts(e Entry) int {
	if e.Mode == ModeMultipart {
		return e.PartsCount
	}
	return 1
}
