// SPDX-License-Identifier: MIT

// Package upload reassembles chunked uploads into durable objects.
//
// Chunks may arrive out of order and duplicated; a session tracks the set of
// received indices and, once full, a single merge concatenates the chunks in
// index order into the object store. Incomplete sessions are reclaimed by a
// periodic expiry sweep.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/storage"
)

var (
	ErrChunkIndexOutOfRange = errors.New("chunk index out of range")
	ErrTotalChunksMismatch  = errors.New("total chunk count does not match session")
	ErrIncompleteUpload     = errors.New("upload is not complete")
	ErrAlreadyMerged        = errors.New("upload already merged")
	ErrSessionNotFound      = errors.New("upload session not found")
	ErrChunkTooLarge        = errors.New("chunk exceeds size limit")
	ErrInvalidTotalChunks   = errors.New("total chunk count must be positive")
)

// Status is a read-only snapshot of one session.
type Status struct {
	UploadID     string             `json:"upload_id"`
	OwnerID      string             `json:"owner_id,omitempty"`
	TotalChunks  int                `json:"total_chunks"`
	Received     int                `json:"received"`
	Merged       bool               `json:"merged"`
	ObjectRef    *storage.ObjectRef `json:"object,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	LastActivity time.Time          `json:"last_activity"`
}

// session is the mutable per-upload state. Its mutex linearizes chunk writes
// against the merge for the same upload id; unrelated uploads proceed in
// parallel.
type session struct {
	mu           sync.Mutex
	id           string
	ownerID      string
	totalChunks  int
	received     map[int]struct{}
	merged       bool
	abandoned    bool
	mergedRef    storage.ObjectRef
	createdAt    time.Time
	lastActivity time.Time
}

// Config tunes the assembler.
type Config struct {
	// MaxChunkBytes rejects oversized chunk writes. Zero disables the check.
	MaxChunkBytes int64
}

// Assembler tracks upload sessions and drives chunk writes and merges.
type Assembler struct {
	chunks  storage.ChunkStore
	objects storage.ObjectStore
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex // guards sessions map only
	sessions map[string]*session
}

// New creates an Assembler over the given stores.
func New(chunks storage.ChunkStore, objects storage.ObjectStore, cfg Config) *Assembler {
	return &Assembler{
		chunks:   chunks,
		objects:  objects,
		cfg:      cfg,
		logger:   log.WithComponent("upload"),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Create initialises a session explicitly. If uploadID is empty a new one is
// generated. Creating an already existing session with the same totalChunks
// is idempotent.
func (a *Assembler) Create(uploadID string, totalChunks int, ownerID string) (string, error) {
	if totalChunks <= 0 {
		return "", ErrInvalidTotalChunks
	}
	if uploadID == "" {
		uploadID = uuid.NewString()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[uploadID]; ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.totalChunks != totalChunks {
			return "", fmt.Errorf("%w: session has %d, caller sent %d", ErrTotalChunksMismatch, s.totalChunks, totalChunks)
		}
		return uploadID, nil
	}

	now := a.now()
	a.sessions[uploadID] = &session{
		id:           uploadID,
		ownerID:      ownerID,
		totalChunks:  totalChunks,
		received:     make(map[int]struct{}),
		createdAt:    now,
		lastActivity: now,
	}
	metrics.SetActiveSessions(len(a.sessions))

	a.logger.Info().
		Str(log.FieldEvent, "session.create").
		Str(log.FieldUploadID, uploadID).
		Str(log.FieldOwnerID, ownerID).
		Int(log.FieldTotalChunks, totalChunks).
		Msg("upload session created")
	return uploadID, nil
}

// getOrCreate returns the session, creating it on first write when a positive
// totalChunks is supplied.
func (a *Assembler) getOrCreate(uploadID string, totalChunks int) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[uploadID]; ok {
		return s, nil
	}
	if totalChunks <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, uploadID)
	}
	now := a.now()
	s := &session{
		id:           uploadID,
		totalChunks:  totalChunks,
		received:     make(map[int]struct{}),
		createdAt:    now,
		lastActivity: now,
	}
	a.sessions[uploadID] = s
	metrics.SetActiveSessions(len(a.sessions))
	return s, nil
}

func (a *Assembler) get(uploadID string) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[uploadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, uploadID)
	}
	return s, nil
}

// WriteChunk records one chunk. On the first write for uploadID a session is
// created with the given totalChunks. Duplicate writes of the same index
// overwrite (last write wins). The received set is only mutated after the
// chunk is durably stored.
func (a *Assembler) WriteChunk(ctx context.Context, uploadID string, chunkIndex, totalChunks int, data []byte) (received, total int, err error) {
	if a.cfg.MaxChunkBytes > 0 && int64(len(data)) > a.cfg.MaxChunkBytes {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(data))
	}

	s, err := a.getOrCreate(uploadID, totalChunks)
	if err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abandoned {
		// An abandon raced this write; persisting now would orphan the
		// chunk, nothing sweeps a forgotten session.
		return 0, 0, fmt.Errorf("%w: %s", ErrSessionNotFound, uploadID)
	}
	if s.merged {
		metrics.IncChunkWriteError("already_merged")
		return 0, 0, fmt.Errorf("%w: %s", ErrAlreadyMerged, uploadID)
	}
	if totalChunks > 0 && totalChunks != s.totalChunks {
		metrics.IncChunkWriteError("total_mismatch")
		return 0, 0, fmt.Errorf("%w: session has %d, caller sent %d", ErrTotalChunksMismatch, s.totalChunks, totalChunks)
	}
	if chunkIndex < 0 || chunkIndex >= s.totalChunks {
		metrics.IncChunkWriteError("out_of_range")
		return 0, 0, fmt.Errorf("%w: index %d, total %d", ErrChunkIndexOutOfRange, chunkIndex, s.totalChunks)
	}

	if err := a.chunks.PutChunk(ctx, uploadID, chunkIndex, data); err != nil {
		metrics.IncChunkWriteError("storage")
		return 0, 0, fmt.Errorf("store chunk %d of %s: %w", chunkIndex, uploadID, err)
	}

	s.received[chunkIndex] = struct{}{}
	s.lastActivity = a.now()
	metrics.IncChunkWritten()

	a.logger.Debug().
		Str(log.FieldEvent, "chunk.write").
		Str(log.FieldUploadID, uploadID).
		Int(log.FieldChunkIndex, chunkIndex).
		Int("received", len(s.received)).
		Int(log.FieldTotalChunks, s.totalChunks).
		Msg("chunk stored")

	return len(s.received), s.totalChunks, nil
}

// IsComplete reports whether every chunk index has been received.
func (a *Assembler) IsComplete(uploadID string) (bool, error) {
	s, err := a.get(uploadID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received) == s.totalChunks, nil
}

// Status returns a snapshot of the session.
func (a *Assembler) Status(uploadID string) (Status, error) {
	s, err := a.get(uploadID)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		UploadID:     s.id,
		OwnerID:      s.ownerID,
		TotalChunks:  s.totalChunks,
		Received:     len(s.received),
		Merged:       s.merged,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
	if s.merged {
		ref := s.mergedRef
		st.ObjectRef = &ref
	}
	return st, nil
}

// Merge concatenates the chunks in index order into a single object and
// releases the raw chunks. It fails with ErrIncompleteUpload unless every
// chunk has been received. Merge is idempotent: after a success, further
// calls return the recorded object reference without touching chunk storage.
//
// The session lock is held for the whole merge, so no chunk write for the
// same upload can interleave with it.
func (a *Assembler) Merge(ctx context.Context, uploadID string) (storage.ObjectRef, error) {
	s, err := a.get(uploadID)
	if err != nil {
		return storage.ObjectRef{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abandoned {
		return storage.ObjectRef{}, fmt.Errorf("%w: %s", ErrSessionNotFound, uploadID)
	}
	if s.merged {
		return s.mergedRef, nil
	}
	if len(s.received) != s.totalChunks {
		metrics.IncMerge("incomplete")
		return storage.ObjectRef{}, fmt.Errorf("%w: %d of %d chunks", ErrIncompleteUpload, len(s.received), s.totalChunks)
	}

	start := a.now()
	key := "uploads/" + uploadID

	// Stream chunk by chunk through a pipe so the whole object is never
	// buffered in memory.
	pr, pw := io.Pipe()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer func() {
			_ = pw.Close()
		}()
		for i := 0; i < s.totalChunks; i++ {
			data, err := a.chunks.GetChunk(ctx, uploadID, i)
			if err != nil {
				_ = pw.CloseWithError(err)
				return fmt.Errorf("read chunk %d: %w", i, err)
			}
			if _, err := pw.Write(data); err != nil {
				return err
			}
		}
		return nil
	})

	var ref storage.ObjectRef
	g.Go(func() error {
		var err error
		ref, err = a.objects.Put(ctx, key, pr)
		if err != nil {
			_ = pr.CloseWithError(err)
			return fmt.Errorf("write final object: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		metrics.IncMerge("error")
		return storage.ObjectRef{}, fmt.Errorf("merge %s: %w", uploadID, err)
	}

	if err := a.chunks.DeleteChunks(ctx, uploadID); err != nil {
		// The object is durable; losing the cleanup only wastes chunk
		// storage until the next sweep. Log and carry on.
		a.logger.Warn().Err(err).
			Str(log.FieldUploadID, uploadID).
			Msg("failed to delete raw chunks after merge")
	}

	s.merged = true
	s.mergedRef = ref
	s.received = nil
	s.lastActivity = a.now()

	metrics.IncMerge("success")
	metrics.ObserveMergeDuration(a.now().Sub(start))

	a.logger.Info().
		Str(log.FieldEvent, "session.merge").
		Str(log.FieldUploadID, uploadID).
		Str(log.FieldObjectKey, ref.Key).
		Int64("size", ref.Size).
		Dur("duration", a.now().Sub(start)).
		Msg("upload merged")

	return ref, nil
}

// Abandon deletes all chunks and forgets the session. Used for explicit
// cancellation and by the expiry sweep.
func (a *Assembler) Abandon(ctx context.Context, uploadID string) error {
	s, err := a.get(uploadID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	// Mark the session dead first so a write serialized behind this lock
	// cannot re-persist a chunk for a session about to be forgotten.
	s.abandoned = true
	if err := a.chunks.DeleteChunks(ctx, uploadID); err != nil {
		s.abandoned = false
		s.mu.Unlock()
		return fmt.Errorf("abandon %s: %w", uploadID, err)
	}
	s.mu.Unlock()

	a.mu.Lock()
	delete(a.sessions, uploadID)
	metrics.SetActiveSessions(len(a.sessions))
	a.mu.Unlock()

	a.logger.Info().
		Str(log.FieldEvent, "session.abandon").
		Str(log.FieldUploadID, uploadID).
		Msg("upload abandoned")
	return nil
}

// SweepExpired abandons every session whose last activity is older than
// maxAge and which never completed a merge. Merged sessions past the window
// are simply forgotten; their object lives on. Returns the number of
// incomplete sessions reclaimed.
func (a *Assembler) SweepExpired(ctx context.Context, maxAge time.Duration) int {
	cutoff := a.now().Add(-maxAge)

	a.mu.Lock()
	var stale []*session
	for _, s := range a.sessions {
		s.mu.Lock()
		if s.lastActivity.Before(cutoff) {
			stale = append(stale, s)
		}
		s.mu.Unlock()
	}
	a.mu.Unlock()

	reclaimed := 0
	for _, s := range stale {
		s.mu.Lock()
		merged := s.merged
		if !merged {
			s.abandoned = true
			if err := a.chunks.DeleteChunks(ctx, s.id); err != nil {
				s.abandoned = false
				a.logger.Warn().Err(err).
					Str(log.FieldUploadID, s.id).
					Msg("expiry sweep failed to delete chunks")
				s.mu.Unlock()
				continue
			}
		}
		s.mu.Unlock()

		a.mu.Lock()
		delete(a.sessions, s.id)
		metrics.SetActiveSessions(len(a.sessions))
		a.mu.Unlock()

		if !merged {
			reclaimed++
			metrics.IncSessionExpired()
			a.logger.Info().
				Str(log.FieldEvent, "session.expire").
				Str(log.FieldUploadID, s.id).
				Msg("incomplete upload reclaimed by expiry sweep")
		}
	}
	return reclaimed
}

// RunSweeper blocks, sweeping expired sessions on the given interval until
// ctx is cancelled.
func (a *Assembler) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SweepExpired(ctx, maxAge)
		}
	}
}
