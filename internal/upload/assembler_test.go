// SPDX-License-Identifier: MIT

package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/storage"
)

type memChunkStore struct {
	mu     sync.Mutex
	chunks map[string][]byte // "<id>/<index>"
	reads  int

	// onDelete, when set, runs at the start of DeleteChunks. Used to
	// interleave operations with an in-progress abandon.
	onDelete func()
}

func newMemChunkStore() *memChunkStore {
	return &memChunkStore{chunks: make(map[string][]byte)}
}

func chunkKey(uploadID string, index int) string {
	return fmt.Sprintf("%s/%d", uploadID, index)
}

func (m *memChunkStore) PutChunk(_ context.Context, uploadID string, index int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[chunkKey(uploadID, index)] = append([]byte(nil), data...)
	return nil
}

func (m *memChunkStore) GetChunk(_ context.Context, uploadID string, index int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	data, ok := m.chunks[chunkKey(uploadID, index)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memChunkStore) ChunkIndices(_ context.Context, uploadID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for i := 0; ; i++ {
		if _, ok := m.chunks[chunkKey(uploadID, i)]; !ok {
			return out, nil
		}
		out = append(out, i)
	}
}

func (m *memChunkStore) DeleteChunks(_ context.Context, uploadID string) error {
	if m.onDelete != nil {
		m.onDelete()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.chunks {
		if len(k) > len(uploadID) && k[:len(uploadID)+1] == uploadID+"/" {
			delete(m.chunks, k)
		}
	}
	return nil
}

func (m *memChunkStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

func (m *memChunkStore) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (m *memObjectStore) Put(_ context.Context, key string, r io.Reader) (storage.ObjectRef, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.ObjectRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return storage.ObjectRef{Key: key, Size: int64(len(data))}, nil
}

func (m *memObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjectStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memObjectStore) PresignedURL(key string, _ time.Duration) (string, error) {
	return "/api/objects/" + key, nil
}

func (m *memObjectStore) get(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key]
}

func newTestAssembler(t *testing.T) (*Assembler, *memChunkStore, *memObjectStore) {
	t.Helper()
	chunks := newMemChunkStore()
	objects := newMemObjectStore()
	return New(chunks, objects, Config{}), chunks, objects
}

func TestWriteChunksOutOfOrderAndMerge(t *testing.T) {
	a, chunks, objects := newTestAssembler(t)
	ctx := context.Background()

	for _, idx := range []int{2, 0, 1} {
		received, total, err := a.WriteChunk(ctx, "u1", idx, 3, []byte(fmt.Sprintf("C%d__", idx)))
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.LessOrEqual(t, received, 3)
	}

	complete, err := a.IsComplete("u1")
	require.NoError(t, err)
	assert.True(t, complete)

	ref, err := a.Merge(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "uploads/u1", ref.Key)
	assert.Equal(t, int64(12), ref.Size)

	// Concatenated in index order, not arrival order.
	assert.Equal(t, "C0__C1__C2__", string(objects.get("uploads/u1")))

	// Raw chunks are released after the merge.
	assert.Equal(t, 0, chunks.count())
}

func TestWriteChunkOutOfRange(t *testing.T) {
	a, chunks, _ := newTestAssembler(t)
	ctx := context.Background()

	_, _, err := a.WriteChunk(ctx, "u1", 0, 3, []byte("ok"))
	require.NoError(t, err)

	_, _, err = a.WriteChunk(ctx, "u1", 3, 3, []byte("bad"))
	require.ErrorIs(t, err, ErrChunkIndexOutOfRange)

	_, _, err = a.WriteChunk(ctx, "u1", -1, 3, []byte("bad"))
	require.ErrorIs(t, err, ErrChunkIndexOutOfRange)

	// Rejected writes do not touch chunk storage or the received set.
	assert.Equal(t, 1, chunks.count())
	st, err := a.Status("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Received)
}

func TestWriteChunkTotalMismatch(t *testing.T) {
	a, _, _ := newTestAssembler(t)
	ctx := context.Background()

	_, _, err := a.WriteChunk(ctx, "u1", 0, 3, []byte("a"))
	require.NoError(t, err)

	_, _, err = a.WriteChunk(ctx, "u1", 1, 4, []byte("b"))
	require.ErrorIs(t, err, ErrTotalChunksMismatch)
}

func TestDuplicateChunkOverwrites(t *testing.T) {
	a, _, objects := newTestAssembler(t)
	ctx := context.Background()

	_, _, err := a.WriteChunk(ctx, "u1", 0, 2, []byte("old"))
	require.NoError(t, err)
	received, _, err := a.WriteChunk(ctx, "u1", 0, 2, []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, 1, received, "duplicate index must not inflate the received count")

	_, _, err = a.WriteChunk(ctx, "u1", 1, 2, []byte("!"))
	require.NoError(t, err)

	_, err = a.Merge(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new!", string(objects.get("uploads/u1")))
}

func TestMergeIncomplete(t *testing.T) {
	a, _, _ := newTestAssembler(t)
	ctx := context.Background()

	_, _, err := a.WriteChunk(ctx, "u1", 0, 2, []byte("a"))
	require.NoError(t, err)

	_, err = a.Merge(ctx, "u1")
	require.ErrorIs(t, err, ErrIncompleteUpload)
}

func TestMergeIdempotent(t *testing.T) {
	a, chunks, _ := newTestAssembler(t)
	ctx := context.Background()

	_, _, err := a.WriteChunk(ctx, "u1", 0, 1, []byte("solo"))
	require.NoError(t, err)

	ref1, err := a.Merge(ctx, "u1")
	require.NoError(t, err)

	readsAfterFirst := chunks.readCount()

	ref2, err := a.Merge(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
	assert.Equal(t, readsAfterFirst, chunks.readCount(), "second merge must not re-read chunks")
}

func TestWriteAfterMerge(t *testing.T) {
	a, _, _ := newTestAssembler(t)
	ctx := context.Background()

	_, _, err := a.WriteChunk(ctx, "u1", 0, 1, []byte("done"))
	require.NoError(t, err)
	_, err = a.Merge(ctx, "u1")
	require.NoError(t, err)

	_, _, err = a.WriteChunk(ctx, "u1", 0, 1, []byte("late"))
	require.ErrorIs(t, err, ErrAlreadyMerged)
}

func TestCreateIdempotent(t *testing.T) {
	a, _, _ := newTestAssembler(t)

	id, err := a.Create("fixed", 5, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)

	_, err = a.Create("fixed", 5, "owner-1")
	require.NoError(t, err)

	_, err = a.Create("fixed", 6, "owner-1")
	require.ErrorIs(t, err, ErrTotalChunksMismatch)

	_, err = a.Create("", 0, "owner-1")
	require.ErrorIs(t, err, ErrInvalidTotalChunks)
}

func TestUnknownSession(t *testing.T) {
	a, _, _ := newTestAssembler(t)
	ctx := context.Background()

	_, err := a.Merge(ctx, "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = a.Status("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
	err = a.Abandon(ctx, "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestChunkTooLarge(t *testing.T) {
	chunks := newMemChunkStore()
	objects := newMemObjectStore()
	a := New(chunks, objects, Config{MaxChunkBytes: 4})

	_, _, err := a.WriteChunk(context.Background(), "u1", 0, 1, []byte("too big"))
	require.ErrorIs(t, err, ErrChunkTooLarge)
}

func TestConcurrentWritesDistinctIndices(t *testing.T) {
	a, _, objects := newTestAssembler(t)
	ctx := context.Background()

	const total = 32
	require.NotPanics(t, func() {
		var wg sync.WaitGroup
		for i := 0; i < total; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_, _, err := a.WriteChunk(ctx, "u1", idx, total, []byte{byte('a' + idx%26)})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
	})

	complete, err := a.IsComplete("u1")
	require.NoError(t, err)
	require.True(t, complete)

	ref, err := a.Merge(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(total), ref.Size)

	data := objects.get("uploads/u1")
	for i, b := range data {
		assert.Equal(t, byte('a'+i%26), b, "byte %d out of order", i)
	}
}

func TestAbandonReleasesChunks(t *testing.T) {
	a, chunks, _ := newTestAssembler(t)
	ctx := context.Background()

	_, _, err := a.WriteChunk(ctx, "u1", 0, 2, []byte("a"))
	require.NoError(t, err)

	require.NoError(t, a.Abandon(ctx, "u1"))
	assert.Equal(t, 0, chunks.count())

	_, err = a.Status("u1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestWriteChunkRacingAbandonLeavesNoOrphan(t *testing.T) {
	a, chunks, _ := newTestAssembler(t)
	ctx := context.Background()

	id, err := a.Create("", 2, "")
	require.NoError(t, err)
	_, _, err = a.WriteChunk(ctx, id, 0, 2, []byte("a"))
	require.NoError(t, err)

	// Fire a concurrent write while the abandon holds the session lock and
	// is deleting chunks. The write serializes behind the abandon and must
	// be rejected either way the race lands, never re-persisting a chunk
	// for a session about to be forgotten.
	writeErr := make(chan error, 1)
	chunks.onDelete = func() {
		chunks.onDelete = nil
		go func() {
			_, _, err := a.WriteChunk(ctx, id, 1, 0, []byte("late"))
			writeErr <- err
		}()
		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, a.Abandon(ctx, id))

	require.ErrorIs(t, <-writeErr, ErrSessionNotFound)
	assert.Equal(t, 0, chunks.count(), "no orphan chunk may survive the abandon")
}

func TestSweepExpired(t *testing.T) {
	a, chunks, _ := newTestAssembler(t)
	ctx := context.Background()

	now := time.Now()
	a.now = func() time.Time { return now }

	_, _, err := a.WriteChunk(ctx, "stale", 0, 2, []byte("a"))
	require.NoError(t, err)

	_, _, err = a.WriteChunk(ctx, "done", 0, 1, []byte("x"))
	require.NoError(t, err)
	_, err = a.Merge(ctx, "done")
	require.NoError(t, err)

	// Move time past the expiry window; "fresh" stays inside it.
	a.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, _, err = a.WriteChunk(ctx, "fresh", 0, 2, []byte("b"))
	require.NoError(t, err)

	reclaimed := a.SweepExpired(ctx, time.Hour)
	assert.Equal(t, 1, reclaimed, "only the stale incomplete session counts")

	_, err = a.Status("stale")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = a.Status("done")
	require.ErrorIs(t, err, ErrSessionNotFound, "merged sessions past the window are forgotten")
	_, err = a.Status("fresh")
	require.NoError(t, err)

	// Stale chunks were deleted, fresh ones kept.
	require.Len(t, chunks.chunks, 1)
}
