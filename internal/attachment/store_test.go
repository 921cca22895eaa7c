package attachment

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"testing"
	"testing/iotest"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/workdesk/internal/apperr"
)

func newTestStore(t *testing.T, chunk int) *BadgerStore {
	t.Helper()
	s, err := OpenInMemory(Options{ChunkSize: chunk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func countKeys(t *testing.T, s *BadgerStore) int {
	t.Helper()
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestPutGet_RoundTrip(t *testing.T) {
	const chunk = 1024
	s := newTestStore(t, chunk)
	ctx := context.Background()

	sizes := []int{0, 1, chunk - 1, chunk, chunk + 1, 5*chunk + 17, 10 << 20}
	for _, size := range sizes {
		data := randomBytes(size)
		id, err := s.Put(ctx, "blob.bin", "application/octet-stream", Meta{WorkItemID: "w1", UploadedBy: "u1"}, bytes.NewReader(data))
		require.NoError(t, err, "size %d", size)

		obj, err := s.Get(ctx, id)
		require.NoError(t, err, "size %d", size)
		got, err := io.ReadAll(obj)
		require.NoError(t, err)
		require.NoError(t, obj.Close())

		assert.Equal(t, int64(size), obj.Size, "size %d", size)
		assert.True(t, bytes.Equal(data, got), "round trip mismatch at size %d", size)
		assert.Equal(t, "blob.bin", obj.Name)
		assert.Equal(t, "application/octet-stream", obj.ContentType)
		assert.Equal(t, "w1", obj.Meta.WorkItemID)
	}
}

func TestPut_IDsAreUniqueAndSortable(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	prev := ""
	for i := 0; i < 20; i++ {
		id, err := s.Put(ctx, "x.txt", "text/plain", Meta{}, bytes.NewReader([]byte("x")))
		require.NoError(t, err)
		assert.Len(t, id, 26)
		assert.Greater(t, id, prev)
		prev = id
	}
}

type failingReader struct {
	data []byte
	fail int
	read int
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.read >= f.fail {
		return 0, errors.New("connection reset")
	}
	n := copy(p, f.data[f.read:f.fail])
	f.read += n
	return n, nil
}

func TestPut_MidStreamFailureLeavesNothing(t *testing.T) {
	s := newTestStore(t, 1024)
	ctx := context.Background()

	_, err := s.Put(ctx, "big.bin", "application/octet-stream", Meta{}, &failingReader{data: randomBytes(8192), fail: 3000})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrStorageWrite), "err = %v", err)
	assert.Equal(t, 0, countKeys(t, s))
}

func TestPut_CancelledContext(t *testing.T) {
	s := newTestStore(t, 1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, "a.txt", "text/plain", Meta{}, bytes.NewReader(randomBytes(4096)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrStorageWrite))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, countKeys(t, s))
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Get(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "err = %v", err)
}

func TestGet_MissingChunkIsReadError(t *testing.T) {
	s := newTestStore(t, 1024)
	ctx := context.Background()
	id, err := s.Put(ctx, "a.bin", "application/octet-stream", Meta{}, bytes.NewReader(randomBytes(3000)))
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error { return txn.Delete(chunkKey(id, 1)) }))

	obj, err := s.Get(ctx, id)
	require.NoError(t, err)
	_, err = io.ReadAll(obj)
	assert.True(t, errors.Is(err, apperr.ErrStorageRead), "err = %v", err)
}

func TestDelete_Idempotent(t *testing.T) {
	s := newTestStore(t, 1024)
	ctx := context.Background()
	id, err := s.Put(ctx, "a.bin", "application/octet-stream", Meta{}, bytes.NewReader(randomBytes(5000)))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))
	assert.Equal(t, 0, countKeys(t, s))
	_, err = s.Get(ctx, id)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	require.NoError(t, s.Delete(ctx, id))
	require.NoError(t, s.Delete(ctx, "never-existed"))
}

func TestGetMany_SkipsMissing(t *testing.T) {
	s := newTestStore(t, 1024)
	ctx := context.Background()

	a := randomBytes(2500)
	b := randomBytes(10)
	idA, err := s.Put(ctx, "report.pdf", "application/pdf", Meta{}, bytes.NewReader(a))
	require.NoError(t, err)
	idB, err := s.Put(ctx, "report.pdf", "application/pdf", Meta{}, bytes.NewReader(b))
	require.NoError(t, err)

	var buf bytes.Buffer
	res, err := s.GetMany(ctx, []string{idA, "missing", idB}, &buf)
	require.NoError(t, err)
	assert.Equal(t, []string{idA, idB}, res.Added)
	assert.Equal(t, []string{"missing"}, res.Skipped)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "report.pdf", zr.File[0].Name)
	assert.Equal(t, "report (2).pdf", zr.File[1].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.True(t, bytes.Equal(a, got))
}

func TestGetMany_OnlyMissing(t *testing.T) {
	s := newTestStore(t, 0)
	var buf bytes.Buffer
	res, err := s.GetMany(context.Background(), []string{"gone"}, &buf)
	require.NoError(t, err)
	assert.Empty(t, res.Added)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Empty(t, zr.File)
}

func TestGetMany_SkipsIncompleteFile(t *testing.T) {
	s := newTestStore(t, 1024)
	ctx := context.Background()
	id, err := s.Put(ctx, "a.bin", "application/octet-stream", Meta{}, bytes.NewReader(randomBytes(3000)))
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error { return txn.Delete(chunkKey(id, 2)) }))

	var buf bytes.Buffer
	res, err := s.GetMany(ctx, []string{id}, &buf)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.Skipped)
}

func TestGetMany_FailureMidFileLeavesNoEntry(t *testing.T) {
	s := newTestStore(t, 1024)
	ctx := context.Background()
	good := randomBytes(1500)
	goodID, err := s.Put(ctx, "good.bin", "application/octet-stream", Meta{}, bytes.NewReader(good))
	require.NoError(t, err)
	badID, err := s.Put(ctx, "bad.bin", "application/octet-stream", Meta{}, bytes.NewReader(randomBytes(5000)))
	require.NoError(t, err)
	// The first chunks read fine; the failure comes after data was produced.
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error { return txn.Delete(chunkKey(badID, 3)) }))

	var buf bytes.Buffer
	res, err := s.GetMany(ctx, []string{badID, goodID}, &buf)
	require.NoError(t, err)
	assert.Equal(t, []string{goodID}, res.Added)
	assert.Equal(t, []string{badID}, res.Skipped)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "good.bin", zr.File[0].Name)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, good, got)
}

func TestSpoolFile_ReusesSpool(t *testing.T) {
	spool, err := os.CreateTemp(t.TempDir(), "spool-*")
	require.NoError(t, err)
	defer spool.Close()

	n, readErr, err := spoolFile(spool, bytes.NewReader([]byte("a longer first entry")))
	require.NoError(t, err)
	require.NoError(t, readErr)
	assert.Equal(t, int64(20), n)

	n, readErr, err = spoolFile(spool, io.MultiReader(bytes.NewReader([]byte("part")), iotest.ErrReader(errors.New("disk gone"))))
	require.NoError(t, err)
	assert.Error(t, readErr)
	assert.Equal(t, int64(4), n)

	n, _, err = spoolFile(spool, bytes.NewReader([]byte("short")))
	require.NoError(t, err)
	got, err := io.ReadAll(io.NewSectionReader(spool, 0, n))
	require.NoError(t, err)
	assert.Equal(t, "short", string(got))
}

func TestUniqueName(t *testing.T) {
	used := map[string]int{}
	tests := []struct{ in, want string }{
		{"a.txt", "a.txt"},
		{"a.txt", "a (2).txt"},
		{"a.txt", "a (3).txt"},
		{"../../etc/passwd", "passwd"},
		{`C:\tmp\b.doc`, "b.doc"},
		{"", "file"},
		{"noext", "noext"},
		{"noext", "noext (2)"},
	}
	for _, tt := range tests {
		if got := uniqueName(tt.in, used); got != tt.want {
			t.Errorf("uniqueName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCollectGarbage_InMemory(t *testing.T) {
	s := newTestStore(t, 0)
	assert.NoError(t, s.CollectGarbage())
}
