// Package attachment stores attachment binaries as fixed-size chunks in
// BadgerDB and streams them back out, singly or bundled into a zip.
//
// A file's metadata key is written after its last chunk, so a file whose
// upload failed part-way is never visible to Get.
package attachment

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/workdesk/internal/apperr"
)

// DefaultChunkSize is the chunk size used when Options.ChunkSize is zero.
const DefaultChunkSize = 255 << 10

// Meta is caller-supplied ownership metadata kept alongside the file.
type Meta struct {
	WorkItemID string `json:"work_item_id,omitempty"`
	UploadedBy string `json:"uploaded_by,omitempty"`
	Purpose    string `json:"purpose,omitempty"`
}

// Info describes a stored file.
type Info struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Chunks      int       `json:"chunks"`
	CreatedAt   time.Time `json:"created_at"`
	Meta        Meta      `json:"meta"`
}

// Object is an open file. Callers must Close it.
type Object struct {
	Info
	io.ReadCloser
}

// BundleResult lists which ids made it into a bundle.
type BundleResult struct {
	Added   []string
	Skipped []string
}

// Store is the binary medium the lifecycle engine writes attachments to.
type Store interface {
	Put(ctx context.Context, name, contentType string, meta Meta, r io.Reader) (string, error)
	Get(ctx context.Context, fileID string) (*Object, error)
	GetMany(ctx context.Context, fileIDs []string, w io.Writer) (BundleResult, error)
	Delete(ctx context.Context, fileID string) error
}

// Options configures a BadgerStore.
type Options struct {
	ChunkSize int
	Log       logrus.FieldLogger
}

// BadgerStore implements Store on top of BadgerDB.
type BadgerStore struct {
	db        *badger.DB
	chunkSize int
	log       logrus.FieldLogger

	mu      sync.Mutex
	entropy io.Reader
}

// Open opens (or creates) a store in dir.
func Open(dir string, opts Options) (*BadgerStore, error) {
	return open(badger.DefaultOptions(dir), opts)
}

// OpenInMemory opens a store that keeps everything in RAM.
func OpenInMemory(opts Options) (*BadgerStore, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), opts)
}

func open(bopts badger.Options, opts Options) (*BadgerStore, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Log = l
	}
	bopts = bopts.WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("attachment: open %q: %w", bopts.Dir, err)
	}
	return &BadgerStore{
		db:        db,
		chunkSize: opts.ChunkSize,
		log:       opts.Log.WithField("component", "attachment"),
		entropy:   ulid.Monotonic(crand.Reader, 0),
	}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// CollectGarbage rewrites value log files until badger reports nothing
// left to reclaim.
func (s *BadgerStore) CollectGarbage() error {
	for {
		err := s.db.RunValueLogGC(0.5)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		default:
			return fmt.Errorf("attachment: gc: %w", err)
		}
	}
}

func (s *BadgerStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func metaKey(id string) []byte {
	return []byte("f/" + id + "/m")
}

func chunkKey(id string, n int) []byte {
	return []byte(fmt.Sprintf("f/%s/c/%08d", id, n))
}

func filePrefix(id string) []byte {
	return []byte("f/" + id + "/")
}

// Put streams r into the store one chunk at a time and returns the new
// file id. On any failure the chunks already written are removed.
func (s *BadgerStore) Put(ctx context.Context, name, contentType string, meta Meta, r io.Reader) (string, error) {
	id := s.newID()
	buf := make([]byte, s.chunkSize)

	var size int64
	chunks := 0
	fail := func(err error) (string, error) {
		s.removeChunks(id, chunks)
		return "", fmt.Errorf("attachment: put %s: %w: %w", name, apperr.ErrStorageWrite, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			key := chunkKey(id, chunks)
			val := append([]byte(nil), buf[:n]...)
			if err := s.db.Update(func(txn *badger.Txn) error {
				return txn.Set(key, val)
			}); err != nil {
				return fail(err)
			}
			chunks++
			size += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fail(rerr)
		}
	}

	info := Info{
		ID:          id,
		Name:        name,
		ContentType: contentType,
		Size:        size,
		Chunks:      chunks,
		CreatedAt:   time.Now().UTC(),
		Meta:        meta,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fail(err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(id), data)
	}); err != nil {
		return fail(err)
	}

	s.log.WithFields(logrus.Fields{"file_id": id, "name": name, "size": size, "chunks": chunks}).Debug("stored file")
	return id, nil
}

func (s *BadgerStore) removeChunks(id string, n int) {
	for i := 0; i < n; i++ {
		key := chunkKey(id, i)
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			s.log.WithError(err).WithField("file_id", id).Warn("cleanup of partial upload failed")
			return
		}
	}
}

// Stat returns the metadata of a stored file.
func (s *BadgerStore) Stat(ctx context.Context, fileID string) (Info, error) {
	var info Info
	if err := ctx.Err(); err != nil {
		return info, fmt.Errorf("attachment: stat %s: %w: %w", fileID, apperr.ErrStorageRead, err)
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(fileID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return info, fmt.Errorf("attachment: %w", apperr.NotFound("file", fileID))
	}
	if err != nil {
		return info, fmt.Errorf("attachment: stat %s: %w: %w", fileID, apperr.ErrStorageRead, err)
	}
	return info, nil
}

// Get opens a stored file. Chunks are read lazily as the caller consumes
// the returned reader.
func (s *BadgerStore) Get(ctx context.Context, fileID string) (*Object, error) {
	info, err := s.Stat(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &Object{
		Info:       info,
		ReadCloser: &chunkReader{ctx: ctx, s: s, id: fileID, total: info.Chunks},
	}, nil
}

// chunkReader holds at most one chunk in memory.
type chunkReader struct {
	ctx   context.Context
	s     *BadgerStore
	id    string
	total int
	next  int
	buf   []byte
	err   error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	for len(c.buf) == 0 {
		if c.next >= c.total {
			return 0, io.EOF
		}
		if err := c.ctx.Err(); err != nil {
			c.err = fmt.Errorf("attachment: read %s: %w: %w", c.id, apperr.ErrStorageRead, err)
			return 0, c.err
		}
		key := chunkKey(c.id, c.next)
		err := c.s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			c.buf, err = item.ValueCopy(c.buf[:0])
			return err
		})
		if err != nil {
			c.err = fmt.Errorf("attachment: read %s chunk %d: %w: %w", c.id, c.next, apperr.ErrStorageRead, err)
			return 0, c.err
		}
		c.next++
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *chunkReader) Close() error {
	c.buf = nil
	c.next = c.total
	return nil
}

// Delete removes a file and all of its chunks. Deleting a missing file is
// not an error.
func (s *BadgerStore) Delete(ctx context.Context, fileID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("attachment: delete %s: %w: %w", fileID, apperr.ErrStorageWrite, err)
	}
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = filePrefix(fileID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("attachment: delete %s: %w: %w", fileID, apperr.ErrStorageWrite, err)
	}
	if len(keys) == 0 {
		return nil
	}

	// Metadata first so the file disappears before its chunks do.
	meta := metaKey(fileID)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(meta)
	}); err != nil {
		return fmt.Errorf("attachment: delete %s: %w: %w", fileID, apperr.ErrStorageWrite, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if string(k) == string(meta) {
			continue
		}
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("attachment: delete %s: %w: %w", fileID, apperr.ErrStorageWrite, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("attachment: delete %s: %w: %w", fileID, apperr.ErrStorageWrite, err)
	}
	return nil
}
