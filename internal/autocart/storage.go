package autocart

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// MemoryPath opens an in-memory database instead of a directory.
const MemoryPath = ":memory:"

// Key layout on the shared database:
//
//	g:<generation>               generation marker (genMeta)
//	e:<generation>\x00<req key>  cached snapshot
//	kv:<key>                     local store slot
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	slotPrefix  = "kv:"
)

func openDB(path string) (*leveldb.DB, error) {
	if path == MemoryPath {
		return leveldb.Open(storage.NewMemStorage(), nil)
	}
	return leveldb.OpenFile(path, nil)
}

type genMeta struct {
	CreatedAt int64
}

func genKey(name string) []byte { return []byte(genPrefix + name) }

func entryRange(name string) []byte { return []byte(entryPrefix + name + "\x00") }

func entryKey(name string, key RequestKey) []byte {
	return append(entryRange(name), key...)
}

type cacheOp struct {
	gen     string
	key     RequestKey
	snap    *Snapshot
	install []Snapshot
	keys    []RequestKey
	open    bool
	del     bool
	done    chan error
}

// cacheStorage holds named cache generations. Reads go straight to leveldb;
// every mutation is applied by a single writer goroutine, so a put can never
// land in a generation after that generation was deleted.
type cacheStorage struct {
	db       *leveldb.DB
	maxEntry int64
	log      zerolog.Logger
	failLog  *rateLimitedLogger
	stats    *statsCollector

	mu     sync.RWMutex
	closed bool
	ops    chan cacheOp
	done   chan struct{}
}

func newCacheStorage(db *leveldb.DB, maxEntry int64, log zerolog.Logger, stats *statsCollector) *cacheStorage {
	c := &cacheStorage{
		db:       db,
		maxEntry: maxEntry,
		log:      log,
		failLog:  newRateLimitedLogger(log, time.Minute),
		stats:    stats,
		ops:      make(chan cacheOp, 1024),
		done:     make(chan struct{}),
	}
	go c.writerLoop()
	return c
}

func (c *cacheStorage) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.ops)
	c.mu.Unlock()
	<-c.done
}

func (c *cacheStorage) submit(op cacheOp) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errStorageClosed
	}
	c.ops <- op
	return nil
}

func (c *cacheStorage) submitWait(ctx context.Context, op cacheOp) error {
	op.done = make(chan error, 1)
	if err := c.submit(op); err != nil {
		return err
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open creates the generation if it does not exist yet.
func (c *cacheStorage) Open(ctx context.Context, name string) error {
	return c.submitWait(ctx, cacheOp{gen: name, open: true})
}

// Keys lists generation names in lexical order.
func (c *cacheStorage) Keys() ([]string, error) {
	it := c.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (c *cacheStorage) Has(name string) (bool, error) {
	return c.db.Has(genKey(name), nil)
}

// Delete removes a generation and every entry in it.
func (c *cacheStorage) Delete(ctx context.Context, name string) error {
	return c.submitWait(ctx, cacheOp{gen: name, del: true})
}

// Install writes a complete generation in one batch: either the marker and
// all snapshots become visible, or nothing does.
func (c *cacheStorage) Install(ctx context.Context, name string, keys []RequestKey, snaps []Snapshot) error {
	if len(keys) != len(snaps) {
		return errors.New("install: keys and snapshots differ in length")
	}
	return c.submitWait(ctx, cacheOp{gen: name, keys: keys, install: snaps})
}

// Put stores one snapshot and waits for the write.
func (c *cacheStorage) Put(ctx context.Context, name string, key RequestKey, snap Snapshot) error {
	return c.submitWait(ctx, cacheOp{gen: name, key: key, snap: &snap})
}

// PutAsync queues a snapshot for storage. Failures are logged, never returned.
func (c *cacheStorage) PutAsync(name string, key RequestKey, snap Snapshot) {
	if err := c.submit(cacheOp{gen: name, key: key, snap: &snap}); err != nil {
		c.storeFailed(err)
	}
}

// Sync waits until every previously queued mutation has been applied.
func (c *cacheStorage) Sync(ctx context.Context) error {
	return c.submitWait(ctx, cacheOp{})
}

// Match looks up key in generation name.
func (c *cacheStorage) Match(name string, key RequestKey) (Snapshot, bool, error) {
	b, err := c.db.Get(entryKey(name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := decodeGob(b, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// EntryKeys lists the request keys stored in a generation.
func (c *cacheStorage) EntryKeys(name string) ([]RequestKey, error) {
	prefix := entryRange(name)
	it := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []RequestKey
	for it.Next() {
		out = append(out, RequestKey(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

func (c *cacheStorage) writerLoop() {
	defer close(c.done)
	for op := range c.ops {
		err := c.apply(op)
		if op.done != nil {
			op.done <- err
			continue
		}
		if err != nil {
			c.storeFailed(err)
		}
	}
}

func (c *cacheStorage) apply(op cacheOp) error {
	switch {
	case op.gen == "":
		return nil
	case op.del:
		return c.applyDelete(op.gen)
	case op.open:
		return c.applyOpen(op.gen)
	case op.install != nil:
		return c.applyInstall(op.gen, op.keys, op.install)
	case op.snap != nil:
		return c.applyPut(op.gen, op.key, *op.snap)
	}
	return nil
}

func (c *cacheStorage) applyOpen(name string) error {
	ok, err := c.db.Has(genKey(name), nil)
	if err != nil || ok {
		return err
	}
	mb, err := encodeGob(genMeta{CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return c.db.Put(genKey(name), mb, nil)
}

func (c *cacheStorage) applyInstall(name string, keys []RequestKey, snaps []Snapshot) error {
	batch := new(leveldb.Batch)
	mb, err := encodeGob(genMeta{CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	batch.Put(genKey(name), mb)
	for i, snap := range snaps {
		b, err := encodeGob(snap)
		if err != nil {
			return err
		}
		batch.Put(entryKey(name, keys[i]), b)
	}
	return c.db.Write(batch, nil)
}

func (c *cacheStorage) applyPut(name string, key RequestKey, snap Snapshot) error {
	// A generation deleted by activation stays deleted.
	ok, err := c.db.Has(genKey(name), nil)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debug().Str("generation", name).Str("key", string(key)).Msg("dropping put into missing generation")
		return nil
	}
	b, err := encodeGob(snap)
	if err != nil {
		return err
	}
	if c.maxEntry > 0 && int64(len(b)) > c.maxEntry {
		c.log.Debug().Str("key", string(key)).Int("bytes", len(b)).Msg("entry over storage.maxEntry, not stored")
		return nil
	}
	return c.db.Put(entryKey(name, key), b, nil)
}

func (c *cacheStorage) applyDelete(name string) error {
	batch := new(leveldb.Batch)
	batch.Delete(genKey(name))

	it := c.db.NewIterator(util.BytesPrefix(entryRange(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return c.db.Write(batch, nil)
}

func (c *cacheStorage) storeFailed(err error) {
	if c.stats != nil {
		c.stats.storeFailures.Add(1)
	}
	c.failLog.Warn(err, "cache put failed")
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
