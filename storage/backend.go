package storage

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/polodb/polodb-go/dberr"
)

// journalFullSize is the committed-frame-count threshold past which a
// commit triggers an eager checkpoint (§4.3 "journal full heuristic").
const journalFullSize = 1000

// Backend composes the main file, the write-ahead journal and the page
// cache into the single read_page/write_page surface the rest of the
// engine builds on (§4.5).
type Backend struct {
	mu sync.Mutex

	file     StorageFile
	lock     *fileLock
	journal  *Journal
	cache    *pageCache
	pageSize int
	path     string
	readOnly bool
	inMemory bool

	tx  txGuard
	log *logrus.Entry
}

// Open opens (or creates) a file-backed database at path, taking the
// exclusive OS lock and recovering the journal (§4.5).
func Open(path string, pageSize int) (*Backend, error) {
	return open(path, pageSize, false)
}

// OpenReadOnly opens an existing database under the same exclusive OS lock
// as Open; writes are rejected.
func OpenReadOnly(path string, pageSize int) (*Backend, error) {
	return open(path, pageSize, true)
}

func open(path string, pageSize int, readOnly bool) (*Backend, error) {
	lock, err := lockFile(path)
	if err != nil {
		return nil, err
	}

	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		lock.unlock()
		return nil, dberr.Wrap(dberr.IO, err, "open "+path)
	}

	b := &Backend{
		file:     f,
		lock:     lock,
		cache:    newPageCache(defaultCacheCapacity),
		pageSize: pageSize,
		path:     path,
		readOnly: readOnly,
		log:      logrus.WithField("component", "backend"),
	}

	if err := b.init(); err != nil {
		f.Close()
		lock.unlock()
		return nil, err
	}
	return b, nil
}

// OpenMemory opens a volatile, journal-less in-memory database (§6
// open_memory).
func OpenMemory(pageSize int) (*Backend, error) {
	mf := NewMemFile()
	b := &Backend{
		file:     mf,
		cache:    newPageCache(defaultCacheCapacity),
		pageSize: pageSize,
		inMemory: true,
		log:      logrus.WithField("component", "backend"),
	}
	jf := NewMemFile()
	j, err := OpenJournalFile(jf, "", pageSize, 0)
	if err != nil {
		return nil, err
	}
	b.journal = j
	return b, b.initFresh()
}

func (b *Backend) init() error {
	info, err := b.file.Stat()
	if err != nil {
		return dberr.Wrap(dberr.IO, err, "stat "+b.path)
	}

	j, err := OpenJournal(b.path+".journal", b.pageSize, info.Size())
	if err != nil {
		return err
	}
	b.journal = j

	if info.Size() == 0 {
		if b.readOnly {
			return dberr.New(dberr.NotAValidDatabase, "cannot create database in read-only mode")
		}
		return b.initFresh()
	}

	fp := NewFirstPage(b.pageSize)
	if err := fp.page.ReadFromFile(b.file, 0); err != nil {
		return dberr.Wrap(dberr.IO, err, "read first page")
	}
	if _, err := LoadFirstPage(fp.page); err != nil {
		return err
	}
	return nil
}

func (b *Backend) initFresh() error {
	fp := NewFirstPage(b.pageSize)
	if err := b.tx.begin(TxWrite); err != nil {
		return err
	}
	if err := b.journal.StartTransaction(TxWrite); err != nil {
		return err
	}
	if err := b.journal.AppendRawPage(fp.Page()); err != nil {
		return err
	}
	if err := b.journal.Commit(); err != nil {
		return err
	}
	b.tx.end()
	b.cache.insertToCache(fp.Page())
	return nil
}

// ReadPage returns the visible image of pid: journal -> cache -> main file,
// zero-filled past the current file length (§4.5).
func (b *Backend) ReadPage(pid uint32) (*Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p := b.journal.ReadPage(pid); p != nil {
		return p, nil
	}
	if p, ok := b.cache.get(pid); ok {
		return p, nil
	}

	p := New(pid, b.pageSize)
	fileOffset := int64(pid) * int64(b.pageSize)
	info, err := b.file.Stat()
	if err != nil {
		return nil, dberr.Wrap(dberr.IO, err, "stat")
	}
	if fileOffset >= info.Size() {
		return p, nil // past current length: zero-filled
	}
	if err := p.ReadFromFile(b.file, fileOffset); err != nil {
		return nil, dberr.Wrap(dberr.IO, err, "read page")
	}
	b.cache.insertToCache(p)
	return p, nil
}

// WritePage appends the page to the journal and refreshes the cache
// (§4.5). Must be called inside a write transaction.
func (b *Backend) WritePage(p *Page) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readOnly {
		return dberr.New(dberr.NotAValidDatabase, "database opened read-only")
	}
	if err := b.journal.AppendRawPage(p); err != nil {
		return err
	}
	b.cache.insertToCache(p)
	return nil
}

// StartTransaction begins a Read or Write transaction on the backend.
func (b *Backend) StartTransaction(ty TransactionType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.tx.begin(ty); err != nil {
		return err
	}
	if err := b.journal.StartTransaction(ty); err != nil {
		b.tx.end()
		return err
	}
	return nil
}

// UpgradeReadTransactionToWrite upgrades Read -> Write iff no other writer
// exists (§4.3, §4.12).
func (b *Backend) UpgradeReadTransactionToWrite() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.tx.upgrade(); err != nil {
		return err
	}
	return b.journal.UpgradeReadToWrite()
}

// TransactionType reports the current backend transaction state.
func (b *Backend) TransactionType() TransactionType {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.journal.TransactionType()
}

// Commit durably records the current write transaction, checkpointing the
// journal eagerly if it has grown past journalFullSize (§4.5).
func (b *Backend) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasWrite := b.journal.TransactionType() == TxWrite
	if wasWrite {
		if err := b.journal.Commit(); err != nil {
			return err
		}
	} else if err := b.journal.EndRead(); err != nil {
		return err
	}
	if err := b.tx.end(); err != nil {
		return err
	}
	if wasWrite && !b.inMemory && b.journal.Len() >= journalFullSize {
		if err := b.journal.CheckpointJournal(b.file); err != nil {
			b.log.WithError(err).Warn("checkpoint after commit failed, will retry next commit")
		}
	}
	return nil
}

// Rollback discards the current transaction's pending writes. WritePage
// caches a page's dirty image before it is known to commit, so a rollback
// must also drop the cache or a later ReadPage could serve that stale
// image once the journal no longer has a pending frame for it.
func (b *Backend) Rollback() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.journal.TransactionType() {
	case TxWrite:
		if err := b.journal.Rollback(); err != nil {
			return err
		}
		b.cache.clear()
	case TxRead:
		if err := b.journal.EndRead(); err != nil {
			return err
		}
	}
	return b.tx.end()
}

// EndRead closes a read-only transaction (no journal frames to discard).
func (b *Backend) EndRead() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.journal.EndRead(); err != nil {
		return err
	}
	return b.tx.end()
}

// DBSize returns the logical database size in bytes.
func (b *Backend) DBSize() int64 {
	return b.journal.DBSize()
}

// SetDBSize overrides the logical database size.
func (b *Backend) SetDBSize(size int64) {
	b.journal.SetDBSize(size)
}

// PageSize returns the configured page size.
func (b *Backend) PageSize() int { return b.pageSize }

// Checkpoint forces an immediate checkpoint of the journal into the main
// file, regardless of the journal-full heuristic.
func (b *Backend) Checkpoint() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inMemory {
		return nil
	}
	return b.journal.CheckpointJournal(b.file)
}

// Close releases the file lock, attempts a final checkpoint, and on
// success deletes the journal file (§4.5 Drop semantics).
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var checkpointErr error
	if !b.inMemory {
		checkpointErr = b.journal.CheckpointJournal(b.file)
	}
	b.journal.Close()
	b.cache.clear()
	b.file.Close()
	if b.lock != nil {
		b.lock.unlock()
	}
	if checkpointErr == nil && !b.inMemory {
		os.Remove(b.path + ".journal")
	}
	return checkpointErr
}
