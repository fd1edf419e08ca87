package storage

import (
	"encoding/binary"
	"hash/crc64"
	"math/rand"
	"os"
	"sync"

	"github.com/polodb/polodb-go/dberr"
)

// TransactionType distinguishes a read transaction (no frames written,
// upgradeable) from a write transaction (§4.3, §4.12).
type TransactionType int

const (
	TxNone TransactionType = iota
	TxRead
	TxWrite
)

var crcTable = crc64.MakeTable(crc64.ISO)

// journalMagicText is the human-readable prefix of the journal header magic.
const journalMagicText = "PoloDB Journal v1"

// journalMagic is the fixed 32-byte magic field of the journal header,
// journalMagicText padded with zero bytes (§4.3).
var journalMagic = func() [32]byte {
	var b [32]byte
	copy(b[:], journalMagicText)
	return b
}()

const (
	journalHeaderSize  = 64
	journalVersion     = 1
	journalCommitMagic = uint32(0xC0117717) // COMMIT_MARKER

	// frame = page_id(4) + transaction_id(4) + page_image(pageSize) + crc64(8)
	frameFixedOverhead = 4 + 4 + 8
	// commit record = marker(4) + transaction_id(4) + frame_count(4) + running_crc(8)
	commitRecordSize = 4 + 4 + 4 + 8
)

// journalFrame is one page image recorded in the journal along with the
// transaction it belongs to (§4.3).
type journalFrame struct {
	pageID uint32
	txID   uint32
	image  []byte
	offset int64 // byte offset of this frame's record in the journal file
}

// Journal is the write-ahead log of page images (§4.3). It buffers page
// writes for the in-progress transaction, fsyncs a commit record to make
// them durable, and checkpoints committed frames into the main file.
type Journal struct {
	mu sync.Mutex

	file     StorageFile
	path     string
	pageSize int

	salt1, salt2 uint32

	// committed maps page id -> offset of the latest committed frame.
	committed map[uint32]int64
	// pending maps page id -> offset of the latest frame in the current,
	// not-yet-committed transaction.
	pending map[uint32]int64
	frames  map[int64]*journalFrame // offset -> frame, for both committed and pending

	writeOffset int64 // next free byte offset to append at

	txType  TransactionType
	txID    uint32
	nextTx  uint32
	dbSize  int64 // logical db size in bytes, tracked across commits

	committedFrameCount int
}

// OpenJournal opens or creates the journal file at path (main file path +
// ".journal") and recovers it (§4.3 "Recovery").
func OpenJournal(path string, pageSize int, dbSize int64) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, dberr.Wrap(dberr.IO, err, "open journal "+path)
	}
	j := &Journal{
		file:      f,
		path:      path,
		pageSize:  pageSize,
		committed: make(map[uint32]int64),
		pending:   make(map[uint32]int64),
		frames:    make(map[int64]*journalFrame),
		dbSize:    dbSize,
		nextTx:    1,
	}
	if err := j.openOrInit(); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

// OpenJournalFile opens the journal over an already-open StorageFile
// (used by the in-memory backend, where there is no path to reopen).
func OpenJournalFile(f StorageFile, path string, pageSize int, dbSize int64) (*Journal, error) {
	j := &Journal{
		file:      f,
		path:      path,
		pageSize:  pageSize,
		committed: make(map[uint32]int64),
		pending:   make(map[uint32]int64),
		frames:    make(map[int64]*journalFrame),
		dbSize:    dbSize,
		nextTx:    1,
	}
	if err := j.openOrInit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openOrInit() error {
	info, err := j.file.Stat()
	if err != nil {
		return dberr.Wrap(dberr.IO, err, "stat journal")
	}
	if info.Size() == 0 {
		return j.writeHeader()
	}
	return j.recover()
}

func (j *Journal) writeHeader() error {
	j.salt1 = rand.Uint32()
	j.salt2 = rand.Uint32()

	hdr := make([]byte, journalHeaderSize)
	copy(hdr[0:32], journalMagic[:32])
	binary.BigEndian.PutUint32(hdr[32:36], journalVersion)
	binary.BigEndian.PutUint32(hdr[36:40], uint32(j.pageSize))
	binary.BigEndian.PutUint32(hdr[40:44], j.salt1)
	binary.BigEndian.PutUint32(hdr[44:48], j.salt2)
	checksum := crc64.Checksum(hdr[:48], crcTable)
	binary.BigEndian.PutUint64(hdr[48:56], checksum)

	if _, err := j.file.WriteAt(hdr, 0); err != nil {
		return dberr.Wrap(dberr.IO, err, "write journal header")
	}
	j.writeOffset = journalHeaderSize
	return nil
}

// recover validates the header then scans frames forward, accepting only
// frames that are followed by a matching commit record (§4.3 Recovery).
func (j *Journal) recover() error {
	hdr := make([]byte, journalHeaderSize)
	if _, err := j.file.ReadAt(hdr, 0); err != nil {
		return dberr.Wrap(dberr.ChecksumMismatch, err, "read journal header")
	}
	if !bytesEqual(hdr[0:len(journalMagicText)], []byte(journalMagicText)) {
		return dberr.New(dberr.NotAValidDatabase, "journal magic mismatch")
	}
	wantChecksum := binary.BigEndian.Uint64(hdr[48:56])
	gotChecksum := crc64.Checksum(hdr[:48], crcTable)
	if wantChecksum != gotChecksum {
		return dberr.New(dberr.ChecksumMismatch, "journal header checksum mismatch")
	}
	j.salt1 = binary.BigEndian.Uint32(hdr[40:44])
	j.salt2 = binary.BigEndian.Uint32(hdr[44:48])

	offset := int64(journalHeaderSize)
	lastGood := offset
	var txFrames []*journalFrame

scan:
	for {
		var marker [4]byte
		if n, _ := j.file.ReadAt(marker[:], offset); n < 4 {
			break
		}

		if binary.BigEndian.Uint32(marker[:]) == journalCommitMagic {
			crBuf := make([]byte, commitRecordSize)
			n, err := j.file.ReadAt(crBuf, offset)
			if err != nil || n < commitRecordSize {
				break scan // incomplete tail, stop here (crash-safe)
			}
			txID := binary.BigEndian.Uint32(crBuf[4:8])
			frameCount := binary.BigEndian.Uint32(crBuf[8:12])
			runningCRC := binary.BigEndian.Uint64(crBuf[12:20])
			// Commit counts and checksums only the latest frame of each
			// page, in file order.
			last := make(map[uint32]int, len(txFrames))
			for i, fr := range txFrames {
				last[fr.pageID] = i
			}
			var counted []*journalFrame
			for i, fr := range txFrames {
				if last[fr.pageID] == i {
					counted = append(counted, fr)
				}
			}
			if int(frameCount) != len(counted) || !verifyRunningCRC(counted, runningCRC) {
				break scan
			}
			for _, fr := range counted {
				fr.txID = txID
				j.committed[fr.pageID] = fr.offset
				j.committedFrameCount++
			}
			txFrames = nil
			offset += commitRecordSize
			lastGood = offset
			continue scan
		}

		frameBuf := make([]byte, frameFixedOverhead+j.pageSize)
		n, err := j.file.ReadAt(frameBuf, offset)
		if err != nil || n < len(frameBuf) {
			break scan // incomplete frame tail, stop here
		}
		pid := binary.BigEndian.Uint32(frameBuf[0:4])
		txID := binary.BigEndian.Uint32(frameBuf[4:8])
		wantCRC := binary.BigEndian.Uint64(frameBuf[8+j.pageSize:])
		gotCRC := crc64.Checksum(frameBuf[:8+j.pageSize], crcTable)
		if wantCRC != gotCRC {
			break scan // corrupt tail; stop scanning
		}
		image := make([]byte, j.pageSize)
		copy(image, frameBuf[8:8+j.pageSize])
		fr := &journalFrame{pageID: pid, txID: txID, image: image, offset: offset}
		txFrames = append(txFrames, fr)
		j.frames[offset] = fr
		offset += int64(len(frameBuf))
	}

	// Truncate to the last good commit; discard any uncommitted tail.
	j.writeOffset = lastGood
	for off := range j.frames {
		if off >= lastGood {
			delete(j.frames, off)
		}
	}
	if err := j.file.Truncate(lastGood); err != nil {
		return dberr.Wrap(dberr.IO, err, "truncate journal to last commit")
	}
	return nil
}

func verifyRunningCRC(frames []*journalFrame, want uint64) bool {
	running := uint64(0)
	for _, fr := range frames {
		buf := make([]byte, frameFixedOverhead+len(fr.image))
		binary.BigEndian.PutUint32(buf[0:4], fr.pageID)
		binary.BigEndian.PutUint32(buf[4:8], fr.txID)
		copy(buf[8:8+len(fr.image)], fr.image)
		frameCRC := crc64.Checksum(buf[:8+len(fr.image)], crcTable)
		binary.BigEndian.PutUint64(buf[8+len(fr.image):], frameCRC)
		running = crc64.Update(running, crcTable, buf)
	}
	return running == want
}

// StartTransaction begins a Read or Write transaction. A second overlapping
// write transaction fails with Busy (§4.3, §4.12).
func (j *Journal) StartTransaction(ty TransactionType) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.txType == TxWrite:
		return dberr.New(dberr.Busy, "a write transaction is already in progress")
	case ty == TxWrite && j.txType == TxRead:
		return dberr.New(dberr.Busy, "upgrade a read transaction explicitly")
	}
	j.txType = ty
	j.txID = j.nextTx
	j.nextTx++
	j.pending = make(map[uint32]int64)
	return nil
}

// UpgradeReadToWrite upgrades the current read transaction to a writer,
// failing with Busy if another writer already exists (§4.3).
func (j *Journal) UpgradeReadToWrite() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.txType != TxRead {
		return dberr.New(dberr.NoTransactionStarted, "no read transaction to upgrade")
	}
	j.txType = TxWrite
	return nil
}

// EndRead closes a read transaction (the Read -> None transition of §4.12;
// a read never produces pending frames, so there is nothing to flush).
func (j *Journal) EndRead() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.txType != TxRead {
		return dberr.New(dberr.NoTransactionStarted, "no read transaction in progress")
	}
	j.txType = TxNone
	return nil
}

// TransactionType reports the current transaction state.
func (j *Journal) TransactionType() TransactionType {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.txType
}

// AppendRawPage writes a frame for p to the journal file and records it in
// the pending map. A no-op if the identical image is already the latest
// pending frame for this page id (§4.3).
func (j *Journal) AppendRawPage(p *Page) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.txType != TxWrite {
		return dberr.New(dberr.NoTransactionStarted, "append_raw_page outside a write transaction")
	}

	if off, ok := j.pending[p.ID()]; ok {
		if fr, ok2 := j.frames[off]; ok2 && bytesEqual(fr.image, p.Bytes()) {
			return nil
		}
	}

	buf := make([]byte, frameFixedOverhead+j.pageSize)
	binary.BigEndian.PutUint32(buf[0:4], p.ID())
	binary.BigEndian.PutUint32(buf[4:8], j.txID)
	copy(buf[8:8+j.pageSize], p.Bytes())
	crc := crc64.Checksum(buf[:8+j.pageSize], crcTable)
	binary.BigEndian.PutUint64(buf[8+j.pageSize:], crc)

	offset := j.writeOffset
	if _, err := j.file.WriteAt(buf, offset); err != nil {
		return dberr.Wrap(dberr.IO, err, "append journal frame")
	}
	j.writeOffset += int64(len(buf))

	image := make([]byte, j.pageSize)
	copy(image, p.Bytes())
	j.frames[offset] = &journalFrame{pageID: p.ID(), txID: j.txID, image: image, offset: offset}
	j.pending[p.ID()] = offset

	if int64(p.ID()+1)*int64(j.pageSize) > j.dbSize {
		j.dbSize = int64(p.ID()+1) * int64(j.pageSize)
	}
	return nil
}

// ReadPage returns the image of pid visible under the current transaction:
// latest pending frame, else latest committed frame, else nil (§4.3).
func (j *Journal) ReadPage(pid uint32) *Page {
	j.mu.Lock()
	defer j.mu.Unlock()
	if off, ok := j.pending[pid]; ok {
		fr := j.frames[off]
		p := New(pid, j.pageSize)
		copy(p.Bytes(), fr.image)
		return p
	}
	if off, ok := j.committed[pid]; ok {
		fr := j.frames[off]
		p := New(pid, j.pageSize)
		copy(p.Bytes(), fr.image)
		return p
	}
	return nil
}

// Commit writes the commit record, fsyncs, and promotes pending offsets to
// committed. On failure, the journal is truncated back to the last good
// commit and the caller must Rollback (§4.3).
func (j *Journal) Commit() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.txType != TxWrite {
		return dberr.New(dberr.NoTransactionStarted, "commit outside a write transaction")
	}
	if len(j.pending) == 0 {
		j.txType = TxNone
		return nil
	}

	offsets := make([]int64, 0, len(j.pending))
	for _, off := range j.pending {
		offsets = append(offsets, off)
	}
	// Deterministic order for the running CRC: ascending offset.
	for i := 1; i < len(offsets); i++ {
		for k := i; k > 0 && offsets[k-1] > offsets[k]; k-- {
			offsets[k-1], offsets[k] = offsets[k], offsets[k-1]
		}
	}

	running := uint64(0)
	for _, off := range offsets {
		fr := j.frames[off]
		buf := make([]byte, frameFixedOverhead+j.pageSize)
		binary.BigEndian.PutUint32(buf[0:4], fr.pageID)
		binary.BigEndian.PutUint32(buf[4:8], fr.txID)
		copy(buf[8:8+j.pageSize], fr.image)
		crc := crc64.Checksum(buf[:8+j.pageSize], crcTable)
		binary.BigEndian.PutUint64(buf[8+j.pageSize:], crc)
		running = crc64.Update(running, crcTable, buf)
	}

	rec := make([]byte, commitRecordSize)
	binary.BigEndian.PutUint32(rec[0:4], journalCommitMagic)
	binary.BigEndian.PutUint32(rec[4:8], j.txID)
	binary.BigEndian.PutUint32(rec[8:12], uint32(len(offsets)))
	binary.BigEndian.PutUint64(rec[12:20], running)

	if err := j.file.Sync(); err != nil {
		j.truncateOnFailure()
		return dberr.Wrap(dberr.IO, err, "fsync before commit record")
	}
	if _, err := j.file.WriteAt(rec, j.writeOffset); err != nil {
		j.truncateOnFailure()
		return dberr.Wrap(dberr.IO, err, "write commit record")
	}
	if err := j.file.Sync(); err != nil {
		j.truncateOnFailure()
		return dberr.Wrap(dberr.IO, err, "fsync commit record")
	}

	j.writeOffset += commitRecordSize
	for pid, off := range j.pending {
		j.committed[pid] = off
		j.committedFrameCount++
	}
	j.pending = make(map[uint32]int64)
	j.txType = TxNone
	return nil
}

func (j *Journal) truncateOnFailure() {
	for pid, off := range j.pending {
		delete(j.frames, off)
		_ = pid
	}
	j.pending = make(map[uint32]int64)
	j.file.Truncate(j.writeOffset)
}

// Rollback truncates the journal to the last committed length and clears
// the pending set (§4.3).
func (j *Journal) Rollback() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, off := range j.pending {
		delete(j.frames, off)
	}
	j.pending = make(map[uint32]int64)
	if err := j.file.Truncate(j.writeOffset); err != nil {
		return dberr.Wrap(dberr.IO, err, "truncate on rollback")
	}
	j.txType = TxNone
	return nil
}

// CheckpointJournal writes every page whose latest committed frame is
// newer than what's in mainFile, fsyncs, then truncates the journal back
// to its header. Idempotent: a partial failure leaves the journal intact
// to retry on the next commit (§4.3).
func (j *Journal) CheckpointJournal(mainFile StorageFile) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.committed) == 0 {
		return nil
	}
	for pid, off := range j.committed {
		fr := j.frames[off]
		fileOffset := int64(pid) * int64(j.pageSize)
		if _, err := mainFile.WriteAt(fr.image, fileOffset); err != nil {
			return dberr.Wrap(dberr.IO, err, "checkpoint write")
		}
	}
	if err := mainFile.Sync(); err != nil {
		return dberr.Wrap(dberr.IO, err, "checkpoint fsync")
	}
	if err := j.file.Truncate(journalHeaderSize); err != nil {
		return dberr.Wrap(dberr.IO, err, "truncate journal after checkpoint")
	}
	j.writeOffset = journalHeaderSize
	j.committed = make(map[uint32]int64)
	j.frames = make(map[int64]*journalFrame)
	j.committedFrameCount = 0
	return nil
}

// Len returns the number of committed frames (drives the "journal full"
// heuristic, default threshold ~1000 frames, §4.3).
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committedFrameCount
}

// DBSize returns the logical database size tracked across commits.
func (j *Journal) DBSize() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dbSize
}

// SetDBSize overrides the tracked logical size (used when the backend
// grows the main file ahead of any page write).
func (j *Journal) SetDBSize(size int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.dbSize = size
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	return j.file.Close()
}

// crc64Of is the CRC-64 used for the first page's checksum, sharing the
// journal's ISO polynomial table (§3, §4.3).
func crc64Of(b []byte) uint64 {
	return crc64.Checksum(b, crcTable)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
