// Package index implements the B-tree that backs both the collection
// catalog and per-collection primary/secondary indexes (§4.7), plus the
// cursor that walks it (§4.9) and the catalog built on top (§4.8).
package index

import (
	"github.com/polodb/polodb-go/bson"
	"github.com/polodb/polodb-go/dberr"
	"github.com/polodb/polodb-go/storage"
)

// nodeHeaderSize matches the original PoloDB's BTreeNode HEADER_SIZE: magic
// (2B) + item count (2B) + first-left-child pid (4B), padded to 64 bytes so
// the fanout formula of §4.7 holds exactly.
const nodeHeaderSize = 64

// entrySize is one packed entry: right-child pid (4) + key flag (1) + key
// type (1) + inline key content (12) + data ticket (6) = 24 bytes.
const entrySize = 24

const nodeMagic = uint16(0xB7EE)

const (
	keyFlagInline   byte = 0
	keyFlagOverflow byte = 1 // reserved, unimplemented (§9)
)

// Fanout returns the maximum number of entries a node of the given page
// size can hold (§4.7): floor((page_size - 64) / 24).
func Fanout(pageSize int) int {
	return (pageSize - nodeHeaderSize) / entrySize
}

// entry is one (key -> ticket) pair plus the pid of the subtree holding
// keys greater than Key. A leaf entry's RightChild is 0.
type entry struct {
	RightChild uint32
	Key        bson.Value
	Ticket     storage.Ticket
}

// node is a decoded B-tree node page.
type node struct {
	pid        uint32
	firstChild uint32
	entries    []entry
}

func (n *node) isLeaf() bool {
	if n.firstChild != 0 {
		return false
	}
	for _, e := range n.entries {
		if e.RightChild != 0 {
			return false
		}
	}
	return true
}

func (n *node) childAt(i int) uint32 {
	if i == 0 {
		return n.firstChild
	}
	return n.entries[i-1].RightChild
}

func (n *node) setChildAt(i int, pid uint32) {
	if i == 0 {
		n.firstChild = pid
		return
	}
	n.entries[i-1].RightChild = pid
}

// compareKeys gives keys of any type a total order: by type tag first (so
// the ordering stays well-defined even across mismatched types), then by
// value within a type.
func compareKeys(a, b bson.Value) int {
	if a.Type() != b.Type() {
		if a.Type() < b.Type() {
			return -1
		}
		return 1
	}
	c, _ := a.Compare(b)
	return c
}

// search returns the position of the first entry whose key is >= target,
// and whether that entry is an exact match.
func (n *node) search(target bson.Value) (idx int, found bool) {
	lo, hi := 0, len(n.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareKeys(n.entries[mid].Key, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(n.entries) && compareKeys(n.entries[lo].Key, target) == 0 {
		return lo, true
	}
	return lo, false
}

func decodeNode(p *storage.Page) (*node, error) {
	if p.Type() != storage.PageTypeBTreeNode {
		return nil, dberr.New(dberr.ParseError, "not a b-tree node page")
	}
	magic := p.GetU16(2)
	if magic != nodeMagic {
		return nil, dberr.New(dberr.ParseError, "bad b-tree node magic")
	}
	count := int(p.GetU16(4))
	n := &node{pid: p.ID(), firstChild: p.GetU32(6), entries: make([]entry, 0, count)}
	off := nodeHeaderSize
	for i := 0; i < count; i++ {
		right := p.GetU32(off)
		flag := p.GetU8(off + 4)
		typ := bson.Type(p.GetU8(off + 5))
		content := p.Get(off+6, 12)
		var ticketBytes [6]byte
		copy(ticketBytes[:], p.Get(off+18, 6))
		key, err := decodeKey(flag, typ, content)
		if err != nil {
			return nil, err
		}
		n.entries = append(n.entries, entry{
			RightChild: right,
			Key:        key,
			Ticket:     storage.DecodeTicket(ticketBytes),
		})
		off += entrySize
	}
	return n, nil
}

func encodeNode(n *node, pageSize int) (*storage.Page, error) {
	p := storage.NewTyped(n.pid, pageSize, storage.PageTypeBTreeNode)
	p.PutU16(2, nodeMagic)
	p.PutU16(4, uint16(len(n.entries)))
	p.PutU32(6, n.firstChild)
	off := nodeHeaderSize
	for _, e := range n.entries {
		flag, typ, content, err := encodeKey(e.Key)
		if err != nil {
			return nil, err
		}
		p.PutU32(off, e.RightChild)
		p.PutU8(off+4, flag)
		p.PutU8(off+5, byte(typ))
		p.Put(off+6, content[:])
		ticketBytes := e.Ticket.Encode()
		p.Put(off+18, ticketBytes[:])
		off += entrySize
	}
	return p, nil
}

// encodeKey packs a key's 1-byte flag + 1-byte type + 12-byte inline
// content (§3). Strings are stored as a 1-byte length prefix followed by up
// to 11 bytes of content; longer strings would need the overflow key path,
// which is unimplemented in this revision (§9) and surfaces DataOverflow.
func encodeKey(v bson.Value) (flag byte, typ bson.Type, content [12]byte, err error) {
	typ = v.Type()
	switch typ {
	case bson.TypeInt:
		n := v.AsInt()
		for i := 0; i < 8; i++ {
			content[7-i] = byte(n >> (8 * uint(i)))
		}
	case bson.TypeBoolean:
		if v.AsBoolean() {
			content[0] = 1
		}
	case bson.TypeObjectId:
		oid := v.AsObjectId()
		copy(content[:], oid[:])
	case bson.TypeString:
		s := v.AsString()
		if len(s) > 11 {
			return 0, typ, content, dberr.New(dberr.DataOverflow, "string key longer than 11 bytes is unsupported")
		}
		content[0] = byte(len(s))
		copy(content[1:], s)
	default:
		return 0, typ, content, dberr.Newf(dberr.NotAValidKeyType, "%s", typ)
	}
	return keyFlagInline, typ, content, nil
}

func decodeKey(flag byte, typ bson.Type, content []byte) (bson.Value, error) {
	if flag == keyFlagOverflow {
		return bson.Value{}, dberr.New(dberr.NotImplement, "overflow key not implemented")
	}
	switch typ {
	case bson.TypeInt:
		var n int64
		for i := 0; i < 8; i++ {
			n = n<<8 | int64(content[i])
		}
		return bson.Int(n), nil
	case bson.TypeBoolean:
		return bson.Boolean(content[0] != 0), nil
	case bson.TypeObjectId:
		var oid bson.ObjectId
		copy(oid[:], content[:12])
		return bson.ObjectIdValue(oid), nil
	case bson.TypeString:
		l := int(content[0])
		return bson.String(string(content[1 : 1+l])), nil
	default:
		return bson.Value{}, dberr.Newf(dberr.NotAValidKeyType, "%s", typ)
	}
}

// session batches every page read/write/alloc/free of one B-tree operation
// so modified nodes are flushed together at the end.
type session struct {
	bt     *BTree
	loaded map[uint32]*node
	dirty  map[uint32]*node
	freed  []uint32
}

func newSession(bt *BTree) *session {
	return &session{bt: bt, loaded: make(map[uint32]*node), dirty: make(map[uint32]*node)}
}

func (s *session) get(pid uint32) (*node, error) {
	if n, ok := s.dirty[pid]; ok {
		return n, nil
	}
	if n, ok := s.loaded[pid]; ok {
		return n, nil
	}
	p, err := s.bt.backend.ReadPage(pid)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(p)
	if err != nil {
		return nil, err
	}
	s.loaded[pid] = n
	return n, nil
}

func (s *session) alloc() (*node, error) {
	pid, err := s.bt.alloc.AllocPageID()
	if err != nil {
		return nil, err
	}
	n := &node{pid: pid}
	s.dirty[pid] = n
	return n, nil
}

func (s *session) put(n *node) { s.dirty[n.pid] = n }

func (s *session) free(pid uint32) { s.freed = append(s.freed, pid) }

func (s *session) flush() error {
	for _, n := range s.dirty {
		p, err := encodeNode(n, s.bt.backend.PageSize())
		if err != nil {
			return err
		}
		if err := s.bt.backend.WritePage(p); err != nil {
			return err
		}
	}
	if len(s.freed) > 0 {
		if err := s.bt.alloc.FreePages(s.freed); err != nil {
			return err
		}
	}
	return nil
}

// BTree is a classic (not B+) B-tree: every entry at every level, leaf or
// internal, carries its own data ticket directly (§3, §4.7). RootPID is
// mutated in place by Insert/Delete when the root splits or collapses; the
// caller (the catalog, for its own meta-tree, or a collection for its
// primary/secondary index) is responsible for persisting the new root pid.
type BTree struct {
	RootPID uint32
	backend *storage.Backend
	alloc   *storage.Allocator
	fanout  int
}

// New creates an empty tree: a single empty leaf as its root.
func New(backend *storage.Backend, alloc *storage.Allocator) (*BTree, error) {
	bt := &BTree{backend: backend, alloc: alloc, fanout: Fanout(backend.PageSize())}
	s := newSession(bt)
	root, err := s.alloc()
	if err != nil {
		return nil, err
	}
	s.put(root)
	if err := s.flush(); err != nil {
		return nil, err
	}
	bt.RootPID = root.pid
	return bt, nil
}

// Open wraps an existing tree rooted at rootPID.
func Open(backend *storage.Backend, alloc *storage.Allocator, rootPID uint32) *BTree {
	return &BTree{RootPID: rootPID, backend: backend, alloc: alloc, fanout: Fanout(backend.PageSize())}
}

// Lookup returns the ticket stored under key, if any.
func (bt *BTree) Lookup(key bson.Value) (storage.Ticket, bool, error) {
	s := newSession(bt)
	n, err := s.get(bt.RootPID)
	if err != nil {
		return storage.Ticket{}, false, err
	}
	for {
		idx, found := n.search(key)
		if found {
			return n.entries[idx].Ticket, true, nil
		}
		if n.isLeaf() {
			return storage.Ticket{}, false, nil
		}
		n, err = s.get(n.childAt(idx))
		if err != nil {
			return storage.Ticket{}, false, err
		}
	}
}

// splitChild splits the full child at parent.childAt(i), promoting its
// median entry into parent at position i. Used both to preemptively split a
// full child before descending into it, and to split a full root.
func (s *session) splitChild(parent *node, i int) error {
	pid := parent.childAt(i)
	child, err := s.get(pid)
	if err != nil {
		return err
	}

	mid := len(child.entries) / 2
	median := child.entries[mid]

	right, err := s.alloc()
	if err != nil {
		return err
	}
	right.firstChild = median.RightChild
	right.entries = append([]entry{}, child.entries[mid+1:]...)

	left := child
	left.entries = left.entries[:mid]
	s.put(left)
	s.put(right)

	parent.entries = append(parent.entries, entry{})
	copy(parent.entries[i+1:], parent.entries[i:])
	median.RightChild = right.pid
	parent.entries[i] = median
	parent.setChildAt(i, left.pid)
	s.put(parent)
	return nil
}

// Insert adds key -> ticket. If key already exists, returns DataExist
// unless replace is true, in which case the old ticket is returned so the
// caller can free the superseded record.
func (bt *BTree) Insert(key bson.Value, ticket storage.Ticket, replace bool) (old storage.Ticket, hadOld bool, err error) {
	if !key.IsValidKeyType() {
		return storage.Ticket{}, false, dberr.Newf(dberr.NotAValidKeyType, "%s", key.Type())
	}
	s := newSession(bt)
	root, err := s.get(bt.RootPID)
	if err != nil {
		return storage.Ticket{}, false, err
	}

	if len(root.entries) == bt.fanout {
		newRoot, err := s.alloc()
		if err != nil {
			return storage.Ticket{}, false, err
		}
		newRoot.firstChild = root.pid
		s.put(root)
		if err := s.splitChild(newRoot, 0); err != nil {
			return storage.Ticket{}, false, err
		}
		root = newRoot
		bt.RootPID = newRoot.pid
	}

	old, hadOld, err = s.insertNonFull(root, key, ticket, replace)
	if err != nil {
		return storage.Ticket{}, false, err
	}
	if err := s.flush(); err != nil {
		return storage.Ticket{}, false, err
	}
	return old, hadOld, nil
}

func (s *session) insertNonFull(n *node, key bson.Value, ticket storage.Ticket, replace bool) (storage.Ticket, bool, error) {
	idx, found := n.search(key)
	if found {
		old := n.entries[idx].Ticket
		if !replace {
			return storage.Ticket{}, false, dberr.New(dberr.DataExist, "key already exists")
		}
		n.entries[idx].Ticket = ticket
		s.put(n)
		return old, true, nil
	}

	if n.isLeaf() {
		n.entries = append(n.entries, entry{})
		copy(n.entries[idx+1:], n.entries[idx:])
		n.entries[idx] = entry{Key: key, Ticket: ticket}
		s.put(n)
		return storage.Ticket{}, false, nil
	}

	child, err := s.get(n.childAt(idx))
	if err != nil {
		return storage.Ticket{}, false, err
	}
	if len(child.entries) == s.bt.fanout {
		if err := s.splitChild(n, idx); err != nil {
			return storage.Ticket{}, false, err
		}
		idx2, found2 := n.search(key)
		if found2 {
			old := n.entries[idx2].Ticket
			if !replace {
				return storage.Ticket{}, false, dberr.New(dberr.DataExist, "key already exists")
			}
			n.entries[idx2].Ticket = ticket
			s.put(n)
			return old, true, nil
		}
		child, err = s.get(n.childAt(idx2))
		if err != nil {
			return storage.Ticket{}, false, err
		}
	}
	return s.insertNonFull(child, key, ticket, replace)
}

// minEntries is the classic B-tree minimum occupancy (ceil(fanout/2) - 1).
// The root is exempt: it may hold as few as zero entries before collapsing.
func (bt *BTree) minEntries() int {
	m := (bt.fanout + 1) / 2
	if m > 0 {
		m--
	}
	return m
}

// Delete removes key, returning its ticket so the caller can free the
// referenced record. Rebalances via borrow-from-sibling or merge so the
// tree's minimum occupancy invariant holds after the delete (§4.7, §9: this
// is the merge/borrow logic the original left unimplemented).
func (bt *BTree) Delete(key bson.Value) (storage.Ticket, bool, error) {
	s := newSession(bt)
	root, err := s.get(bt.RootPID)
	if err != nil {
		return storage.Ticket{}, false, err
	}

	ticket, found, err := s.delete(root, key)
	if err != nil || !found {
		return ticket, found, err
	}

	root, err = s.get(bt.RootPID)
	if err != nil {
		return storage.Ticket{}, false, err
	}
	if len(root.entries) == 0 && !root.isLeaf() {
		newRootPID := root.firstChild
		s.free(root.pid)
		bt.RootPID = newRootPID
	}

	if err := s.flush(); err != nil {
		return storage.Ticket{}, false, err
	}
	return ticket, true, nil
}

// delete removes key from the subtree rooted at n, rebalancing children on
// the way back up.
func (s *session) delete(n *node, key bson.Value) (storage.Ticket, bool, error) {
	idx, found := n.search(key)

	if found {
		ticket := n.entries[idx].Ticket
		if n.isLeaf() {
			n.entries = append(n.entries[:idx], n.entries[idx+1:]...)
			s.put(n)
			return ticket, true, nil
		}
		// Internal: replace with the in-order predecessor (max of the left
		// subtree), then remove that predecessor from the subtree it
		// actually lives in.
		predNode, predIdx, err := s.maxOf(n.childAt(idx))
		if err != nil {
			return storage.Ticket{}, false, err
		}
		pred := predNode.entries[predIdx]
		rightChild := n.entries[idx].RightChild
		n.entries[idx] = entry{Key: pred.Key, Ticket: pred.Ticket, RightChild: rightChild}
		s.put(n)
		if _, _, err := s.deleteFrom(n.childAt(idx), pred.Key); err != nil {
			return storage.Ticket{}, false, err
		}
		if err := s.fixChild(n, idx); err != nil {
			return storage.Ticket{}, false, err
		}
		return ticket, true, nil
	}

	if n.isLeaf() {
		return storage.Ticket{}, false, nil
	}

	ticket, ok, err := s.deleteFrom(n.childAt(idx), key)
	if err != nil || !ok {
		return ticket, ok, err
	}
	if err := s.fixChild(n, idx); err != nil {
		return storage.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *session) deleteFrom(pid uint32, key bson.Value) (storage.Ticket, bool, error) {
	n, err := s.get(pid)
	if err != nil {
		return storage.Ticket{}, false, err
	}
	return s.delete(n, key)
}

// maxOf walks the rightmost path from pid down to a leaf, returning the
// leaf node and the index of its last entry (the subtree's maximum key).
func (s *session) maxOf(pid uint32) (*node, int, error) {
	n, err := s.get(pid)
	if err != nil {
		return nil, 0, err
	}
	for !n.isLeaf() {
		n, err = s.get(n.childAt(len(n.entries)))
		if err != nil {
			return nil, 0, err
		}
	}
	return n, len(n.entries) - 1, nil
}

// fixChild rebalances parent.childAt(i) if it has underflowed below
// minEntries, by borrowing from a sibling or merging with one.
func (s *session) fixChild(parent *node, i int) error {
	child, err := s.get(parent.childAt(i))
	if err != nil {
		return err
	}
	min := s.bt.minEntries()
	if len(child.entries) >= min {
		return nil
	}

	if i > 0 {
		leftSib, err := s.get(parent.childAt(i - 1))
		if err != nil {
			return err
		}
		if len(leftSib.entries) > min {
			s.borrowFromLeft(parent, i, leftSib, child)
			return nil
		}
	}
	if i < len(parent.entries) {
		rightSib, err := s.get(parent.childAt(i + 1))
		if err != nil {
			return err
		}
		if len(rightSib.entries) > min {
			s.borrowFromRight(parent, i, child, rightSib)
			return nil
		}
	}

	if i > 0 {
		leftSib, err := s.get(parent.childAt(i - 1))
		if err != nil {
			return err
		}
		s.mergeChildren(parent, i-1, leftSib, child)
		return nil
	}
	rightSib, err := s.get(parent.childAt(i + 1))
	if err != nil {
		return err
	}
	s.mergeChildren(parent, i, child, rightSib)
	return nil
}

// borrowFromLeft rotates: parent.entries[i-1] moves down into child as its
// new first entry, leftSib's last entry moves up into parent.
func (s *session) borrowFromLeft(parent *node, i int, leftSib, child *node) {
	sep := parent.entries[i-1]
	moved := leftSib.entries[len(leftSib.entries)-1]
	leftSib.entries = leftSib.entries[:len(leftSib.entries)-1]

	newFirst := entry{Key: sep.Key, Ticket: sep.Ticket, RightChild: child.firstChild}
	child.entries = append([]entry{newFirst}, child.entries...)
	child.firstChild = moved.RightChild

	parent.entries[i-1] = entry{Key: moved.Key, Ticket: moved.Ticket, RightChild: parent.entries[i-1].RightChild}

	s.put(parent)
	s.put(leftSib)
	s.put(child)
}

// borrowFromRight rotates: parent.entries[i] moves down into child as its
// new last entry, rightSib's first entry moves up into parent.
func (s *session) borrowFromRight(parent *node, i int, child, rightSib *node) {
	sep := parent.entries[i]
	moved := rightSib.entries[0]
	rightSib.entries = rightSib.entries[1:]

	child.entries = append(child.entries, entry{Key: sep.Key, Ticket: sep.Ticket, RightChild: rightSib.firstChild})
	rightSib.firstChild = moved.RightChild

	parent.entries[i] = entry{Key: moved.Key, Ticket: moved.Ticket, RightChild: parent.entries[i].RightChild}

	s.put(parent)
	s.put(rightSib)
	s.put(child)
}

// Walk visits every (key, ticket) pair in ascending key order.
func (bt *BTree) Walk(fn func(key bson.Value, ticket storage.Ticket) error) error {
	s := newSession(bt)
	return s.walk(bt.RootPID, fn)
}

func (s *session) walk(pid uint32, fn func(bson.Value, storage.Ticket) error) error {
	n, err := s.get(pid)
	if err != nil {
		return err
	}
	for i, e := range n.entries {
		if !n.isLeaf() {
			if err := s.walk(n.childAt(i), fn); err != nil {
				return err
			}
		}
		if err := fn(e.Key, e.Ticket); err != nil {
			return err
		}
	}
	if !n.isLeaf() {
		if err := s.walk(n.childAt(len(n.entries)), fn); err != nil {
			return err
		}
	}
	return nil
}

// Pages returns every page id belonging to the tree, for bulk reclamation
// when a collection or index is dropped.
func (bt *BTree) Pages() ([]uint32, error) {
	s := newSession(bt)
	var out []uint32
	var walk func(pid uint32) error
	walk = func(pid uint32) error {
		n, err := s.get(pid)
		if err != nil {
			return err
		}
		out = append(out, pid)
		if !n.isLeaf() {
			for i := range n.entries {
				if err := walk(n.childAt(i)); err != nil {
					return err
				}
			}
			if err := walk(n.childAt(len(n.entries))); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(bt.RootPID); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeChildren merges parent.childAt(mergeIdx+1) (right) into
// parent.childAt(mergeIdx) (left), pulling down parent.entries[mergeIdx] as
// the separator, and removes it from parent.
func (s *session) mergeChildren(parent *node, mergeIdx int, left, right *node) {
	sep := parent.entries[mergeIdx]
	merged := append(left.entries, entry{Key: sep.Key, Ticket: sep.Ticket, RightChild: right.firstChild})
	merged = append(merged, right.entries...)
	left.entries = merged

	parent.entries = append(parent.entries[:mergeIdx], parent.entries[mergeIdx+1:]...)
	parent.setChildAt(mergeIdx, left.pid)

	s.put(parent)
	s.put(left)
	s.free(right.pid)
}
