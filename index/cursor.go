package index

import (
	"github.com/polodb/polodb-go/bson"
	"github.com/polodb/polodb-go/dberr"
	"github.com/polodb/polodb-go/storage"
)

// cursorFrame is one (node, slot) step of a cursor's path from the root
// down to its current entry (§4.9). path[len-1] always names the node and
// slot the cursor is currently positioned on; ancestors above it record
// which child of each they descended through to get there.
type cursorFrame struct {
	pid  uint32
	slot int
}

// Cursor walks a BTree's entries in ascending key order via an explicit
// path stack (§4.9). A cursor is single-use per session: it caches the
// nodes it visits so repositioning doesn't re-read pages already on the
// path.
type Cursor struct {
	bt   *BTree
	s    *session
	path []cursorFrame
	done bool
}

// NewCursor opens a cursor positioned before the first entry of bt.
func NewCursor(bt *BTree) *Cursor {
	return &Cursor{bt: bt, s: newSession(bt)}
}

// Rewind repositions the cursor before the first entry.
func (c *Cursor) Rewind() {
	c.path = nil
	c.done = false
}

// leftmostPath descends from pid via firstChild at every level, pushing a
// frame at slot 0 for every node visited (the in-order-first entry of an
// internal node is always its entry 0, once its leftmost subtree is
// exhausted; for a leaf, entry 0 is simply its first entry).
func (c *Cursor) leftmostPath(pid uint32) error {
	for {
		n, err := c.s.get(pid)
		if err != nil {
			return err
		}
		c.path = append(c.path, cursorFrame{pid: pid, slot: 0})
		if n.isLeaf() {
			if len(n.entries) == 0 {
				return nil
			}
			return nil
		}
		pid = n.childAt(0)
	}
}

// Seek positions the cursor at the first entry >= key (§4.9), returning
// whether an exact match sits there.
func (c *Cursor) Seek(key bson.Value) (bool, error) {
	c.path = nil
	c.done = false
	pid := c.bt.RootPID
	for {
		n, err := c.s.get(pid)
		if err != nil {
			return false, err
		}
		idx, found := n.search(key)
		if found {
			c.path = append(c.path, cursorFrame{pid: pid, slot: idx})
			return true, nil
		}
		if n.isLeaf() {
			if idx < len(n.entries) {
				c.path = append(c.path, cursorFrame{pid: pid, slot: idx})
				return false, nil
			}
			// Past this leaf's last entry: the successor is the entry of the
			// nearest ancestor whose descent slot still names an entry.
			for len(c.path) > 0 {
				top := c.path[len(c.path)-1]
				an, err := c.s.get(top.pid)
				if err != nil {
					return false, err
				}
				if top.slot < len(an.entries) {
					return false, nil
				}
				c.path = c.path[:len(c.path)-1]
			}
			c.done = true
			return false, nil
		}
		c.path = append(c.path, cursorFrame{pid: pid, slot: idx})
		pid = n.childAt(idx)
	}
}

// Next advances to the next entry in ascending order, returning false once
// the traversal is exhausted (§4.9).
func (c *Cursor) Next() (bool, error) {
	if len(c.path) == 0 && !c.done {
		if err := c.leftmostPath(c.bt.RootPID); err != nil {
			return false, err
		}
		n, err := c.s.get(c.path[len(c.path)-1].pid)
		if err != nil {
			return false, err
		}
		if len(n.entries) == 0 {
			c.done = true
			c.path = nil
			return false, nil
		}
		return true, nil
	}
	if c.done {
		return false, nil
	}

	key, _, err := c.Current()
	if err != nil {
		return false, err
	}
	return c.seekStrictlyAfter(key)
}

// seekStrictlyAfter repositions the cursor at the smallest key strictly
// greater than key, by walking down from the root. Re-walking keeps the
// cursor correct even if a concurrent-in-the-same-transaction Insert/Delete
// changed the tree shape since the last position.
func (c *Cursor) seekStrictlyAfter(key bson.Value) (bool, error) {
	c.path = nil
	pid := c.bt.RootPID
	var best []cursorFrame

	for {
		n, err := c.s.get(pid)
		if err != nil {
			return false, err
		}
		idx, found := n.search(key)
		upper := idx
		if found {
			upper = idx + 1
		}
		if upper < len(n.entries) {
			frame := append(append([]cursorFrame{}, c.path...), cursorFrame{pid: pid, slot: upper})
			best = frame
		}
		if n.isLeaf() {
			break
		}
		c.path = append(c.path, cursorFrame{pid: pid, slot: upper})
		pid = n.childAt(upper)
	}

	if best == nil {
		c.done = true
		c.path = nil
		return false, nil
	}
	c.path = best
	c.done = false
	return true, nil
}

// Current returns the (key, ticket) the cursor is positioned on.
func (c *Cursor) Current() (bson.Value, storage.Ticket, error) {
	if len(c.path) == 0 || c.done {
		return bson.Value{}, storage.Ticket{}, dberr.New(dberr.IO, "cursor is not positioned on an entry")
	}
	top := c.path[len(c.path)-1]
	n, err := c.s.get(top.pid)
	if err != nil {
		return bson.Value{}, storage.Ticket{}, err
	}
	if top.slot >= len(n.entries) {
		return bson.Value{}, storage.Ticket{}, dberr.New(dberr.IO, "cursor is not positioned on an entry")
	}
	e := n.entries[top.slot]
	return e.Key, e.Ticket, nil
}

// UpdateCurrent replaces the ticket of the entry the cursor is positioned
// on, flushing the owning node immediately (§4.9).
func (c *Cursor) UpdateCurrent(ticket storage.Ticket) error {
	if len(c.path) == 0 || c.done {
		return dberr.New(dberr.IO, "cursor is not positioned on an entry")
	}
	top := c.path[len(c.path)-1]
	n, err := c.s.get(top.pid)
	if err != nil {
		return err
	}
	if top.slot >= len(n.entries) {
		return dberr.New(dberr.IO, "cursor is not positioned on an entry")
	}
	n.entries[top.slot].Ticket = ticket
	c.s.put(n)
	return c.s.flush()
}
