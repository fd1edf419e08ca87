// Package vm defines the narrow surface a query/update execution engine
// needs from the storage layer (§4.11). The storage, index and api packages
// do not import this package; it depends on them, not the other way round.
// Compiling queries or updates into bytecode, and the wire-level BSON
// encoding used to talk to such a compiler, are both out of scope (§1) —
// Machine below is a minimal demonstrative interpreter over the DbOp set
// of the original implementation, not a full query compiler.
package vm

import (
	"github.com/polodb/polodb-go/bson"
	"github.com/polodb/polodb-go/storage"
)

// CursorHandle is everything a VM needs to drive one index's cursor: open,
// rewind, step, read, and mutate the row it is positioned on (§4.11).
type CursorHandle interface {
	Rewind()
	Seek(key bson.Value) (bool, error)
	Next() (bool, error)
	// CurrentDocument dereferences the cursor's ticket through the
	// allocator and decodes it into a Document.
	CurrentDocument() (*bson.Document, error)
	// UpdateCurrentDocument re-encodes doc, frees the old data record, and
	// points the cursor's entry at the new one.
	UpdateCurrentDocument(doc *bson.Document) error
}

// FieldAccess is the subset of Document/Value operations a VM needs to
// evaluate predicates and projections without depending on bson directly
// (§4.11): field get, value compare, value equal.
type FieldAccess interface {
	GetField(doc *bson.Document, name string) (bson.Value, bool)
	Compare(a, b bson.Value) (int, error)
	Equal(a, b bson.Value) bool
}

// Engine is the collaborator a VM opcode interpreter is built against: it
// can open cursors over named indexes and evaluate field/value operations.
// api.Database does not implement it; an implementation wraps index cursors
// with NewCursorHandle (§4.11).
type Engine interface {
	FieldAccess
	OpenCursor(collection string, field string) (CursorHandle, error)
}

// documentCursor adapts an index.Cursor (kept untyped here, as a method-set
// interface, so this package does not import index) plus an Allocator into
// a CursorHandle.
type documentCursor struct {
	cursor interface {
		Rewind()
		Seek(key bson.Value) (bool, error)
		Next() (bool, error)
		Current() (bson.Value, storage.Ticket, error)
		UpdateCurrent(storage.Ticket) error
	}
	alloc interface {
		ReadData(storage.Ticket) ([]byte, error)
		InsertData(uint32, []byte) (storage.Ticket, uint32, error)
		FreeTicket(storage.Ticket) error
	}
}

// NewCursorHandle wraps a cursor+allocator pair satisfying the narrow
// shapes above into a CursorHandle, without requiring the index/storage
// packages to know about vm.
func NewCursorHandle(
	cursor interface {
		Rewind()
		Seek(key bson.Value) (bool, error)
		Next() (bool, error)
		Current() (bson.Value, storage.Ticket, error)
		UpdateCurrent(storage.Ticket) error
	},
	alloc interface {
		ReadData(storage.Ticket) ([]byte, error)
		InsertData(uint32, []byte) (storage.Ticket, uint32, error)
		FreeTicket(storage.Ticket) error
	},
) CursorHandle {
	return &documentCursor{cursor: cursor, alloc: alloc}
}

func (d *documentCursor) Rewind() { d.cursor.Rewind() }

func (d *documentCursor) Seek(key bson.Value) (bool, error) { return d.cursor.Seek(key) }

func (d *documentCursor) Next() (bool, error) { return d.cursor.Next() }

func (d *documentCursor) CurrentDocument() (*bson.Document, error) {
	_, ticket, err := d.cursor.Current()
	if err != nil {
		return nil, err
	}
	payload, err := d.alloc.ReadData(ticket)
	if err != nil {
		return nil, err
	}
	return bson.Decode(payload)
}

func (d *documentCursor) UpdateCurrentDocument(doc *bson.Document) error {
	_, oldTicket, err := d.cursor.Current()
	if err != nil {
		return err
	}
	payload, err := doc.Encode()
	if err != nil {
		return err
	}
	newTicket, _, err := d.alloc.InsertData(0, payload)
	if err != nil {
		return err
	}
	if err := d.cursor.UpdateCurrent(newTicket); err != nil {
		return err
	}
	return d.alloc.FreeTicket(oldTicket)
}
