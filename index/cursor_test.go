package index

import (
	"testing"

	"github.com/polodb/polodb-go/bson"
	"github.com/polodb/polodb-go/storage"
)

func TestCursorNextWalksInAscendingOrder(t *testing.T) {
	b, alloc := tempBackend(t)
	bt, err := New(b, alloc)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	for _, i := range []int64{5, 1, 4, 2, 3} {
		if _, _, err := bt.Insert(bson.Int(i), storage.Ticket{PageID: uint32(i)}, false); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	cur := NewCursor(bt)
	var got []int64
	for {
		ok, err := cur.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		key, ticket, err := cur.Current()
		if err != nil {
			t.Fatalf("current: %v", err)
		}
		if ticket.PageID != uint32(key.AsInt()) {
			t.Fatalf("ticket/key mismatch: key=%d ticket=%+v", key.AsInt(), ticket)
		}
		got = append(got, key.AsInt())
	}
	want := []int64{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestCursorNextOnEmptyTreeIsImmediatelyExhausted(t *testing.T) {
	b, alloc := tempBackend(t)
	bt, err := New(b, alloc)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	cur := NewCursor(bt)
	ok, err := cur.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Fatal("expected an empty tree to have no entries")
	}
}

func TestCursorSeekExactAndInexact(t *testing.T) {
	b, alloc := tempBackend(t)
	bt, err := New(b, alloc)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	for _, i := range []int64{10, 20, 30} {
		if _, _, err := bt.Insert(bson.Int(i), storage.Ticket{PageID: uint32(i)}, false); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	cur := NewCursor(bt)
	found, err := cur.Seek(bson.Int(20))
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if !found {
		t.Fatal("expected an exact match at 20")
	}
	key, _, err := cur.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if key.AsInt() != 20 {
		t.Fatalf("expected positioned at 20, got %d", key.AsInt())
	}

	// Seeking a key between two entries should land at the first entry >=
	// key, not report an exact match.
	found, err = cur.Seek(bson.Int(15))
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if found {
		t.Fatal("expected no exact match seeking 15")
	}
}

func TestCursorSeekStrictlyAfterViaNext(t *testing.T) {
	b, alloc := tempBackend(t)
	bt, err := New(b, alloc)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	for _, i := range []int64{1, 2, 3} {
		if _, _, err := bt.Insert(bson.Int(i), storage.Ticket{PageID: uint32(i)}, false); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	cur := NewCursor(bt)
	if _, err := cur.Seek(bson.Int(1)); err != nil {
		t.Fatalf("seek: %v", err)
	}
	ok, err := cur.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !ok {
		t.Fatal("expected a successor after 1")
	}
	key, _, err := cur.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if key.AsInt() != 2 {
		t.Fatalf("expected 2 after 1, got %d", key.AsInt())
	}

	ok, err = cur.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !ok || func() int64 { k, _, _ := cur.Current(); return k.AsInt() }() != 3 {
		t.Fatal("expected 3 after 2")
	}

	ok, err = cur.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Fatal("expected exhaustion past the last entry")
	}
}

func TestCursorUpdateCurrentReplacesTicket(t *testing.T) {
	b, alloc := tempBackend(t)
	bt, err := New(b, alloc)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	if _, _, err := bt.Insert(bson.Int(1), storage.Ticket{PageID: 100}, false); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cur := NewCursor(bt)
	found, err := cur.Seek(bson.Int(1))
	if err != nil || !found {
		t.Fatalf("seek: found=%v err=%v", found, err)
	}
	if err := cur.UpdateCurrent(storage.Ticket{PageID: 200}); err != nil {
		t.Fatalf("update current: %v", err)
	}

	_, ticket, err := cur.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if ticket.PageID != 200 {
		t.Fatalf("expected ticket updated to 200, got %+v", ticket)
	}

	// A fresh lookup through the tree itself must also see the update.
	looked, found, err := bt.Lookup(bson.Int(1))
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if looked.PageID != 200 {
		t.Fatalf("expected tree lookup to see updated ticket, got %+v", looked)
	}
}

func TestCursorCurrentErrorsWhenNotPositioned(t *testing.T) {
	b, alloc := tempBackend(t)
	bt, err := New(b, alloc)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	cur := NewCursor(bt)
	if _, _, err := cur.Current(); err == nil {
		t.Fatal("expected an error reading Current before any Seek/Next")
	}
	if err := cur.UpdateCurrent(storage.Ticket{PageID: 1}); err == nil {
		t.Fatal("expected an error updating before the cursor is positioned")
	}
}
