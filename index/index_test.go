package index

import (
	"testing"

	"github.com/polodb/polodb-go/bson"
	"github.com/polodb/polodb-go/storage"
)

func tempBackend(t *testing.T) (*storage.Backend, *storage.Allocator) {
	t.Helper()
	b, err := storage.OpenMemory(storage.PageSize)
	if err != nil {
		t.Fatalf("open memory backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := b.StartTransaction(storage.TxWrite); err != nil {
		t.Fatalf("start tx: %v", err)
	}
	alloc, err := storage.NewAllocator(b)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	return b, alloc
}

func TestBTreeInsertLookup(t *testing.T) {
	b, alloc := tempBackend(t)
	bt, err := New(b, alloc)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	for i := int64(0); i < 500; i++ {
		if _, _, err := bt.Insert(bson.Int(i), storage.Ticket{PageID: uint32(i + 1), Slot: 0}, false); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	for i := int64(0); i < 500; i++ {
		ticket, found, err := bt.Lookup(bson.Int(i))
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if !found || ticket.PageID != uint32(i+1) {
			t.Fatalf("lookup %d: expected found with pid %d, got found=%v pid=%d", i, i+1, found, ticket.PageID)
		}
	}

	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestBTreeInsertDuplicateRejected(t *testing.T) {
	b, alloc := tempBackend(t)
	bt, err := New(b, alloc)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	if _, _, err := bt.Insert(bson.String("a"), storage.Ticket{PageID: 1}, false); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, err := bt.Insert(bson.String("a"), storage.Ticket{PageID: 2}, false); err == nil {
		t.Fatal("expected DataExist error on duplicate insert")
	}
	old, hadOld, err := bt.Insert(bson.String("a"), storage.Ticket{PageID: 2}, true)
	if err != nil {
		t.Fatalf("replace insert: %v", err)
	}
	if !hadOld || old.PageID != 1 {
		t.Fatalf("expected old ticket pid 1, got hadOld=%v pid=%d", hadOld, old.PageID)
	}
}

func TestBTreeDeleteRebalances(t *testing.T) {
	b, alloc := tempBackend(t)
	bt, err := New(b, alloc)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	const n = 400
	for i := int64(0); i < n; i++ {
		if _, _, err := bt.Insert(bson.Int(i), storage.Ticket{PageID: uint32(i + 1)}, false); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := int64(0); i < n; i += 2 {
		if _, found, err := bt.Delete(bson.Int(i)); err != nil || !found {
			t.Fatalf("delete %d: found=%v err=%v", i, found, err)
		}
	}
	for i := int64(0); i < n; i++ {
		_, found, err := bt.Lookup(bson.Int(i))
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		wantFound := i%2 != 0
		if found != wantFound {
			t.Fatalf("lookup %d: found=%v, want %v", i, found, wantFound)
		}
	}
}

func TestBTreeWalkOrdered(t *testing.T) {
	b, alloc := tempBackend(t)
	bt, err := New(b, alloc)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	values := []int64{50, 10, 30, 90, 20, 70, 40, 60, 80}
	for _, v := range values {
		if _, _, err := bt.Insert(bson.Int(v), storage.Ticket{PageID: uint32(v)}, false); err != nil {
			t.Fatalf("insert %d: %v", v, err)
		}
	}
	var seen []int64
	if err := bt.Walk(func(k bson.Value, _ storage.Ticket) error {
		seen = append(seen, k.AsInt())
		return nil
	}); err != nil {
		t.Fatalf("walk: %v", err)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Fatalf("walk not in ascending order: %v", seen)
		}
	}
	if len(seen) != len(values) {
		t.Fatalf("expected %d entries, got %d", len(values), len(seen))
	}
}

func TestCatalogCreateAndLoadCollection(t *testing.T) {
	b, alloc := tempBackend(t)
	cat, err := OpenCatalog(b, alloc)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	if _, err := cat.CreateCollection("jobs", bson.TypeObjectId); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if _, err := cat.CreateCollection("jobs", bson.TypeObjectId); err == nil {
		t.Fatal("expected error creating duplicate collection")
	}

	meta, err := cat.LoadCollection("jobs")
	if err != nil {
		t.Fatalf("load collection: %v", err)
	}
	if meta.Name != "jobs" || meta.PKType != bson.TypeObjectId {
		t.Fatalf("unexpected meta: %+v", meta)
	}

	names, err := cat.ListCollectionNames()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "jobs" {
		t.Fatalf("expected [jobs], got %v", names)
	}
}

func TestCatalogCreateIndexAndDrop(t *testing.T) {
	b, alloc := tempBackend(t)
	cat, err := OpenCatalog(b, alloc)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	meta, err := cat.CreateCollection("jobs", bson.TypeInt)
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	pk := Open(b, alloc, meta.RootPID)
	for i := int64(0); i < 10; i++ {
		payload, _ := encodeJobDoc(i, i%3)
		ticket, _, err := alloc.InsertData(0, payload)
		if err != nil {
			t.Fatalf("insert data: %v", err)
		}
		if _, _, err := pk.Insert(bson.Int(i), ticket, false); err != nil {
			t.Fatalf("pk insert: %v", err)
		}
	}
	meta.RootPID = pk.RootPID
	if err := cat.SaveCollection(meta); err != nil {
		t.Fatalf("save collection: %v", err)
	}

	if err := cat.CreateIndex("jobs", "type", false, false); err != nil {
		t.Fatalf("create index: %v", err)
	}
	meta2, err := cat.LoadCollection("jobs")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, exists := meta2.Indexes["type"]; !exists {
		t.Fatal("expected index on type to exist")
	}

	if err := cat.DropIndex("jobs", "type"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	meta3, err := cat.LoadCollection("jobs")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, exists := meta3.Indexes["type"]; exists {
		t.Fatal("expected index on type to be gone")
	}

	if err := cat.DropCollection("jobs"); err != nil {
		t.Fatalf("drop collection: %v", err)
	}
	if _, err := cat.LoadCollection("jobs"); err == nil {
		t.Fatal("expected CollectionNotFound after drop")
	}
}

func encodeJobDoc(id, typ int64) ([]byte, error) {
	d := bson.NewDocument()
	d.Set("_id", bson.Int(id))
	d.Set("type", bson.Int(typ))
	return d.Encode()
}
