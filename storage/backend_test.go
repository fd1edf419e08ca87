package storage

import (
	"os"
	"testing"
)

func tempBackendPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "polodb_storage_test_*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + ".journal")
	})
	return path
}

func TestBackendCommitPersistsAcrossReopen(t *testing.T) {
	path := tempBackendPath(t)

	b, err := Open(path, PageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.StartTransaction(TxWrite); err != nil {
		t.Fatalf("start tx: %v", err)
	}
	p := New(1, PageSize)
	p.SetType(PageTypeDataPage)
	p.PutU32(64, 0x1234ABCD)
	if err := b.WritePage(p); err != nil {
		t.Fatalf("write page: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, PageSize)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.ReadPage(1)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if got.GetU32(64) != 0x1234ABCD {
		t.Fatalf("expected persisted write, got %x", got.GetU32(64))
	}
}

func TestBackendRollbackDiscardsWrite(t *testing.T) {
	path := tempBackendPath(t)
	b, err := Open(path, PageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	if err := b.StartTransaction(TxWrite); err != nil {
		t.Fatalf("start tx: %v", err)
	}
	p := New(2, PageSize)
	p.SetType(PageTypeDataPage)
	p.PutU32(64, 0xDEADBEEF)
	if err := b.WritePage(p); err != nil {
		t.Fatalf("write page: %v", err)
	}
	if err := b.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if err := b.StartTransaction(TxRead); err != nil {
		t.Fatalf("start read tx: %v", err)
	}
	defer b.EndRead()
	got, err := b.ReadPage(2)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if got.GetU32(64) == 0xDEADBEEF {
		t.Fatal("expected rolled-back write to be discarded")
	}
}

func TestBackendWritePageOutsideTransactionFails(t *testing.T) {
	path := tempBackendPath(t)
	b, err := Open(path, PageSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	p := New(3, PageSize)
	if err := b.WritePage(p); err == nil {
		t.Fatal("expected error writing a page with no active transaction")
	}
}

func TestOpenMemoryReadsBackCommittedWrite(t *testing.T) {
	b, err := OpenMemory(PageSize)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer b.Close()

	if err := b.StartTransaction(TxWrite); err != nil {
		t.Fatalf("start tx: %v", err)
	}
	p := New(1, PageSize)
	p.PutU32(64, 0x42)
	if err := b.WritePage(p); err != nil {
		t.Fatalf("write page: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := b.ReadPage(1)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if got.GetU32(64) != 0x42 {
		t.Fatalf("expected readback of in-memory write, got %x", got.GetU32(64))
	}
}
