package api

import (
	"os"
	"testing"

	"github.com/polodb/polodb-go/bson"
	"github.com/polodb/polodb-go/dberr"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "polodb_test_*.db")
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

func jobDoc(typ string, retry int64) *bson.Document {
	d := bson.NewDocument()
	d.Set("type", bson.String(typ))
	d.Set("retry", bson.Int(retry))
	return d
}

func TestCreateCollectionAndList(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.CreateCollection("jobs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if err := db.CreateCollection("jobs"); err == nil {
		t.Fatal("expected error creating duplicate collection")
	}

	names, err := db.ListCollectionNames()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "jobs" {
		t.Fatalf("expected [jobs], got %v", names)
	}
}

func TestInsertAssignsObjectId(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.CreateCollection("jobs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}

	doc := jobDoc("oracle", 5)
	inserted, err := db.Insert("jobs", doc)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	pk, ok := inserted.PrimaryKey()
	if !ok || pk.Type() != bson.TypeObjectId {
		t.Fatalf("expected an assigned ObjectId _id, got %+v", pk)
	}

	count, err := db.CountDocuments("jobs")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 document, got %d", count)
	}
}

func TestInsertRejectsDuplicatePK(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.CreateCollection("jobs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}

	id := bson.ObjectIdValue(db.oid.Next())
	first := jobDoc("oracle", 5)
	first.Set("_id", id)
	if _, err := db.Insert("jobs", first); err != nil {
		t.Fatalf("insert 1: %v", err)
	}

	second := jobDoc("mysql", 1)
	second.Set("_id", id)
	if _, err := db.Insert("jobs", second); err == nil {
		t.Fatal("expected DataExist error on duplicate _id")
	}
}

func TestInsertRejectsMismatchedPKType(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.CreateCollection("jobs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}

	first := jobDoc("oracle", 5)
	first.Set("_id", bson.String("oracle-1"))
	if _, err := db.Insert("jobs", first); err != nil {
		t.Fatalf("insert 1: %v", err)
	}

	second := jobDoc("mysql", 1)
	second.Set("_id", bson.Int(10))
	_, err = db.Insert("jobs", second)
	if err == nil {
		t.Fatal("expected TypeMismatch inserting an Int _id into a String-keyed collection")
	}
	if !dberr.Is(err, dberr.TypeMismatch) {
		t.Fatalf("expected TypeMismatch, got %v", err)
	}
}

func TestFindAllAndDelete(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.CreateCollection("jobs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}

	var ids []bson.Value
	for i := int64(0); i < 5; i++ {
		inserted, err := db.Insert("jobs", jobDoc("oracle", i))
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		pk, _ := inserted.PrimaryKey()
		ids = append(ids, pk)
	}

	all, err := db.FindAll("jobs")
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 documents, got %d", len(all))
	}

	removed, err := db.Delete("jobs", ids[0])
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed == nil {
		t.Fatal("expected a removed document")
	}

	count, err := db.CountDocuments("jobs")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 documents after delete, got %d", count)
	}

	missing, err := db.Delete("jobs", ids[0])
	if err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil deleting an already-removed key")
	}
}

func TestFindByUniqueIndex(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.CreateCollection("jobs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if _, err := db.Insert("jobs", jobDoc("oracle", 5)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.Insert("jobs", jobDoc("mysql", 2)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := db.CreateIndex("jobs", "type", IndexOptions{Unique: true}); err != nil {
		t.Fatalf("create index: %v", err)
	}

	filter := bson.NewDocument()
	filter.Set("type", bson.String("oracle"))
	matches, err := db.Find("jobs", filter)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	retry, _ := matches[0].Get("retry")
	if retry.AsInt() != 5 {
		t.Fatalf("unexpected match: %+v", matches[0])
	}
}

func TestFindByNonUniqueIndexMultipleMatches(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.CreateCollection("jobs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if err := db.CreateIndex("jobs", "type", IndexOptions{}); err != nil {
		t.Fatalf("create index: %v", err)
	}
	for i := int64(0); i < 3; i++ {
		if _, err := db.Insert("jobs", jobDoc("oracle", i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if _, err := db.Insert("jobs", jobDoc("mysql", 9)); err != nil {
		t.Fatalf("insert mysql: %v", err)
	}

	filter := bson.NewDocument()
	filter.Set("type", bson.String("oracle"))
	matches, err := db.Find("jobs", filter)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
}

func TestUpdateModifiesMatchingDocuments(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.CreateCollection("jobs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	for i := int64(0); i < 3; i++ {
		if _, err := db.Insert("jobs", jobDoc("oracle", i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	filter := bson.NewDocument()
	filter.Set("type", bson.String("oracle"))
	update := bson.NewDocument()
	update.Set("retry", bson.Int(99))

	n, err := db.Update("jobs", filter, update)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 updated, got %d", n)
	}

	all, err := db.FindAll("jobs")
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	for _, doc := range all {
		retry, _ := doc.Get("retry")
		if retry.AsInt() != 99 {
			t.Fatalf("expected retry=99, got %+v", doc)
		}
	}
}

func TestUpdateRekeysSecondaryIndex(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.CreateCollection("jobs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if err := db.CreateIndex("jobs", "type", IndexOptions{}); err != nil {
		t.Fatalf("create index: %v", err)
	}
	inserted, err := db.Insert("jobs", jobDoc("oracle", 5))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	pk, _ := inserted.PrimaryKey()

	filter := bson.NewDocument()
	filter.Set("_id", pk)
	update := bson.NewDocument()
	update.Set("type", bson.String("mysql"))
	if n, err := db.Update("jobs", filter, update); err != nil || n != 1 {
		t.Fatalf("update: n=%d err=%v", n, err)
	}

	oracleFilter := bson.NewDocument()
	oracleFilter.Set("type", bson.String("oracle"))
	stale, err := db.Find("jobs", oracleFilter)
	if err != nil {
		t.Fatalf("find oracle: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected the old index entry to be gone, got %d matches", len(stale))
	}

	mysqlFilter := bson.NewDocument()
	mysqlFilter.Set("type", bson.String("mysql"))
	fresh, err := db.Find("jobs", mysqlFilter)
	if err != nil {
		t.Fatalf("find mysql: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("expected the new index entry to resolve, got %d matches", len(fresh))
	}
}

func TestExplicitTransactionRollback(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.CreateCollection("jobs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}

	if err := db.StartTransaction(); err != nil {
		t.Fatalf("start tx: %v", err)
	}
	if _, err := db.Insert("jobs", jobDoc("oracle", 5)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	count, err := db.CountDocuments("jobs")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 documents after rollback, got %d", count)
	}
}

func TestOpenAndReopenPersistsData(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.CreateCollection("jobs"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if _, err := db.Insert("jobs", jobDoc("oracle", 5)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.CountDocuments("jobs")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 document after reopen, got %d", count)
	}
}

func TestGetVersion(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if db.GetVersion() == "" {
		t.Fatal("expected a non-empty version string")
	}
}
