// Package api is the public entry point of the engine: it wires the
// backend, allocator and catalog together behind the document-oriented
// surface described in §6 (open/create_collection/insert/find/...). Query
// and update compilation into VM bytecode is out of scope (§1) — callers
// pass equality filters and field updates directly as documents.
package api

import (
	"github.com/sirupsen/logrus"

	"github.com/polodb/polodb-go/bson"
	"github.com/polodb/polodb-go/dberr"
	"github.com/polodb/polodb-go/index"
	"github.com/polodb/polodb-go/storage"
)

// Version is reported by GetVersion.
const Version = "0.1.0"

// Database is one open handle onto a PoloDB-style file: one backend, one
// allocator, one catalog (§6). Every exported operation auto-brackets its
// own read or write transaction unless explicit mode has been entered via
// StartTransaction (§4.10).
type Database struct {
	backend    *storage.Backend
	alloc      *storage.Allocator
	catalog    *index.Catalog
	oid        *bson.Generator
	explicitTx bool
	log        *logrus.Entry
}

// Open opens or creates a database file at path (§6).
func Open(path string) (*Database, error) {
	backend, err := storage.Open(path, storage.PageSize)
	if err != nil {
		return nil, err
	}
	return newDatabase(backend)
}

// OpenMemory opens a journal-less, volatile in-memory database (§6).
func OpenMemory() (*Database, error) {
	backend, err := storage.OpenMemory(storage.PageSize)
	if err != nil {
		return nil, err
	}
	return newDatabase(backend)
}

func newDatabase(backend *storage.Backend) (*Database, error) {
	if err := backend.StartTransaction(storage.TxWrite); err != nil {
		return nil, err
	}
	alloc, err := storage.NewAllocator(backend)
	if err != nil {
		backend.Rollback()
		return nil, err
	}
	catalog, err := index.OpenCatalog(backend, alloc)
	if err != nil {
		backend.Rollback()
		return nil, err
	}
	if err := backend.Commit(); err != nil {
		return nil, err
	}
	return &Database{
		backend: backend,
		alloc:   alloc,
		catalog: catalog,
		oid:     bson.NewGenerator(),
		log:     logrus.WithField("component", "api"),
	}, nil
}

// Close flushes and releases the database's resources.
func (db *Database) Close() error {
	return db.backend.Close()
}

// GetVersion reports the engine's version string (§6).
func (db *Database) GetVersion() string { return Version }

// ---------- Explicit transaction mode (§4.10) ----------

// StartTransaction disables auto-bracketing: the caller is now responsible
// for Commit or Rollback around every following call until one of those
// returns.
func (db *Database) StartTransaction() error {
	if err := db.backend.StartTransaction(storage.TxWrite); err != nil {
		return err
	}
	db.explicitTx = true
	return nil
}

// Commit ends an explicit transaction, making its writes durable.
func (db *Database) Commit() error {
	db.explicitTx = false
	return db.backend.Commit()
}

// Rollback ends an explicit transaction, discarding its writes.
func (db *Database) Rollback() error {
	db.explicitTx = false
	return db.backend.Rollback()
}

// withWrite runs fn inside a write transaction, auto-bracketing it unless
// explicit mode is active (§4.10).
func (db *Database) withWrite(fn func() error) error {
	if db.explicitTx {
		return fn()
	}
	if err := db.backend.StartTransaction(storage.TxWrite); err != nil {
		return err
	}
	if err := fn(); err != nil {
		db.backend.Rollback()
		return err
	}
	return db.backend.Commit()
}

// withRead runs fn inside a read transaction, auto-bracketing it unless
// explicit mode is active.
func (db *Database) withRead(fn func() error) error {
	if db.explicitTx {
		return fn()
	}
	if err := db.backend.StartTransaction(storage.TxRead); err != nil {
		return err
	}
	if err := fn(); err != nil {
		db.backend.EndRead()
		return err
	}
	return db.backend.EndRead()
}

// ---------- Collections (§6, §4.8) ----------

// CreateCollection registers a new, empty collection (§6). The primary-key
// type is not fixed here: §4.8 chooses it from whatever the first inserted
// document's _id turns out to be.
func (db *Database) CreateCollection(name string) error {
	return db.withWrite(func() error {
		_, err := db.catalog.CreateCollection(name, index.PKTypeUnset)
		return err
	})
}

// ListCollectionNames returns every registered collection name (§6).
func (db *Database) ListCollectionNames() ([]string, error) {
	var names []string
	err := db.withRead(func() error {
		var err error
		names, err = db.catalog.ListCollectionNames()
		return err
	})
	return names, err
}

// DropCollection removes a collection and reclaims its pages.
func (db *Database) DropCollection(name string) error {
	return db.withWrite(func() error {
		return db.catalog.DropCollection(name)
	})
}

// CreateIndex adds a secondary index to collection (§6). options mirrors
// the language-neutral signature in §6: Unique defaults false, Name is
// informational only (indexes are addressed by field, not by name).
type IndexOptions struct {
	Unique bool
	Name   string
}

func (db *Database) CreateIndex(collection, field string, options IndexOptions) error {
	return db.withWrite(func() error {
		return db.catalog.CreateIndex(collection, field, options.Unique, false)
	})
}

// ---------- Documents (§6) ----------

// Insert adds doc to collection, assigning an ObjectId "_id" if absent, and
// returns the document actually stored (with its _id set). Every secondary
// index is maintained inline.
func (db *Database) Insert(collection string, doc *bson.Document) (*bson.Document, error) {
	err := db.withWrite(func() error {
		return db.insertLocked(collection, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (db *Database) insertLocked(collection string, doc *bson.Document) error {
	meta, err := db.catalog.LoadCollection(collection)
	if err != nil {
		return err
	}

	pkValue, hasPK := doc.PrimaryKey()
	if !hasPK {
		pkValue = bson.ObjectIdValue(db.oid.Next())
		doc.Set("_id", pkValue)
	}
	if !pkValue.IsValidKeyType() {
		return dberr.New(dberr.NotAValidKeyType, "_id")
	}

	// §4.8: the first document inserted fixes the collection's _id type;
	// every later insert must match it.
	if meta.PKType == index.PKTypeUnset {
		meta.PKType = pkValue.Type()
	} else if pkValue.Type() != meta.PKType {
		return dberr.Newf(dberr.TypeMismatch, "_id: expected %s, got %s", meta.PKType, pkValue.Type())
	}

	payload, err := doc.Encode()
	if err != nil {
		return err
	}
	ticket, _, err := db.alloc.InsertData(0, payload)
	if err != nil {
		return err
	}

	pk := index.Open(db.backend, db.alloc, meta.RootPID)
	if _, _, err := pk.Insert(pkValue, ticket, false); err != nil {
		db.alloc.FreeTicket(ticket)
		return err
	}
	meta.RootPID = pk.RootPID

	for field, im := range meta.Indexes {
		fv, ok := doc.Get(field)
		if !ok || !fv.IsValidKeyType() {
			continue
		}
		sec := index.Open(db.backend, db.alloc, im.RootPID)
		if err := db.indexInsert(sec, fv, pkValue, im.Unique); err != nil {
			return err
		}
		im.RootPID = sec.RootPID
		meta.Indexes[field] = im
	}

	return db.catalog.SaveCollection(meta)
}

// indexInsert mirrors Catalog's own indexOne helper for the single-document
// insert path, where the Database (not the Catalog) owns the allocator
// calls needed to box a non-unique index's accumulated id list.
func (db *Database) indexInsert(tree *index.BTree, fieldValue, pkValue bson.Value, unique bool) error {
	if unique {
		t, err := encodeSingleValue("id", pkValue, db.alloc)
		if err != nil {
			return err
		}
		_, _, err = tree.Insert(fieldValue, t, false)
		return err
	}

	existing, found, err := tree.Lookup(fieldValue)
	if err != nil {
		return err
	}
	var ids []bson.Value
	if found {
		payload, err := db.alloc.ReadData(existing)
		if err != nil {
			return err
		}
		doc, err := bson.Decode(payload)
		if err != nil {
			return err
		}
		if v, ok := doc.Get("ids"); ok {
			ids = v.AsArray()
		}
	}
	ids = append(ids, pkValue)
	t, err := encodeSingleValue("ids", bson.Array(ids), db.alloc)
	if err != nil {
		return err
	}
	old, hadOld, err := tree.Insert(fieldValue, t, true)
	if err != nil {
		return err
	}
	if hadOld {
		return db.alloc.FreeTicket(old)
	}
	return nil
}

func encodeSingleValue(field string, v bson.Value, alloc *storage.Allocator) (storage.Ticket, error) {
	doc := bson.NewDocument()
	doc.Set(field, v)
	payload, err := doc.Encode()
	if err != nil {
		return storage.Ticket{}, err
	}
	t, _, err := alloc.InsertData(0, payload)
	return t, err
}

// Delete removes the document keyed by key from collection, returning it if
// present (§6).
func (db *Database) Delete(collection string, key bson.Value) (*bson.Document, error) {
	var removed *bson.Document
	err := db.withWrite(func() error {
		var err error
		removed, err = db.deleteLocked(collection, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (db *Database) deleteLocked(collection string, key bson.Value) (*bson.Document, error) {
	meta, err := db.catalog.LoadCollection(collection)
	if err != nil {
		return nil, err
	}
	pk := index.Open(db.backend, db.alloc, meta.RootPID)
	ticket, found, err := pk.Lookup(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	payload, err := db.alloc.ReadData(ticket)
	if err != nil {
		return nil, err
	}
	doc, err := bson.Decode(payload)
	if err != nil {
		return nil, err
	}

	if _, _, err := pk.Delete(key); err != nil {
		return nil, err
	}
	meta.RootPID = pk.RootPID
	if err := db.alloc.FreeTicket(ticket); err != nil {
		return nil, err
	}

	for field, im := range meta.Indexes {
		fv, ok := doc.Get(field)
		if !ok {
			continue
		}
		sec := index.Open(db.backend, db.alloc, im.RootPID)
		if err := db.indexRemove(sec, fv, key, im.Unique); err != nil {
			return nil, err
		}
		im.RootPID = sec.RootPID
		meta.Indexes[field] = im
	}

	if err := db.catalog.SaveCollection(meta); err != nil {
		return nil, err
	}
	return doc, nil
}

// indexRemove drops pkValue's entry from a secondary index, freeing the
// whole key's record for a unique index or rewriting the id list with
// pkValue removed for a non-unique one.
func (db *Database) indexRemove(tree *index.BTree, fieldValue, pkValue bson.Value, unique bool) error {
	ticket, found, err := tree.Lookup(fieldValue)
	if err != nil || !found {
		return err
	}
	if unique {
		if _, _, err := tree.Delete(fieldValue); err != nil {
			return err
		}
		return db.alloc.FreeTicket(ticket)
	}

	payload, err := db.alloc.ReadData(ticket)
	if err != nil {
		return err
	}
	doc, err := bson.Decode(payload)
	if err != nil {
		return err
	}
	var ids []bson.Value
	if v, ok := doc.Get("ids"); ok {
		for _, id := range v.AsArray() {
			if !id.Equal(pkValue) {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		if _, _, err := tree.Delete(fieldValue); err != nil {
			return err
		}
		return db.alloc.FreeTicket(ticket)
	}
	newTicket, err := encodeSingleValue("ids", bson.Array(ids), db.alloc)
	if err != nil {
		return err
	}
	if _, _, err := tree.Insert(fieldValue, newTicket, true); err != nil {
		return err
	}
	return db.alloc.FreeTicket(ticket)
}

// Update applies a set of field assignments to every document matching an
// equality filter, returning the number of documents modified (§6).
func (db *Database) Update(collection string, filter, update *bson.Document) (int, error) {
	var count int
	err := db.withWrite(func() error {
		matches, err := db.findLocked(collection, filter)
		if err != nil {
			return err
		}
		meta, err := db.catalog.LoadCollection(collection)
		if err != nil {
			return err
		}
		pk := index.Open(db.backend, db.alloc, meta.RootPID)
		cur := index.NewCursor(pk)
		for _, doc := range matches {
			pkValue, _ := doc.PrimaryKey()

			// Snapshot indexed field values before mutating doc, so any
			// index whose key changes can be moved rather than left stale.
			before := make(map[string]bson.Value, len(meta.Indexes))
			for field := range meta.Indexes {
				if v, ok := doc.Get(field); ok {
					before[field] = v
				}
			}

			for _, key := range update.Keys() {
				v, _ := update.Get(key)
				doc.Set(key, v)
			}
			payload, err := doc.Encode()
			if err != nil {
				return err
			}
			newTicket, _, err := db.alloc.InsertData(0, payload)
			if err != nil {
				return err
			}

			// Re-point the primary-key entry at the new data ticket via the
			// cursor's own update path (§4.9) rather than a fresh Insert.
			found, err := cur.Seek(pkValue)
			if err != nil {
				return err
			}
			if !found {
				return dberr.Newf(dberr.CollectionNotFound, "update: %s missing from primary key tree", pkValue)
			}
			_, oldTicket, err := cur.Current()
			if err != nil {
				return err
			}
			if err := cur.UpdateCurrent(newTicket); err != nil {
				return err
			}
			if err := db.alloc.FreeTicket(oldTicket); err != nil {
				return err
			}

			for field, im := range meta.Indexes {
				after, ok := doc.Get(field)
				if !ok || !after.IsValidKeyType() {
					continue
				}
				prior, had := before[field]
				if had && prior.Equal(after) {
					continue
				}
				sec := index.Open(db.backend, db.alloc, im.RootPID)
				if had {
					if err := db.indexRemove(sec, prior, pkValue, im.Unique); err != nil {
						return err
					}
				}
				if err := db.indexInsert(sec, after, pkValue, im.Unique); err != nil {
					return err
				}
				im.RootPID = sec.RootPID
				meta.Indexes[field] = im
			}

			count++
		}
		meta.RootPID = pk.RootPID
		return db.catalog.SaveCollection(meta)
	})
	return count, err
}

// Find returns every document in collection whose fields all equal filter's
// (an equality-only predicate; range/compound query compilation is out of
// scope, §1). An empty filter matches everything, equivalent to FindAll.
func (db *Database) Find(collection string, filter *bson.Document) ([]*bson.Document, error) {
	var docs []*bson.Document
	err := db.withRead(func() error {
		var err error
		docs, err = db.findLocked(collection, filter)
		return err
	})
	return docs, err
}

func (db *Database) findLocked(collection string, filter *bson.Document) ([]*bson.Document, error) {
	meta, err := db.catalog.LoadCollection(collection)
	if err != nil {
		return nil, err
	}

	if filter != nil && filter.Len() > 0 {
		if field, value, ok := singleEqualityField(filter); ok {
			if im, indexed := meta.Indexes[field]; indexed {
				return db.findByIndex(meta, im, field, value, filter)
			}
		}
	}

	// A full scan walks the primary-key tree in key order via its cursor
	// (§4.9), rather than the catalog-style Walk callback, so ordering is
	// driven by the same cursor type whose Seek Update above also uses.
	pk := index.Open(db.backend, db.alloc, meta.RootPID)
	cur := index.NewCursor(pk)
	var results []*bson.Document
	for ok, err := cur.Next(); ; ok, err = cur.Next() {
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		_, ticket, err := cur.Current()
		if err != nil {
			return nil, err
		}
		payload, err := db.alloc.ReadData(ticket)
		if err != nil {
			return nil, err
		}
		doc, err := bson.Decode(payload)
		if err != nil {
			return nil, err
		}
		if matchesFilter(doc, filter) {
			results = append(results, doc)
		}
	}
	return results, nil
}

// singleEqualityField reports whether filter names exactly one field, so
// Find can exploit a secondary index instead of a full scan.
func singleEqualityField(filter *bson.Document) (string, bson.Value, bool) {
	keys := filter.Keys()
	if len(keys) != 1 {
		return "", bson.Value{}, false
	}
	v, _ := filter.Get(keys[0])
	return keys[0], v, true
}

func (db *Database) findByIndex(meta *index.CollectionMeta, im index.IndexMeta, field string, value bson.Value, filter *bson.Document) ([]*bson.Document, error) {
	sec := index.Open(db.backend, db.alloc, im.RootPID)
	ticket, found, err := sec.Lookup(value)
	if err != nil || !found {
		return nil, err
	}
	payload, err := db.alloc.ReadData(ticket)
	if err != nil {
		return nil, err
	}
	idxDoc, err := bson.Decode(payload)
	if err != nil {
		return nil, err
	}

	var pkValues []bson.Value
	if im.Unique {
		if v, ok := idxDoc.Get("id"); ok {
			pkValues = append(pkValues, v)
		}
	} else if v, ok := idxDoc.Get("ids"); ok {
		pkValues = v.AsArray()
	}

	pk := index.Open(db.backend, db.alloc, meta.RootPID)
	var results []*bson.Document
	for _, pkValue := range pkValues {
		dataTicket, found, err := pk.Lookup(pkValue)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		docPayload, err := db.alloc.ReadData(dataTicket)
		if err != nil {
			return nil, err
		}
		doc, err := bson.Decode(docPayload)
		if err != nil {
			return nil, err
		}
		if matchesFilter(doc, filter) {
			results = append(results, doc)
		}
	}
	return results, nil
}

func matchesFilter(doc *bson.Document, filter *bson.Document) bool {
	if filter == nil {
		return true
	}
	for _, key := range filter.Keys() {
		want, _ := filter.Get(key)
		got, ok := doc.Get(key)
		if !ok || !got.Equal(want) {
			return false
		}
	}
	return true
}

// FindAll returns every document in collection (§6).
func (db *Database) FindAll(collection string) ([]*bson.Document, error) {
	return db.Find(collection, nil)
}

// CountDocuments returns the number of documents in collection (§6).
func (db *Database) CountDocuments(collection string) (uint64, error) {
	var count uint64
	err := db.withRead(func() error {
		meta, err := db.catalog.LoadCollection(collection)
		if err != nil {
			return err
		}
		pk := index.Open(db.backend, db.alloc, meta.RootPID)
		return pk.Walk(func(_ bson.Value, _ storage.Ticket) error {
			count++
			return nil
		})
	})
	return count, err
}
