package index

import (
	"sync"

	"github.com/polodb/polodb-go/bson"
	"github.com/polodb/polodb-go/dberr"
	"github.com/polodb/polodb-go/storage"
)

// PKTypeUnset marks a collection whose primary-key type has not yet been
// chosen. §4.8: the type of _id is fixed by whatever the first document
// inserted into the collection uses, not by CreateCollection.
const PKTypeUnset bson.Type = 0

// IndexMeta describes one secondary index on a collection field (§4.8).
type IndexMeta struct {
	Field   string
	RootPID uint32
	Unique  bool
}

// CollectionMeta is the catalog's per-collection record: the root of its
// primary-key tree, the head of its data-page chain, and its secondary
// indexes (§4.8). It is itself stored as an encoded Document, addressed by
// a ticket in the meta-tree.
type CollectionMeta struct {
	Name        string
	PKType      bson.Type
	RootPID     uint32 // primary-key BTree root
	DataHeadPID uint32
	Indexes     map[string]IndexMeta
}

func (m *CollectionMeta) toDocument() *bson.Document {
	d := bson.NewDocument()
	d.Set("name", bson.String(m.Name))
	d.Set("pk_type", bson.Int(int64(m.PKType)))
	d.Set("root_pid", bson.Int(int64(m.RootPID)))
	d.Set("data_head_pid", bson.Int(int64(m.DataHeadPID)))

	items := make([]bson.Value, 0, len(m.Indexes))
	for _, im := range m.Indexes {
		sub := bson.NewDocument()
		sub.Set("field", bson.String(im.Field))
		sub.Set("root_pid", bson.Int(int64(im.RootPID)))
		sub.Set("unique", bson.Boolean(im.Unique))
		items = append(items, bson.DocumentValue(sub))
	}
	d.Set("indexes", bson.Array(items))
	return d
}

func collectionMetaFromDocument(d *bson.Document) *CollectionMeta {
	m := &CollectionMeta{Indexes: make(map[string]IndexMeta)}
	if v, ok := d.Get("name"); ok {
		m.Name = v.AsString()
	}
	if v, ok := d.Get("pk_type"); ok {
		m.PKType = bson.Type(v.AsInt())
	}
	if v, ok := d.Get("root_pid"); ok {
		m.RootPID = uint32(v.AsInt())
	}
	if v, ok := d.Get("data_head_pid"); ok {
		m.DataHeadPID = uint32(v.AsInt())
	}
	if v, ok := d.Get("indexes"); ok {
		for _, item := range v.AsArray() {
			sub := item.AsDocument()
			im := IndexMeta{}
			if fv, ok := sub.Get("field"); ok {
				im.Field = fv.AsString()
			}
			if rv, ok := sub.Get("root_pid"); ok {
				im.RootPID = uint32(rv.AsInt())
			}
			if uv, ok := sub.Get("unique"); ok {
				im.Unique = uv.AsBoolean()
			}
			m.Indexes[im.Field] = im
		}
	}
	return m
}

// Catalog is the meta B-tree of collections keyed by name (§4.8). Both the
// meta-tree itself and every collection's primary/secondary trees share the
// same backend and allocator.
type Catalog struct {
	mu      sync.RWMutex
	backend *storage.Backend
	alloc   *storage.Allocator
	meta    *BTree
}

// OpenCatalog loads the catalog rooted wherever the first page points, or
// creates a fresh empty one if this is a new database.
func OpenCatalog(backend *storage.Backend, alloc *storage.Allocator) (*Catalog, error) {
	c := &Catalog{backend: backend, alloc: alloc}
	if pid := alloc.MetaRootPID(); pid != 0 {
		c.meta = Open(backend, alloc, pid)
		return c, nil
	}
	bt, err := New(backend, alloc)
	if err != nil {
		return nil, err
	}
	c.meta = bt
	if err := alloc.SetMetaRootPID(bt.RootPID); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) saveMetaRoot() error {
	return c.alloc.SetMetaRootPID(c.meta.RootPID)
}

// CreateCollection registers a new, empty collection with the given
// primary-key type (§4.8). Returns IndexAlreadyExists semantics via
// DataExist if the name is already taken (matches the catalog's own
// B-tree, which is keyed by name).
func (c *Catalog) CreateCollection(name string, pkType bson.Type) (*CollectionMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !bson.String(name).IsValidKeyType() {
		return nil, dberr.New(dberr.NotAValidKeyType, "collection name")
	}
	if _, found, err := c.meta.Lookup(bson.String(name)); err != nil {
		return nil, err
	} else if found {
		return nil, dberr.Newf(dberr.DataExist, "collection %q already exists", name)
	}

	pkTree, err := New(c.backend, c.alloc)
	if err != nil {
		return nil, err
	}

	meta := &CollectionMeta{Name: name, PKType: pkType, RootPID: pkTree.RootPID, Indexes: map[string]IndexMeta{}}
	if err := c.store(name, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// store writes meta under name in the meta-tree, replacing and freeing any
// prior ticket.
func (c *Catalog) store(name string, meta *CollectionMeta) error {
	doc := meta.toDocument()
	payload, err := doc.Encode()
	if err != nil {
		return err
	}
	ticket, _, err := c.alloc.InsertData(0, payload)
	if err != nil {
		return err
	}
	old, hadOld, err := c.meta.Insert(bson.String(name), ticket, true)
	if err != nil {
		return err
	}
	if err := c.saveMetaRoot(); err != nil {
		return err
	}
	if hadOld {
		return c.alloc.FreeTicket(old)
	}
	return nil
}

// LoadCollection fetches a collection's catalog entry by name.
func (c *Catalog) LoadCollection(name string) (*CollectionMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadLocked(name)
}

func (c *Catalog) loadLocked(name string) (*CollectionMeta, error) {
	ticket, found, err := c.meta.Lookup(bson.String(name))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dberr.Newf(dberr.CollectionNotFound, "collection %q not found", name)
	}
	payload, err := c.alloc.ReadData(ticket)
	if err != nil {
		return nil, err
	}
	doc, err := bson.Decode(payload)
	if err != nil {
		return nil, err
	}
	return collectionMetaFromDocument(doc), nil
}

// SaveCollection persists an updated CollectionMeta (e.g. after a primary
// root split, a data head reassignment, or an index addition/removal).
func (c *Catalog) SaveCollection(meta *CollectionMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store(meta.Name, meta)
}

// DropCollection marks each document's data slot deleted, frees the pages
// of the primary tree and of every secondary index tree, then removes its
// catalog entry. The data pages that held the documents are not returned
// to the free list.
func (c *Catalog) DropCollection(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.loadLocked(name)
	if err != nil {
		return err
	}

	pk := Open(c.backend, c.alloc, meta.RootPID)
	var dataPages []uint32
	if err := pk.Walk(func(_ bson.Value, t storage.Ticket) error {
		if err := c.alloc.FreeTicket(t); err != nil {
			return err
		}
		dataPages = append(dataPages, t.PageID)
		return nil
	}); err != nil {
		return err
	}
	pkPages, err := pk.Pages()
	if err != nil {
		return err
	}
	if err := c.alloc.FreePages(pkPages); err != nil {
		return err
	}

	for _, im := range meta.Indexes {
		sec := Open(c.backend, c.alloc, im.RootPID)
		secPages, err := sec.Pages()
		if err != nil {
			return err
		}
		if err := c.alloc.FreePages(secPages); err != nil {
			return err
		}
	}

	ticket, _, err := c.meta.Lookup(bson.String(name))
	if err != nil {
		return err
	}
	if _, _, err := c.meta.Delete(bson.String(name)); err != nil {
		return err
	}
	if err := c.saveMetaRoot(); err != nil {
		return err
	}
	return c.alloc.FreeTicket(ticket)
}

// ListCollectionNames returns every registered collection name.
func (c *Catalog) ListCollectionNames() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	if err := c.meta.Walk(func(k bson.Value, _ storage.Ticket) error {
		names = append(names, k.AsString())
		return nil
	}); err != nil {
		return nil, err
	}
	return names, nil
}

// CreateIndex adds a secondary index on field to an existing collection
// (§4.8). Only ascending Int-typed ordering validation is meaningful here
// since the B-tree has no notion of descending order (§9 "no order
// direction" — InvalidOrderOfIndex guards a caller passing one anyway).
func (c *Catalog) CreateIndex(collection, field string, unique bool, descending bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if descending {
		return dberr.New(dberr.InvalidOrderOfIndex, "descending indexes are not supported")
	}

	meta, err := c.loadLocked(collection)
	if err != nil {
		return err
	}
	if _, exists := meta.Indexes[field]; exists {
		return dberr.Newf(dberr.IndexAlreadyExists, "index on %s.%s already exists", collection, field)
	}

	secTree, err := New(c.backend, c.alloc)
	if err != nil {
		return err
	}

	pk := Open(c.backend, c.alloc, meta.RootPID)
	if err := pk.Walk(func(key bson.Value, ticket storage.Ticket) error {
		payload, err := c.alloc.ReadData(ticket)
		if err != nil {
			return err
		}
		doc, err := bson.Decode(payload)
		if err != nil {
			return err
		}
		fv, ok := doc.Get(field)
		if !ok || !fv.IsValidKeyType() {
			return nil
		}
		return c.indexOne(secTree, fv, key, unique)
	}); err != nil {
		return err
	}

	meta.Indexes[field] = IndexMeta{Field: field, RootPID: secTree.RootPID, Unique: unique}
	return c.store(collection, meta)
}

// DropIndex removes a secondary index, reclaiming its pages.
func (c *Catalog) DropIndex(collection, field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.loadLocked(collection)
	if err != nil {
		return err
	}
	im, exists := meta.Indexes[field]
	if !exists {
		return dberr.Newf(dberr.CollectionNotFound, "no index on %s.%s", collection, field)
	}
	sec := Open(c.backend, c.alloc, im.RootPID)
	pages, err := sec.Pages()
	if err != nil {
		return err
	}
	if err := c.alloc.FreePages(pages); err != nil {
		return err
	}
	delete(meta.Indexes, field)
	return c.store(collection, meta)
}

// indexOne stores pkValue under fieldValue in a secondary index tree. A
// unique index rejects a second primary key under the same field value
// (DataExist); a non-unique index keeps every matching primary key inline
// in a small Array-valued record so one field value can map to many rows.
func (c *Catalog) indexOne(tree *BTree, fieldValue, pkValue bson.Value, unique bool) error {
	if unique {
		ticket, err := c.encodePKTicket(pkValue)
		if err != nil {
			return err
		}
		_, _, err = tree.Insert(fieldValue, ticket, false)
		return err
	}

	existingTicket, found, err := tree.Lookup(fieldValue)
	if err != nil {
		return err
	}
	var ids []bson.Value
	if found {
		payload, err := c.alloc.ReadData(existingTicket)
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

	doc := bson.NewDocument()
	doc.Set("ids", bson.Array(ids))
	payload, err := doc.Encode()
	if err != nil {
		return err
	}
	newTicket, _, err := c.alloc.InsertData(0, payload)
	if err != nil {
		return err
	}
	old, hadOld, err := tree.Insert(fieldValue, newTicket, true)
	if err != nil {
		return err
	}
	if hadOld {
		return c.alloc.FreeTicket(old)
	}
	return nil
}

// encodePKTicket stores a single primary-key value as a one-field document
// record and returns its ticket; used for unique-index entries.
func (c *Catalog) encodePKTicket(pkValue bson.Value) (storage.Ticket, error) {
	doc := bson.NewDocument()
	doc.Set("id", pkValue)
	payload, err := doc.Encode()
	if err != nil {
		return storage.Ticket{}, err
	}
	t, _, err := c.alloc.InsertData(0, payload)
	return t, err
}
