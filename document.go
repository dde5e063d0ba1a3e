package perch

import (
	"container/list"
	"sync"

	"github.com/perchdb/perch/pkg/status"
)

// A Document is a cached handle on one document id. Handles are shared:
// asking the database for the same id twice returns the same handle, so
// the current revision is loaded once and invalidated by writes.
type Document struct {
	db *Database
	id string

	mu      sync.Mutex
	current *Revision
}

// Document returns the handle for docID, creating it on first use.
func (db *Database) Document(docID string) (*Document, error) {
	if _, err := db.engine(); err != nil {
		return nil, err
	}
	return db.docs.get(db, docID), nil
}

// ExistingDocument is Document, but fails with NotFound when the
// document has no non-deleted winning revision.
func (db *Database) ExistingDocument(docID string) (*Document, error) {
	doc, err := db.Document(docID)
	if err != nil {
		return nil, err
	}
	if _, err := doc.CurrentRevision(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Document) ID() string { return d.id }

// CurrentRevision returns the winning revision, loading and caching it
// on first access.
func (d *Document) CurrentRevision() (*Revision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		return d.current, nil
	}
	rev, err := d.db.GetRevision(d.id, "", 0)
	if err != nil {
		return nil, err
	}
	d.current = rev
	return rev, nil
}

// CurrentRevisionID returns the winning revision id, or "".
func (d *Document) CurrentRevisionID() string {
	rev, err := d.CurrentRevision()
	if err != nil {
		return ""
	}
	return rev.RevID
}

// Properties returns the winning revision's body with metadata keys.
func (d *Document) Properties() (Body, error) {
	rev, err := d.CurrentRevision()
	if err != nil {
		return nil, err
	}
	return rev.Body, nil
}

// Exists reports whether the document has a non-deleted winner.
func (d *Document) Exists() bool {
	_, err := d.CurrentRevision()
	return err == nil
}

// Put updates the document. The revision being replaced is taken from
// properties["_rev"], falling back to the cached current revision.
func (d *Document) Put(properties Body) (*Revision, error) {
	prevRevID, _ := properties["_rev"].(string)
	if prevRevID == "" {
		d.mu.Lock()
		if d.current != nil {
			prevRevID = d.current.RevID
		}
		d.mu.Unlock()
	}
	rev, err := d.db.PutRevision(d.id, properties, prevRevID, false)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.current = rev
	d.mu.Unlock()
	return rev, nil
}

// Delete writes a deletion tombstone over the current revision.
func (d *Document) Delete() error {
	rev, err := d.CurrentRevision()
	if err != nil {
		if status.Is(err, status.NotFound) {
			return nil
		}
		return err
	}
	if _, err := d.db.PutRevision(d.id, nil, rev.RevID, false); err != nil {
		return err
	}
	d.invalidate()
	return nil
}

// Purge physically removes the document, leaving no tombstone.
func (d *Document) Purge() error {
	_, err := d.db.Purge(map[string][]string{d.id: {"*"}})
	return err
}

func (d *Document) invalidate() {
	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()
}

// docCache is an LRU over document handles. Change notifications
// invalidate cached revisions; compaction and close evict everything.
type docCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	id  string
	doc *Document
}

func newDocCache(capacity int) *docCache {
	return &docCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *docCache) get(db *Database, docID string) *Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[docID]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).doc
	}
	doc := &Document{db: db, id: docID}
	c.entries[docID] = c.order.PushFront(&cacheEntry{id: docID, doc: doc})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
	}
	return doc
}

// noteChange drops the cached revision of a changed document. The
// handle itself stays cached; a later write may already have replaced
// the revision it knows about.
func (c *docCache) noteChange(change Change) {
	c.mu.Lock()
	el, ok := c.entries[change.DocID]
	c.mu.Unlock()
	if ok {
		el.Value.(*cacheEntry).doc.invalidate()
	}
}

func (c *docCache) evict(docID string) {
	c.mu.Lock()
	if el, ok := c.entries[docID]; ok {
		el.Value.(*cacheEntry).doc.invalidate()
		c.order.Remove(el)
		delete(c.entries, docID)
	}
	c.mu.Unlock()
}

func (c *docCache) evictAll() {
	c.mu.Lock()
	for _, el := range c.entries {
		el.Value.(*cacheEntry).doc.invalidate()
	}
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.mu.Unlock()
}
