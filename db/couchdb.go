package db

import (
	"context"
	"sort"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver

	"stagegate.evalgo.org/common"
)

// MemoryDocument is the cold-tier document shape in the memories database.
type MemoryDocument struct {
	ID             string     `json:"_id"`
	Rev            string     `json:"_rev,omitempty"`
	UserID         string     `json:"user_id"`
	Content        string     `json:"content"`
	Title          string     `json:"title,omitempty"`
	Category       string     `json:"category,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	MemoryType     string     `json:"memory_type"`
	Importance     float64    `json:"importance"`
	Tier           string     `json:"tier"`
	Meta           Metadata   `json:"metadata,omitempty"`
	Embedding      []float32  `json:"embedding,omitempty"`
	RetrievalCount int64      `json:"retrieval_count"`
	LastRetrieved  *time.Time `json:"last_retrieved,omitempty"`
}

// ScoredDocument pairs a document with its dot-product score against a
// query vector.
type ScoredDocument struct {
	Doc   MemoryDocument
	Score float64
}

// DocumentStore is the cold-tier capability interface. The CouchDB client
// implements it; NopDocumentStore stands in when no document store is
// configured, so the memory manager degrades instead of failing.
type DocumentStore interface {
	// Available reports whether a real document store is configured.
	Available() bool

	// Upsert writes a document by id, retrying once on a revision
	// conflict with the latest revision.
	Upsert(ctx context.Context, doc MemoryDocument) error

	// Get retrieves a document by id.
	Get(ctx context.Context, id string) (*MemoryDocument, error)

	// Find returns documents matching a Mango selector.
	Find(ctx context.Context, selector map[string]interface{}, limit int) ([]MemoryDocument, error)

	// Delete removes a document by id.
	Delete(ctx context.Context, id string) error

	// TopKByDotProduct scores each candidate document's embedding against
	// the query vector and returns the k highest. Scoring runs client-side:
	// CouchDB has no native vector aggregation, so the selector bounds the
	// candidate set and the dot products are computed here. Both vectors
	// are unit-normalized, so the dot product equals cosine similarity.
	TopKByDotProduct(ctx context.Context, selector map[string]interface{}, query []float32, k int) ([]ScoredDocument, error)
}

// CouchDB is the cold-tier document store client.
type CouchDB struct {
	client *kivik.Client
	db     *kivik.DB
	name   string
}

// NewCouchDB connects to the document store and creates the database and
// its indexes when missing.
func NewCouchDB(ctx context.Context, url, name string) (*CouchDB, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, common.NewTransient(err, "failed to connect to document store")
	}

	exists, err := client.DBExists(ctx, name)
	if err != nil {
		return nil, common.NewTransient(err, "failed to check database %q", name)
	}
	if !exists {
		if err := client.CreateDB(ctx, name); err != nil {
			return nil, common.NewTransient(err, "failed to create database %q", name)
		}
	}

	c := &CouchDB{client: client, db: client.DB(name), name: name}
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CouchDB) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		name   string
		fields []interface{}
	}{
		{"idx-user", []interface{}{"user_id"}},
		{"idx-user-ts", []interface{}{"user_id", "timestamp"}},
		{"idx-category", []interface{}{"category"}},
	}
	for _, idx := range indexes {
		def := map[string]interface{}{"fields": idx.fields}
		if err := c.db.CreateIndex(ctx, "", idx.name, def); err != nil {
			return common.NewTransient(err, "failed to create index %s", idx.name)
		}
	}
	return nil
}

// Available always reports true for a connected client.
func (c *CouchDB) Available() bool { return true }

// Upsert writes doc by id. On a 409 the current revision is fetched and
// the write retried once; last write wins.
func (c *CouchDB) Upsert(ctx context.Context, doc MemoryDocument) error {
	_, err := c.db.Put(ctx, doc.ID, doc)
	if err == nil {
		return nil
	}
	if kivik.HTTPStatus(err) != 409 {
		return common.NewTransient(err, "failed to put document %s", doc.ID)
	}

	row := c.db.Get(ctx, doc.ID)
	var current MemoryDocument
	if err := row.ScanDoc(&current); err != nil {
		return common.NewTransient(err, "failed to read conflicting document %s", doc.ID)
	}
	doc.Rev = current.Rev
	if _, err := c.db.Put(ctx, doc.ID, doc); err != nil {
		return common.NewTransient(err, "failed to put document %s after conflict", doc.ID)
	}
	return nil
}

// Get retrieves a document by id.
func (c *CouchDB) Get(ctx context.Context, id string) (*MemoryDocument, error) {
	row := c.db.Get(ctx, id)
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == 404 {
			return nil, common.NewNotFound("document %s not found", id)
		}
		return nil, common.NewTransient(row.Err(), "failed to get document %s", id)
	}
	var doc MemoryDocument
	if err := row.ScanDoc(&doc); err != nil {
		return nil, common.NewTransient(err, "failed to decode document %s", id)
	}
	return &doc, nil
}

// Find returns documents matching a Mango selector.
func (c *CouchDB) Find(ctx context.Context, selector map[string]interface{}, limit int) ([]MemoryDocument, error) {
	query := map[string]interface{}{"selector": selector}
	if limit > 0 {
		query["limit"] = limit
	}

	rows := c.db.Find(ctx, query)
	defer rows.Close()

	var docs []MemoryDocument
	for rows.Next() {
		var doc MemoryDocument
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewTransient(err, "find failed")
	}
	return docs, nil
}

// Delete removes a document by id, resolving the current revision first.
func (c *CouchDB) Delete(ctx context.Context, id string) error {
	row := c.db.Get(ctx, id)
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == 404 {
			return nil
		}
		return common.NewTransient(row.Err(), "failed to resolve revision for %s", id)
	}
	var doc MemoryDocument
	if err := row.ScanDoc(&doc); err != nil {
		return common.NewTransient(err, "failed to decode document %s", id)
	}
	if _, err := c.db.Delete(ctx, id, doc.Rev); err != nil {
		return common.NewTransient(err, "failed to delete document %s", id)
	}
	return nil
}

// TopKByDotProduct implements the scoring primitive. The candidate set is
// bounded to 500 documents per call.
func (c *CouchDB) TopKByDotProduct(ctx context.Context, selector map[string]interface{}, query []float32, k int) ([]ScoredDocument, error) {
	docs, err := c.Find(ctx, selector, 500)
	if err != nil {
		return nil, err
	}
	return RankByDotProduct(docs, query, k), nil
}

// Close releases the client.
func (c *CouchDB) Close() error { return c.client.Close() }

// RankByDotProduct scores docs against query and returns the k best.
// Documents without an embedding are skipped.
func RankByDotProduct(docs []MemoryDocument, query []float32, k int) []ScoredDocument {
	scored := make([]ScoredDocument, 0, len(docs))
	for _, doc := range docs {
		if len(doc.Embedding) != len(query) || len(query) == 0 {
			continue
		}
		var sum float64
		for i, q := range query {
			sum += float64(q) * float64(doc.Embedding[i])
		}
		scored = append(scored, ScoredDocument{Doc: doc, Score: sum})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// NopDocumentStore satisfies DocumentStore when no document store is
// configured. Writes are rejected with a transient error the memory
// manager recognizes; semantic queries come back empty.
type NopDocumentStore struct{}

func (NopDocumentStore) Available() bool { return false }

func (NopDocumentStore) Upsert(ctx context.Context, doc MemoryDocument) error {
	return common.NewTransient(nil, "document store not configured")
}

func (NopDocumentStore) Get(ctx context.Context, id string) (*MemoryDocument, error) {
	return nil, common.NewNotFound("document store not configured")
}

func (NopDocumentStore) Find(ctx context.Context, selector map[string]interface{}, limit int) ([]MemoryDocument, error) {
	return nil, nil
}

func (NopDocumentStore) Delete(ctx context.Context, id string) error { return nil }

func (NopDocumentStore) TopKByDotProduct(ctx context.Context, selector map[string]interface{}, query []float32, k int) ([]ScoredDocument, error) {
	return nil, nil
}
