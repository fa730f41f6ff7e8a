// Package retrieval keeps an in-memory full-text index of documents and answers
// lookups against it over the bus query channel.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// EmptyAnswer is returned by Retrieve before any document was stored.
const EmptyAnswer = "No recipes stored yet."

// DefaultLimit is the number of chunks a lookup returns.
const DefaultLimit = 5

// ErrEmptyQuery is returned for blank lookups.
var ErrEmptyQuery = errors.New("retrieval: query must not be empty")

// Chunk is one indexed piece of a stored document.
type Chunk struct {
	ID       string    `json:"id"`
	Document string    `json:"document"`
	Content  string    `json:"content"`
	Source   string    `json:"source"`
	StoredAt time.Time `json:"stored_at"`
}

// Document describes one stored document.
type Document struct {
	ID       string    `json:"id"`
	Source   string    `json:"source"`
	Chunks   int       `json:"chunks"`
	StoredAt time.Time `json:"stored_at"`
}

// Match is a chunk returned by a lookup, best first.
type Match struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Store indexes document chunks for BM25 lookup. It is owned by the collaborator
// that creates it; nothing in the package is global.
type Store struct {
	mu       sync.RWMutex
	index    bleve.Index
	splitter Splitter
	limit    int
	clock    xclock.Clock
	docs     map[string]Document
}

type Option func(*Store)

// WithSplitter overrides the chunking (default 500 runes, 50 overlap).
func WithSplitter(s Splitter) Option { return func(st *Store) { st.splitter = s } }

// WithLimit overrides the number of chunks returned per lookup (default 5).
func WithLimit(k int) Option {
	return func(st *Store) {
		if k > 0 {
			st.limit = k
		}
	}
}

// WithClock sets the clock that stamps stored chunks.
func WithClock(c xclock.Clock) Option {
	return func(st *Store) {
		if c != nil {
			st.clock = c
		}
	}
}

// NewStore creates an empty in-memory store.
func NewStore(opts ...Option) (*Store, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}
	s := &Store{index: index, splitter: DefaultSplitter(), limit: DefaultLimit, clock: xclock.Default(), docs: map[string]Document{}}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

func buildIndexMapping() mapping.IndexMapping {
	chunkMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	dateFieldMapping := bleve.NewDateTimeFieldMapping()

	chunkMapping.AddFieldMappingsAt("content", textFieldMapping)
	chunkMapping.AddFieldMappingsAt("document", keywordFieldMapping)
	chunkMapping.AddFieldMappingsAt("source", keywordFieldMapping)
	chunkMapping.AddFieldMappingsAt("stored_at", dateFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = chunkMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// StoreDocument splits text and indexes every chunk under one document ID.
func (s *Store) StoreDocument(ctx context.Context, text, source string) (string, int, error) {
	chunks := s.splitter.Split(text)
	if len(chunks) == 0 {
		return "", 0, errors.New("retrieval: document is empty")
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	docID := uuid.NewString()
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.index.NewBatch()
	for i, c := range chunks {
		id := fmt.Sprintf("%s#%d", docID, i)
		if err := batch.Index(id, Chunk{ID: id, Document: docID, Content: c, Source: source, StoredAt: now}); err != nil {
			return "", 0, fmt.Errorf("failed to index chunk: %w", err)
		}
	}
	if err := s.index.Batch(batch); err != nil {
		return "", 0, fmt.Errorf("failed to index document: %w", err)
	}
	s.docs[docID] = Document{ID: docID, Source: source, Chunks: len(chunks), StoredAt: now}
	return docID, len(chunks), nil
}

// Search returns up to k chunks matching query; k <= 0 uses the store's limit.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	req.Size = s.limit
	if k > 0 {
		req.Size = k
	}
	req.Fields = []string{"content"}

	s.mu.RLock()
	res, err := s.index.SearchInContext(ctx, req)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Match, 0, len(res.Hits))
	for _, hit := range res.Hits {
		content, _ := hit.Fields["content"].(string)
		out = append(out, Match{ID: hit.ID, Content: content, Score: hit.Score})
	}
	return out, nil
}

// Retrieve joins the best matching chunks with blank lines.
// Before anything was stored it answers EmptyAnswer.
func (s *Store) Retrieve(ctx context.Context, query string) (string, error) {
	if s.Documents() == 0 {
		return EmptyAnswer, nil
	}
	matches, err := s.Search(ctx, query, 0)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n\n"), nil
}

// Documents is the number of stored documents.
func (s *Store) Documents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Document returns the record of a stored document.
func (s *Store) Document(id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	return d, ok
}

// Chunks is the number of indexed chunks.
func (s *Store) Chunks() (uint64, error) {
	return s.index.DocCount()
}

func (s *Store) Close() error {
	return s.index.Close()
}
