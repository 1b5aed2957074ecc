// Package retrieval implements the RAG retrieval contract: query text is
// derived from the recent conversation, every enabled collection is searched,
// and results are merged by ascending distance into a single top-k list with
// per-snippet source annotation.
package retrieval

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"llmctl/internal/logging"
	"llmctl/internal/store"
)

// Embedder produces embeddings for indexing and querying.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is one indexable unit.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Snippet is one retrieved result. Distance is 1 - cosine similarity, so
// lower is better and the merged list sorts ascending.
type Snippet struct {
	SourceID   string
	SourceName string
	SourceKind string
	Content    string
	Distance   float32
}

// Annotation renders the "source_id|name|kind" tag carried into prompts.
func (s Snippet) Annotation() string {
	return fmt.Sprintf("%s|%s|%s", s.SourceID, s.SourceName, s.SourceKind)
}

// VectorStore owns one chromem DB shared by all collections.
type VectorStore struct {
	db       *chromem.DB
	embedder Embedder
	logger   logging.Logger
}

// NewVectorStore opens a persistent store when persistDir is set, otherwise
// an in-memory one.
func NewVectorStore(persistDir string, embedder Embedder) (*VectorStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if persistDir != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistDir, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open persistent vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &VectorStore{
		db:       db,
		embedder: embedder,
		logger:   logging.NewComponentLogger("VectorStore"),
	}, nil
}

func (v *VectorStore) collection(name string) (*chromem.Collection, error) {
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return v.embedder.Embed(ctx, text)
	}
	return v.db.GetOrCreateCollection(name, nil, embeddingFunc)
}

// Index adds documents to the named collection.
func (v *VectorStore) Index(ctx context.Context, collectionName string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := v.collection(collectionName)
	if err != nil {
		return fmt.Errorf("collection %s: %w", collectionName, err)
	}
	for _, doc := range docs {
		err := col.AddDocument(ctx, chromem.Document{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		})
		if err != nil {
			return fmt.Errorf("add document %s: %w", doc.ID, err)
		}
	}
	v.logger.Debug("indexed %d documents into %s", len(docs), collectionName)
	return nil
}

// DeleteCollection drops one collection entirely.
func (v *VectorStore) DeleteCollection(name string) error {
	return v.db.DeleteCollection(name)
}

func (v *VectorStore) query(ctx context.Context, collectionName, queryText string, topK int) ([]chromem.Result, error) {
	col, err := v.collection(collectionName)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", collectionName, err)
	}
	// chromem rejects topK above the collection size.
	if count := col.Count(); count < topK {
		topK = count
	}
	if topK <= 0 {
		return nil, nil
	}
	return col.Query(ctx, queryText, topK, nil, nil)
}

// Retriever implements the retrieval contract over a vector store and the
// collection registry.
type Retriever struct {
	vectors       *VectorStore
	queryMaxChars int
	logger        logging.Logger
}

// NewRetriever constructs a retriever. queryMaxChars caps the composed query
// text.
func NewRetriever(vectors *VectorStore, queryMaxChars int) *Retriever {
	if queryMaxChars <= 0 {
		queryMaxChars = 800
	}
	return &Retriever{
		vectors:       vectors,
		queryMaxChars: queryMaxChars,
		logger:        logging.NewComponentLogger("Retriever"),
	}
}

// QueryText composes the retrieval query: the most recent user message first,
// then up to two earlier user messages for context, capped at the configured
// length. Assistant turns never enter the query.
func (r *Retriever) QueryText(messages []*store.ChatMessage) string {
	var lastUser int = -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return ""
	}

	parts := []string{messages[lastUser].Content}
	for i := lastUser - 1; i >= 0 && len(parts) < 3; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if content := strings.TrimSpace(messages[i].Content); content != "" {
			parts = append(parts, content)
		}
	}

	query := strings.Join(parts, "\n")
	if len(query) > r.queryMaxChars {
		query = query[:r.queryMaxChars]
	}
	return query
}

// Retrieve searches every enabled collection and merges the results into one
// ascending-distance list of at most topK snippets. Empty documents and exact
// duplicates are dropped before trimming.
func (r *Retriever) Retrieve(ctx context.Context, collections []*store.RAGCollection, queryText string, topK int) ([]Snippet, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" || topK <= 0 {
		return nil, nil
	}

	var merged []Snippet
	for _, col := range collections {
		if !col.Enabled {
			continue
		}
		results, err := r.vectors.query(ctx, col.Name, queryText, topK)
		if err != nil {
			// One broken collection degrades the result set, not the dispatch.
			r.logger.Warn("query on collection %s failed: %v", col.Name, err)
			continue
		}
		for _, res := range results {
			merged = append(merged, Snippet{
				SourceID:   col.ID,
				SourceName: col.Name,
				SourceKind: col.Kind,
				Content:    res.Content,
				Distance:   1 - res.Similarity,
			})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Distance < merged[j].Distance })

	seen := map[string]bool{}
	out := merged[:0]
	for _, snip := range merged {
		content := strings.TrimSpace(snip.Content)
		if content == "" || seen[content] {
			continue
		}
		seen[content] = true
		out = append(out, snip)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}
