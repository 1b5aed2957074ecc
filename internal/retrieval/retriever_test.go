package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"llmctl/internal/store"
)

// hashEmbedder is a deterministic toy embedder: texts sharing more words land
// closer together.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 64)
	for i, r := range text {
		vec[(i+int(r))%64] += 1
	}
	// Normalize so cosine similarity behaves.
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1
		norm = 1
	}
	inv := 1 / sqrt32(norm)
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

func sqrt32(x float32) float32 {
	guess := x
	for i := 0; i < 20; i++ {
		guess = (guess + x/guess) / 2
	}
	return guess
}

func newTestRetriever(t *testing.T) (*VectorStore, *Retriever) {
	t.Helper()
	vs, err := NewVectorStore("", hashEmbedder{})
	require.NoError(t, err)
	return vs, NewRetriever(vs, 800)
}

func msg(role, content string) *store.ChatMessage {
	return &store.ChatMessage{Role: role, Content: content}
}

func TestQueryTextUsesLastUserMessagePlusTwoPriorUserTurns(t *testing.T) {
	_, r := newTestRetriever(t)

	msgs := []*store.ChatMessage{
		msg("user", "zeroth question"),
		msg("user", "first question"),
		msg("assistant", "first answer"),
		msg("user", "second question"),
		msg("assistant", "second answer"),
		msg("user", "latest question"),
	}
	query := r.QueryText(msgs)
	require.Contains(t, query, "latest question")
	require.Contains(t, query, "second question")
	require.Contains(t, query, "first question")
	require.NotContains(t, query, "zeroth question")
	require.NotContains(t, query, "first answer")
	require.NotContains(t, query, "second answer")

	require.Empty(t, r.QueryText([]*store.ChatMessage{msg("assistant", "only assistant")}))
}

func TestQueryTextCapsLength(t *testing.T) {
	_, r := newTestRetriever(t)
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	query := r.QueryText([]*store.ChatMessage{msg("user", string(long))})
	require.Len(t, query, 800)
}

func TestRetrieveMergesCollectionsAscendingByDistance(t *testing.T) {
	ctx := context.Background()
	vs, r := newTestRetriever(t)

	require.NoError(t, vs.Index(ctx, "docs", []Document{
		{ID: "d1", Content: "how to deploy the service"},
		{ID: "d2", Content: "unrelated cooking recipe"},
	}))
	require.NoError(t, vs.Index(ctx, "wiki", []Document{
		{ID: "w1", Content: "deploy the service with the cli"},
	}))

	collections := []*store.RAGCollection{
		{ID: "c-docs", Name: "docs", Kind: "upload", Enabled: true},
		{ID: "c-wiki", Name: "wiki", Kind: "git", Enabled: true},
		{ID: "c-off", Name: "disabled", Kind: "drive", Enabled: false},
	}

	snippets, err := r.Retrieve(ctx, collections, "how to deploy the service", 3)
	require.NoError(t, err)
	require.NotEmpty(t, snippets)
	require.LessOrEqual(t, len(snippets), 3)
	for i := 1; i < len(snippets); i++ {
		require.LessOrEqual(t, snippets[i-1].Distance, snippets[i].Distance)
	}
	for _, snip := range snippets {
		require.NotEqual(t, "disabled", snip.SourceName)
	}
}

func TestRetrieveDedupesAndTrims(t *testing.T) {
	ctx := context.Background()
	vs, r := newTestRetriever(t)

	// The same content indexed in two collections must appear once.
	require.NoError(t, vs.Index(ctx, "a", []Document{{ID: "1", Content: "shared snippet"}}))
	require.NoError(t, vs.Index(ctx, "b", []Document{{ID: "2", Content: "shared snippet"}}))
	for i := 0; i < 5; i++ {
		require.NoError(t, vs.Index(ctx, "a", []Document{
			{ID: fmt.Sprintf("filler-%d", i), Content: fmt.Sprintf("filler document %d", i)},
		}))
	}

	collections := []*store.RAGCollection{
		{ID: "ca", Name: "a", Kind: "upload", Enabled: true},
		{ID: "cb", Name: "b", Kind: "upload", Enabled: true},
	}
	snippets, err := r.Retrieve(ctx, collections, "shared snippet", 4)
	require.NoError(t, err)
	require.LessOrEqual(t, len(snippets), 4)

	seen := map[string]int{}
	for _, snip := range snippets {
		seen[snip.Content]++
	}
	require.Equal(t, 1, seen["shared snippet"])
}

func TestSnippetAnnotation(t *testing.T) {
	snip := Snippet{SourceID: "c1", SourceName: "docs", SourceKind: "git"}
	require.Equal(t, "c1|docs|git", snip.Annotation())
}

func TestRetrieveEmptyQueryReturnsNothing(t *testing.T) {
	_, r := newTestRetriever(t)
	snippets, err := r.Retrieve(context.Background(), nil, "   ", 5)
	require.NoError(t, err)
	require.Nil(t, snippets)
}
