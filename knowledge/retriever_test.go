package knowledge

import (
	"context"
	"testing"
)

func mustEncode(t *testing.T, vector []float32) []byte {
	t.Helper()
	encoded, err := EncodeVector(vector)
	if err != nil {
		t.Fatalf("encode vector: %v", err)
	}
	return encoded
}

func TestRankChunksOrdersByScore(t *testing.T) {
	chunks := []Chunk{
		{ID: 1, DocumentID: 1, ChunkIndex: 0, Text: "orthogonal", Embedding: mustEncode(t, []float32{0, 1})},
		{ID: 2, DocumentID: 1, ChunkIndex: 1, Text: "exact", Embedding: mustEncode(t, []float32{1, 0})},
		{ID: 3, DocumentID: 2, ChunkIndex: 0, Text: "diagonal", Embedding: mustEncode(t, []float32{1, 1})},
	}

	ranked := rankChunks(chunks, []float32{1, 0}, 3)
	if len(ranked) != 3 {
		t.Fatalf("expected 3 results, got %d", len(ranked))
	}
	if ranked[0].Text != "exact" || ranked[1].Text != "diagonal" || ranked[2].Text != "orthogonal" {
		t.Fatalf("unexpected order: %q, %q, %q", ranked[0].Text, ranked[1].Text, ranked[2].Text)
	}
}

func TestRankChunksTieBreaksOnChunkIndex(t *testing.T) {
	same := []float32{1, 0}
	chunks := []Chunk{
		{ID: 1, DocumentID: 1, ChunkIndex: 3, Text: "later", Embedding: mustEncode(t, same)},
		{ID: 2, DocumentID: 1, ChunkIndex: 1, Text: "earlier", Embedding: mustEncode(t, same)},
	}

	ranked := rankChunks(chunks, same, 2)
	if ranked[0].Text != "earlier" {
		t.Fatalf("expected lower chunk index first, got %q", ranked[0].Text)
	}
}

func TestRankChunksTruncatesToK(t *testing.T) {
	chunks := []Chunk{
		{ID: 1, ChunkIndex: 0, Embedding: mustEncode(t, []float32{1, 0})},
		{ID: 2, ChunkIndex: 1, Embedding: mustEncode(t, []float32{0.9, 0.1})},
		{ID: 3, ChunkIndex: 2, Embedding: mustEncode(t, []float32{0, 1})},
	}
	if got := len(rankChunks(chunks, []float32{1, 0}, 2)); got != 2 {
		t.Fatalf("expected 2 results, got %d", got)
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	r := NewRetriever(openTestDB(t), &stubEmbedder{})
	chunks, err := r.Retrieve(context.Background(), 1, "   ", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks != nil {
		t.Fatalf("expected nil result for empty query, got %v", chunks)
	}
}

func TestRetrieveZeroChunksSkipsEmbedding(t *testing.T) {
	embedder := &stubEmbedder{failAll: true}
	r := NewRetriever(openTestDB(t), embedder)

	chunks, err := r.Retrieve(context.Background(), 42, "anything", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected empty result, got %d chunks", len(chunks))
	}
	if embedder.calls != 0 {
		t.Fatalf("embedder should not be called when the brand has no chunks")
	}
}

func TestRetrieveReturnsFewerThanK(t *testing.T) {
	db := openTestDB(t)
	embedder := &stubEmbedder{vector: []float32{1, 0}}
	r := NewRetriever(db, embedder)

	for i := 0; i < 2; i++ {
		chunk := Chunk{
			DocumentID: 1,
			BrandID:    7,
			ChunkIndex: i,
			Text:       "chunk",
			Embedding:  mustEncode(t, []float32{1, 0}),
		}
		if err := db.Create(&chunk).Error; err != nil {
			t.Fatalf("seed chunk: %v", err)
		}
	}

	chunks, err := r.Retrieve(context.Background(), 7, "query", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
}
