package knowledge

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"gorm.io/gorm"
)

// Retriever answers similarity queries over a brand's persisted chunk
// vectors. Scoring is a brute-force cosine scan, which keeps the store
// contract simple; an ANN-backed store can replace it behind the same
// signature.
type Retriever struct {
	db       *gorm.DB
	embedder Embedder
}

func NewRetriever(db *gorm.DB, embedder Embedder) *Retriever {
	return &Retriever{db: db, embedder: embedder}
}

// Retrieve embeds the query and returns the k most similar chunks for the
// brand, highest cosine similarity first. A brand with no chunks yields an
// empty result, not an error, and the embedding call is skipped.
func (r *Retriever) Retrieve(ctx context.Context, brandID uint64, query string, k int) ([]ScoredChunk, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("knowledge: retriever is not configured")
	}
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}

	var chunks []Chunk
	if err := r.db.WithContext(ctx).
		Where("brand_id = ?", brandID).
		Order("document_id ASC, chunk_index ASC").
		Find(&chunks).Error; err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return []ScoredChunk{}, nil
	}

	vectors, err := r.embedder.Embed(ctx, []string{trimmed})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return []ScoredChunk{}, nil
	}

	return rankChunks(chunks, vectors[0], k), nil
}

// rankChunks orders chunks by cosine similarity descending. Ties break on
// lower chunk_index (then document id) so identical inputs always produce
// identical output.
func rankChunks(chunks []Chunk, queryVector []float32, k int) []ScoredChunk {
	scored := make([]ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		scored = append(scored, ScoredChunk{
			Chunk: chunk,
			Score: cosineSimilarity(queryVector, DecodeVector(chunk.Embedding)),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].ChunkIndex != scored[j].ChunkIndex {
			return scored[i].ChunkIndex < scored[j].ChunkIndex
		}
		return scored[i].DocumentID < scored[j].DocumentID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
