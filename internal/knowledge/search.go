// Package knowledge answers similarity queries against an agent's embedded knowledge chunks.
package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/salesagent/internal/retry"
	"github.com/salesagent/pkg/models"
)

// ChunkSource reads chunks of completed knowledge files
type ChunkSource interface {
	HasCompletedKnowledge(ctx context.Context, agentID string) (bool, error)
	ListKnowledgeChunks(ctx context.Context, agentID string) ([]models.KnowledgeChunk, error)
}

// Embedder is satisfied by langchaingo's embeddings.EmbedderImpl
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// NewOpenAIEmbedder builds a langchaingo embedder over an OpenAI-compatible endpoint
func NewOpenAIEmbedder(apiKey, baseURL, model string) (*embeddings.EmbedderImpl, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}
	return embeddings.NewEmbedder(llm)
}

type Searcher struct {
	chunks   ChunkSource
	embedder Embedder
	retry    retry.RetryConfig
}

func NewSearcher(chunks ChunkSource, embedder Embedder, retryConfig retry.RetryConfig) *Searcher {
	return &Searcher{chunks: chunks, embedder: embedder, retry: retryConfig}
}

// HasKnowledge reports whether the agent has at least one completed knowledge file
func (s *Searcher) HasKnowledge(ctx context.Context, agentID string) (bool, error) {
	return s.chunks.HasCompletedKnowledge(ctx, agentID)
}

// Search returns at most topK chunks scoring at least minSimilarity, best first
func (s *Searcher) Search(ctx context.Context, agentID, query string, topK int, minSimilarity float64) ([]models.KnowledgeMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" || topK <= 0 {
		return []models.KnowledgeMatch{}, nil
	}

	var vector []float32
	res := retry.Do(ctx, s.retry, *zerolog.Ctx(ctx), func(ctx context.Context) error {
		v, err := s.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return err
		}
		vector = v
		return nil
	})
	if !res.Success {
		return nil, fmt.Errorf("failed to embed query after %d attempts: %w", res.Attempts, res.LastError)
	}

	chunks, err := s.chunks.ListKnowledgeChunks(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge chunks: %w", err)
	}

	matches := make([]models.KnowledgeMatch, 0)
	for _, c := range chunks {
		sim := CosineSimilarity(vector, c.Embedding)
		if sim < minSimilarity {
			continue
		}
		matches = append(matches, models.KnowledgeMatch{
			Content:    c.Content,
			FileName:   c.FileName,
			Similarity: sim,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// CosineSimilarity returns 0 for mismatched or zero-length vectors
func CosineSimilarity(a []float32, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x := float64(a[i])
		dot += x * b[i]
		normA += x * x
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
