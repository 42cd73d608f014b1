package embedding

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultOpenAIModel is the default OpenAI embedding model.
	DefaultOpenAIModel = "text-embedding-3-small"

	// DefaultOpenAIDimension is the dimension of text-embedding-3-small.
	DefaultOpenAIDimension = 1536
)

// OpenAIEmbedder implements the Embedder interface using the OpenAI API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIEmbedder creates an OpenAI embedder for the given API key and model.
func NewOpenAIEmbedder(apiKey, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}

	dim := DefaultOpenAIDimension
	if model == "text-embedding-3-large" {
		dim = 3072
	}

	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  model,
		dim:    dim,
	}, nil
}

// Embed generates an embedding vector for a single text input.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("cannot embed empty text")
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings request: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data returned from OpenAI")
	}

	return toFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch generates embeddings for multiple texts in a single request.
// The API tags every datum with the index of its input; the tags are passed
// through untouched so that Align can restore request order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]IndexedVector, error) {
	if len(texts) == 0 {
		return []IndexedVector{}, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings request: %w", err)
	}

	batch := make([]IndexedVector, 0, len(resp.Data))
	for _, datum := range resp.Data {
		batch = append(batch, IndexedVector{
			Index:  datum.Index,
			Vector: toFloat32(datum.Embedding),
		})
	}

	return batch, nil
}

// Dimension returns the embedding dimension.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

// ModelName returns the name of the embedding model being used.
func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}

func toFloat32(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// Ensure OpenAIEmbedder implements Embedder interface.
var _ Embedder = (*OpenAIEmbedder)(nil)
