package knowledge

import (
	"context"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fireflydesk/flydesk/internal/config"
)

// Embedder turns text into vectors. Implementations must return one
// embedding per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// maxEmbedBatchSize caps texts per upstream request.
const maxEmbedBatchSize = 2048

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an embedder for the given model. An empty
// model selects text-embedding-3-small.
func NewOpenAIEmbedder(apiKey, model string, dimensions int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dimensions <= 0 {
		dimensions = defaultDimension(model)
	}

	return &OpenAIEmbedder{
		client:     openai.NewClient(apiKey),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Dimension returns the configured embedding width.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimensions
}

// Embed generates embeddings in batches, preserving input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	for i := 0; i < len(texts); i += maxEmbedBatchSize {
		end := i + maxEmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: batch,
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return nil, fmt.Errorf("create embeddings: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embeddings response has %d items for %d inputs", len(resp.Data), len(batch))
		}
		for _, data := range resp.Data {
			results[i+data.Index] = data.Embedding
		}
	}
	return results, nil
}

// NewEmbedder builds the embedder selected by configuration. Only the
// openai provider is implemented; the model half of "provider:model"
// picks the upstream model.
func NewEmbedder(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider() {
	case "openai", "":
		return NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY"), cfg.ModelName(), cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider())
	}
}

func defaultDimension(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}
