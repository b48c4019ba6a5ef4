package ai

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
)

// LLM is the part of gollem.LLMClient the adapters use.
type LLM interface {
	NewSession(ctx context.Context, options ...gollem.SessionOption) (gollem.Session, error)
	GenerateEmbedding(ctx context.Context, dimension int, input []string) ([][]float64, error)
}

// GollemSynthesizer implements Synthesizer with a JSON-mode gollem session.
type GollemSynthesizer struct {
	llm LLM
}

// NewSynthesizer creates a synthesizer backed by llm.
func NewSynthesizer(llm LLM) *GollemSynthesizer {
	return &GollemSynthesizer{llm: llm}
}

// Synthesize implements Synthesizer.
func (s *GollemSynthesizer) Synthesize(ctx context.Context, userPrompt, systemPrompt string) (*Response, error) {
	session, err := s.llm.NewSession(ctx,
		gollem.WithSessionContentType(gollem.ContentTypeJSON),
		gollem.WithSessionResponseSchema(ResponseSchema()),
		gollem.WithSessionSystemPrompt(systemPrompt),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create LLM session")
	}

	resp, err := session.GenerateContent(ctx, gollem.Text(userPrompt))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate content from LLM")
	}
	if resp == nil || len(resp.Texts) == 0 {
		return nil, goerr.Wrap(ErrUnparseableResponse, "LLM returned no text")
	}

	return ParseResponse(resp.Texts[0])
}

// GollemEmbedder implements Embedder with gollem embeddings.
type GollemEmbedder struct {
	llm LLM
}

// NewEmbedder creates an embedder backed by llm.
func NewEmbedder(llm LLM) *GollemEmbedder {
	return &GollemEmbedder{llm: llm}
}

// Embed implements Embedder. It fails unless exactly one vector of the requested
// dimensionality comes back per input.
func (e *GollemEmbedder) Embed(ctx context.Context, texts []string, dimensions int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings, err := e.llm.GenerateEmbedding(ctx, dimensions, texts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate embedding", goerr.V("count", len(texts)))
	}
	if len(embeddings) != len(texts) {
		return nil, goerr.New("embedding count mismatch",
			goerr.V("expected", len(texts)),
			goerr.V("actual", len(embeddings)))
	}

	out := make([][]float32, len(embeddings))
	for i, emb := range embeddings {
		if len(emb) != dimensions {
			return nil, goerr.New("embedding dimension mismatch",
				goerr.V("index", i),
				goerr.V("expected", dimensions),
				goerr.V("actual", len(emb)))
		}
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}
