package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"companiond/internal/observability"
)

// EmbeddingRequest is the request body sent to an OpenAI-compatible
// embeddings endpoint (self-hosted or cloud).
type EmbeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// GenerateEmbeddings embeds each text chunk for the Memory Engine's semantic
// retrieval slice. Chunks too short to carry meaning, and chunks whose
// embedding call fails, fall back to a zero vector of the configured
// dimensionality rather than failing the whole batch. The Memory Engine
// treats an all-zero vector as a failed embed, so those records are stored
// as embedding-pending and reached only by temporal retrieval until the
// background retrier embeds them.
func GenerateEmbeddings(ctx context.Context, host, apiKey, model string, dims int, chunks []string) ([][]float32, error) {
	log := observability.LoggerWithTrace(ctx)
	results := make([][]float32, len(chunks))
	var wg sync.WaitGroup
	sem := make(chan struct{}, 5)

	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if len(strings.TrimSpace(chunk)) < 10 {
				results[i] = make([]float32, dims)
				return
			}

			vec, err := fetchEmbedding(ctx, host, apiKey, model, chunk)
			if err != nil {
				log.Warn().Err(err).Int("chunk", i).Msg("memory_embed_chunk_failed")
				results[i] = make([]float32, dims)
				return
			}
			results[i] = vec
		}(i, chunk)
	}

	wg.Wait()
	return results, nil
}

func fetchEmbedding(ctx context.Context, host, apiKey, model, text string) ([]float32, error) {
	body, err := json.Marshal(EmbeddingRequest{
		Input:          []string{text},
		Model:          model,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", apiKey))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding host returned status %d", resp.StatusCode)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding host returned no data")
	}
	return parsed.Data[0].Embedding, nil
}
