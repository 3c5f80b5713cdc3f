// Package openai adapts the OpenAI chat completions API to the companiond
// llm.Provider interface. companiond only ever drives this client through
// plain text turns (emotion classification prompts and dialogue generation
// prompts) and never passes tools; the tool-schema and tool-call plumbing
// below is kept but unused. There is no image generation and no Responses
// API; the self-hosted fallbacks let a local model run behind the same
// config shape.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"companiond/internal/config"
	"companiond/internal/llm"
	"companiond/internal/observability"
)

type Client struct {
	sdk         sdk.Client
	model       string
	extra       map[string]any
	logPayloads bool
	baseURL     string
	httpClient  *http.Client
}

func New(c config.OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	opts := []option.RequestOption{option.WithAPIKey(c.APIKey)}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	opts = append(opts, option.WithHTTPClient(httpClient))

	return &Client{
		sdk:         sdk.NewClient(opts...),
		model:       c.Model,
		extra:       c.ExtraParams,
		logPayloads: c.LogPayloads,
		baseURL:     c.BaseURL,
		httpClient:  httpClient,
	}
}

// isSelfHosted reports whether this client points at a local inference
// server (llama.cpp, mlx_lm) rather than api.openai.com. Self-hosted
// backends don't reliably return usage fields, so token accounting falls
// back to the /tokenize endpoint.
func (c *Client) isSelfHosted() bool {
	return c.baseURL != "" && c.baseURL != "https://api.openai.com/v1"
}

// tokenizeCount calls the llama.cpp-compatible /tokenize endpoint to obtain a
// token count for the provided text. Returns 0 on error (best-effort) so that
// cost metrics can still be emitted without failing the request.
func (c *Client) tokenizeCount(ctx context.Context, text string) int {
	if !c.isSelfHosted() || strings.TrimSpace(text) == "" {
		return 0
	}
	base := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(c.baseURL), "/"), "/v1")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tokenize", bytes.NewReader(mustJSON(map[string]any{"content": text})))
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0
	}
	var parsed struct {
		Tokens []any `json:"tokens"`
	}
	if err := json.Unmarshal(rb, &parsed); err != nil {
		return 0
	}
	return len(parsed.Tokens)
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// buildPromptText flattens chat messages into a single string for the
// self-hosted tokenizer fallback. This does not mirror chat-template
// expansion exactly but is consistent enough for cost estimation.
func buildPromptText(msgs []llm.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		if i < len(msgs)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// removeUnsupportedSchema recursively deletes keys llama.cpp's grammar
// compiler chokes on (currently: "not").
func removeUnsupportedSchema(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	delete(in, "not")
	for k, v := range in {
		switch tv := v.(type) {
		case map[string]any:
			in[k] = removeUnsupportedSchema(tv)
		case []any:
			for idx, elem := range tv {
				if mm, ok := elem.(map[string]any); ok {
					tv[idx] = removeUnsupportedSchema(mm)
				}
			}
			in[k] = tv
		}
	}
	return in
}

// sanitizeToolSchemas clones and cleans tool schemas for self-hosted llama.cpp.
func sanitizeToolSchemas(src []llm.ToolSchema) []llm.ToolSchema {
	if len(src) == 0 {
		return src
	}
	out := make([]llm.ToolSchema, 0, len(src))
	for _, s := range src {
		if s.Parameters != nil {
			cp := make(map[string]any, len(s.Parameters))
			for k, v := range s.Parameters {
				cp[k] = v
			}
			cleaned := removeUnsupportedSchema(cp)
			if len(cleaned) == 0 {
				s.Parameters = nil
			} else {
				s.Parameters = cleaned
			}
		}
		out = append(out, s)
	}
	return out
}

// Chat implements llm.Provider.Chat using OpenAI Chat Completions. It backs
// both the emotion classifier's structured-output prompts and the dialogue
// engine's generative fallback; neither passes tools today, but the schema
// plumbing is kept so a future tool-using component can reuse this client
// unchanged.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	effectiveModel := firstNonEmpty(model, c.model)
	log := observability.LoggerWithTrace(ctx)

	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(effectiveModel)}
	params.Messages = AdaptMessages(msgs)
	if len(tools) > 0 {
		if c.isSelfHosted() {
			params.Tools = AdaptSchemas(sanitizeToolSchemas(tools))
		} else {
			params.Tools = AdaptSchemas(tools)
		}
	}
	if len(c.extra) > 0 {
		params.SetExtraFields(c.extra)
	}

	ctx, span := llm.StartRequestSpan(ctx, "OpenAI Chat", effectiveModel, len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", effectiveModel).Dur("duration", dur).Msg("chat_completion_error")
		span.RecordError(err)
		return llm.Message{}, err
	}

	var out llm.Message
	if len(comp.Choices) > 0 {
		msg := comp.Choices[0].Message
		out = llm.Message{Role: "assistant", Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			switch v := tc.AsAny().(type) {
			case sdk.ChatCompletionMessageFunctionToolCall:
				if isEmptyArgs(v.Function.Arguments) {
					continue
				}
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					Name: v.Function.Name,
					Args: json.RawMessage(v.Function.Arguments),
					ID:   v.ID,
				})
			case sdk.ChatCompletionMessageCustomToolCall:
				if isEmptyArgs(v.Custom.Input) {
					continue
				}
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					Name: v.Custom.Name,
					Args: json.RawMessage(v.Custom.Input),
					ID:   v.ID,
				})
			}
		}
	}
	llm.LogRedactedResponse(ctx, comp.Choices)

	if c.isSelfHosted() {
		promptTokens := c.tokenizeCount(ctx, buildPromptText(msgs))
		completionTokens := c.tokenizeCount(ctx, out.Content)
		llm.RecordTokenAttributes(span, promptTokens, completionTokens, promptTokens+completionTokens)
		llm.RecordTokenMetrics(effectiveModel, promptTokens, completionTokens)
		out.Usage = llm.Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens}
	} else {
		llm.RecordTokenAttributes(span, int(comp.Usage.PromptTokens), int(comp.Usage.CompletionTokens), int(comp.Usage.TotalTokens))
		llm.RecordTokenMetrics(effectiveModel, int(comp.Usage.PromptTokens), int(comp.Usage.CompletionTokens))
		out.Usage = llm.Usage{PromptTokens: int(comp.Usage.PromptTokens), CompletionTokens: int(comp.Usage.CompletionTokens)}
	}

	log.With().Str("model", effectiveModel).Dur("duration", dur).
		Int("prompt_tokens", int(comp.Usage.PromptTokens)).
		Int("completion_tokens", int(comp.Usage.CompletionTokens)).
		Logger().Debug().Msg("chat_completion_ok")

	if len(comp.Choices) == 0 {
		return llm.Message{}, nil
	}
	return out, nil
}


// ChatStream implements streaming chat completions. The dialogue engine
// does not currently stream (companion responses are short enough to
// generate in one shot), but the realtime push channel is expected to grow
// incremental delivery, so this stays implemented and tested.
func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	effectiveModel := firstNonEmpty(model, c.model)
	if c.isSelfHosted() {
		return c.chatStreamSSEFallback(ctx, msgs, tools, effectiveModel, h)
	}

	log := observability.LoggerWithTrace(ctx)
	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(effectiveModel)}
	ctx, span := llm.StartRequestSpan(ctx, "OpenAI ChatStream", effectiveModel, len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)

	params.Messages = AdaptMessages(msgs)
	if len(tools) > 0 {
		params.Tools = AdaptSchemas(tools)
	}
	if len(c.extra) > 0 {
		params.SetExtraFields(c.extra)
	}
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	start := time.Now()
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	toolCalls := make(map[int]*llm.ToolCall)
	toolCallsFlushed := false
	var promptTokens, completionTokens, totalTokens int
	var assistantContent strings.Builder

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			if chunk.JSON.Usage.Valid() && chunk.JSON.Usage.Raw() != "null" {
				promptTokens = int(chunk.Usage.PromptTokens)
				completionTokens = int(chunk.Usage.CompletionTokens)
				totalTokens = int(chunk.Usage.TotalTokens)
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			h.OnDelta(delta.Content)
			assistantContent.WriteString(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			if toolCalls[idx] == nil {
				toolCalls[idx] = &llm.ToolCall{ID: tc.ID}
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args = json.RawMessage(string(toolCalls[idx].Args) + tc.Function.Arguments)
			}
		}
		if chunk.Choices[0].FinishReason != "" && !toolCallsFlushed {
			for _, tc := range toolCalls {
				if tc != nil && tc.Name != "" && !isEmptyArgsBytes(tc.Args) {
					h.OnToolCall(*tc)
				}
			}
			toolCallsFlushed = true
		}
	}

	err := stream.Err()
	dur := time.Since(start)
	base := log.With().Str("model", effectiveModel).Dur("duration", dur).
		Int("prompt_tokens", promptTokens).Int("completion_tokens", completionTokens).Logger()
	if err != nil {
		base.Error().Err(err).Msg("chat_stream_error")
		span.RecordError(err)
		return err
	}
	if c.isSelfHosted() {
		promptTokens = c.tokenizeCount(ctx, buildPromptText(msgs))
		completionTokens = c.tokenizeCount(ctx, assistantContent.String())
		totalTokens = promptTokens + completionTokens
	}
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, totalTokens)
	if promptTokens > 0 || completionTokens > 0 {
		llm.RecordTokenMetrics(effectiveModel, promptTokens, completionTokens)
	}
	base.Debug().Msg("chat_stream_ok")
	return nil
}

// chatStreamSSEFallback is a tolerant SSE reader for self-hosted servers
// (mlx_lm.server, llama.cpp) whose streaming chunk schema diverges slightly
// from OpenAI's, which otherwise aborts the SDK's stricter parser.
func (c *Client) chatStreamSSEFallback(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	log := observability.LoggerWithTrace(ctx)
	ctx, span := llm.StartRequestSpan(ctx, "OpenAI ChatStream (self-hosted)", model, len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)

	base := strings.TrimSuffix(strings.TrimSpace(c.baseURL), "/")
	body := map[string]any{"model": model, "messages": rawMessages(msgs), "stream": true}
	if len(tools) > 0 {
		body["tools"] = AdaptSchemas(sanitizeToolSchemas(tools))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(mustJSON(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		log.Error().Int("status", resp.StatusCode).RawJSON("body", observability.RedactJSON(b)).Msg("self_hosted_stream_bad_status")
		return fmt.Errorf("self-hosted chat stream: status %d", resp.StatusCode)
	}

	start := time.Now()
	var assistantContent strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			continue
		}
		if s := deltaContent(m); s != "" {
			h.OnDelta(s)
			assistantContent.WriteString(s)
			continue
		}
		if s, ok := m["response"].(string); ok && s != "" {
			h.OnDelta(s)
			assistantContent.WriteString(s)
		}
	}
	scanErr := scanner.Err()

	promptTokens := c.tokenizeCount(ctx, buildPromptText(msgs))
	completionTokens := c.tokenizeCount(ctx, assistantContent.String())
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, promptTokens+completionTokens)
	if promptTokens > 0 || completionTokens > 0 {
		llm.RecordTokenMetrics(model, promptTokens, completionTokens)
	}

	dur := time.Since(start)
	if scanErr != nil && !errors.Is(scanErr, context.Canceled) {
		log.Error().Err(scanErr).Dur("duration", dur).Msg("self_hosted_stream_scan_error")
		span.RecordError(scanErr)
		return scanErr
	}
	log.Debug().Dur("duration", dur).Msg("self_hosted_stream_ok")
	return nil
}

func deltaContent(m map[string]any) string {
	choices, ok := m["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	ch, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	delta, ok := ch["delta"].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := delta["content"].(string)
	return s
}

func rawMessages(msgs []llm.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{"role": m.Role, "content": m.Content})
	}
	return out
}

func isEmptyArgs(raw string) bool {
	t := strings.TrimSpace(raw)
	return t == "" || t == "{}" || t == "null"
}

func isEmptyArgsBytes(raw []byte) bool {
	return isEmptyArgs(string(raw))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
