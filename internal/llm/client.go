// Package llm wraps the Gemini completion API behind a small stateless
// client interface and provides the retry taxonomy used by the worker
// engine. Workers only ever see text in, text out; parsing is the caller's
// problem.
package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Request is one prompt sent to the completion API.
type Request struct {
	Model      string
	Prompt     string
	JSONOutput bool
}

// Client is the stateless completion interface consumed by the worker
// engine. Implementations must be safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Gemini is the production Client backed by google.golang.org/genai. A
// process-wide rate limiter caps request throughput across all workers
// sharing this client.
type Gemini struct {
	client      *genai.Client
	limiter     *rate.Limiter
	temperature float32
}

// NewGemini builds a Gemini client. requestsPerMinute caps outbound calls
// process-wide; zero disables the cap.
func NewGemini(ctx context.Context, apiKey string, requestsPerMinute int) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
	}
	return &Gemini{
		client:      client,
		limiter:     limiter,
		temperature: 0.3,
	}, nil
}

// Complete sends one prompt and returns the text of the first non-empty
// candidate. Blocked or empty replies are errors; they are not retryable.
func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	if req.JSONOutput {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, req.Model,
		[]*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)},
		cfg,
	)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	text := firstText(resp)
	if text == "" {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("empty model reply")
	}
	return text, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p.Text != "" {
				return p.Text
			}
		}
	}
	return ""
}
