// Package gemini wraps the Google GenAI SDK behind the narrow surface the
// settlement path needs: one blocking generate call per request, with an
// opaque continuation that lets a dialogue reuse the backend-side context of
// the previous result.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/nanobanana/imagebot/internal/models"
	"github.com/nanobanana/imagebot/internal/pricing"
)

var ErrNoImage = errors.New("no image in response")

type Client struct {
	client *genai.Client
	log    *slog.Logger
}

// Reference is one input image attached to a request.
type Reference struct {
	Data []byte
	MIME string
}

// Request carries the draft parameters of one generation.
type Request struct {
	Model        models.Model
	Prompt       string
	AspectRatio  string
	Resolution   string
	References   []Reference
	Continuation *Continuation
}

// Result is the outcome of one successful generation.
type Result struct {
	Data         []byte
	MIME         string
	TokensUsed   int
	Continuation *Continuation
}

// Continuation is the opaque handle for multi-turn refinement: the
// accumulated conversation contents, replayed on the next request. Callers
// must treat it as a black box.
type Continuation struct {
	contents []*genai.Content
}

func NewClient(ctx context.Context, apiKey string, log *slog.Logger) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{client: client, log: log}, nil
}

// Generate issues one GenerateContent call and extracts the first returned
// image. Any backend fault (quota, safety, malformed prompt, timeout) comes
// back as a plain error; the caller owns the refund contract.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	parts := make([]*genai.Part, 0, len(req.References)+1)
	for _, ref := range req.References {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				Data:     ref.Data,
				MIMEType: ref.MIME,
			},
		})
	}
	parts = append(parts, &genai.Part{Text: req.Prompt})

	userContent := &genai.Content{
		Role:  "user",
		Parts: parts,
	}

	var contents []*genai.Content
	if req.Continuation != nil {
		contents = append(contents, req.Continuation.contents...)
	}
	contents = append(contents, userContent)

	result, err := c.client.Models.GenerateContent(ctx, string(req.Model), contents, c.buildConfig(req))
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	image, mime, err := extractImage(result)
	if err != nil {
		return nil, err
	}

	tokens := 0
	if result.UsageMetadata != nil {
		tokens = int(result.UsageMetadata.TotalTokenCount)
	}

	c.log.Info("generation completed", "model", req.Model, "tokens", tokens, "refs", len(req.References), "dialogue", req.Continuation != nil)

	out := &Result{
		Data:       image,
		MIME:       mime,
		TokensUsed: tokens,
	}
	if pricing.Models[req.Model].SupportsDialogue {
		out.Continuation = extendContinuation(contents, result)
	}
	return out, nil
}

func (c *Client) buildConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
	}
	imageConfig := &genai.ImageConfig{}
	if req.AspectRatio != "" {
		imageConfig.AspectRatio = req.AspectRatio
	}
	if pricing.Models[req.Model].SupportsResolution {
		res := pricing.NormalizeResolution(req.Resolution)
		if res != pricing.ResolutionBase {
			imageConfig.ImageSize = res
		}
	}
	cfg.ImageConfig = imageConfig
	return cfg
}

func extractImage(result *genai.GenerateContentResponse) ([]byte, string, error) {
	if result == nil || len(result.Candidates) == 0 {
		return nil, "", ErrNoImage
	}
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mime := part.InlineData.MIMEType
				if mime == "" {
					mime = "image/png"
				}
				return part.InlineData.Data, mime, nil
			}
		}
	}
	return nil, "", ErrNoImage
}

// extendContinuation appends the model's reply to the request contents so the
// next turn sees the full exchange.
func extendContinuation(contents []*genai.Content, result *genai.GenerateContentResponse) *Continuation {
	next := make([]*genai.Content, len(contents), len(contents)+1)
	copy(next, contents)
	if len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
		// Copy so the response stays untouched.
		reply := *result.Candidates[0].Content
		if reply.Role == "" {
			reply.Role = "model"
		}
		next = append(next, &reply)
	}
	return &Continuation{contents: next}
}
