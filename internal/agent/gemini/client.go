// Package gemini recognizes and enhances notes with Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/agent/prompt"
	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/converters"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// ErrInvalidConfig is returned by NewClient for a missing key or model.
var ErrInvalidConfig = errors.New("invalid gemini configuration")

// contentGenerator is the part of *genai.Models the client uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	models contentGenerator
	model  string
	logger logger.Logger
}

func NewClient(ctx context.Context, config cfg.GeminiConfig, log logger.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: api key cannot be empty", ErrInvalidConfig)
	}
	if config.Model == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create client: %v", ErrInvalidConfig, err)
	}
	return newClient(client.Models, config.Model, log), nil
}

func newClient(gen contentGenerator, model string, log logger.Logger) *Client {
	return &Client{models: gen, model: model, logger: log.Named("gemini")}
}

func (c *Client) Name() string {
	return "gemini(" + c.model + ")"
}

func (c *Client) Recognize(ctx context.Context, image []byte, opts models.RecognizeOptions) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty image", models.ErrModelRejected)
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}

	content := &genai.Content{
		Role: "user",
		Parts: []*genai.Part{
			{Text: prompt.Transcribe},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: image}},
		},
	}
	out, err := c.generate(ctx, content, 0)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) Enhance(ctx context.Context, text string, opts models.EnhanceOptions) (string, error) {
	if strings.TrimSpace(text) == "" {
		return converters.PlaceholderPlan(prompt.EmptyInput), nil
	}

	content := &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: prompt.Plan(text, opts)}},
	}
	out, err := c.generate(ctx, content, 0.1)
	if err != nil {
		return "", err
	}
	return converters.NormalizePlan(out), nil
}

func (c *Client) generate(ctx context.Context, content *genai.Content, temperature float32) (string, error) {
	resp, err := c.models.GenerateContent(ctx, c.model, []*genai.Content{content}, &genai.GenerateContentConfig{
		Temperature: &temperature,
	})
	if err != nil {
		return "", classify(err)
	}

	switch {
	case resp == nil:
		return "", fmt.Errorf("%w: nil response", models.ErrModelRejected)
	case len(resp.Candidates) == 0:
		return "", fmt.Errorf("%w: no content generated", models.ErrModelRejected)
	case resp.Candidates[0].FinishReason == genai.FinishReasonSafety:
		return "", fmt.Errorf("%w: content blocked by safety filters", models.ErrModelRejected)
	case resp.Candidates[0].Content == nil:
		return "", fmt.Errorf("%w: empty content in response", models.ErrModelRejected)
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}

	if usage := resp.UsageMetadata; usage != nil {
		c.logger.Debug("Generation finished",
			logger.Int("prompt_tokens", int(usage.PromptTokenCount)),
			logger.Int("candidate_tokens", int(usage.CandidatesTokenCount)),
		)
	}
	return b.String(), nil
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code == http.StatusRequestTimeout || apiErr.Code >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %w", models.ErrModelUnavailable, err)
		}
		return fmt.Errorf("%w: %w", models.ErrModelRejected, err)
	}
	return err
}
