// Package ollama talks to a local Ollama server over its REST API.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/agent/prompt"
	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/converters"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// GenerateResponse is the non-streaming answer of /api/generate.
type GenerateResponse struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	LoadDuration    int64  `json:"load_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	EvalDuration    int64  `json:"eval_duration,omitempty"`
	Error           string `json:"error,omitempty"`
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Images  []string               `json:"images,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// Client recognizes images with a vision model and enhances text with a
// text model, both served by the same Ollama endpoint.
type Client struct {
	endpoint    string
	visionModel string
	textModel   string
	numCtx      int
	httpClient  *http.Client
	logger      logger.Logger
}

// NewClient does not contact the server; use Ping for that. Timeouts come
// from the caller's context.
func NewClient(config cfg.OllamaConfig, log logger.Logger) *Client {
	numCtx := config.NumCtx
	if numCtx <= 0 {
		numCtx = 4096
	}
	return &Client{
		endpoint:    strings.TrimRight(config.Endpoint, "/"),
		visionModel: config.VisionModel,
		textModel:   config.TextModel,
		numCtx:      numCtx,
		httpClient:  &http.Client{},
		logger:      log.Named("ollama"),
	}
}

func (c *Client) Name() string {
	return "ollama(" + c.visionModel + "," + c.textModel + ")"
}

func (c *Client) Recognize(ctx context.Context, image []byte, _ models.RecognizeOptions) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty image", models.ErrModelRejected)
	}

	out, err := c.generate(ctx, generateRequest{
		Model:   c.visionModel,
		Prompt:  prompt.Transcribe,
		Images:  []string{base64.StdEncoding.EncodeToString(image)},
		Options: map[string]interface{}{"temperature": 0.0},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) Enhance(ctx context.Context, text string, opts models.EnhanceOptions) (string, error) {
	if strings.TrimSpace(text) == "" {
		return converters.PlaceholderPlan(prompt.EmptyInput), nil
	}

	out, err := c.generate(ctx, generateRequest{
		Model:  c.textModel,
		Prompt: prompt.Plan(text, opts),
		Options: map[string]interface{}{
			"temperature": 0.1,
			"num_ctx":     c.numCtx,
		},
	})
	if err != nil {
		return "", err
	}
	return converters.NormalizePlan(out), nil
}

// ErrModelMissing means a configured model is not pulled on the server.
var ErrModelMissing = fmt.Errorf("%w: model not installed", models.ErrModelRejected)

type tagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// Ping checks that the server answers /api/tags and lists both configured
// models.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ollama unreachable: %w", models.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return classifyStatus(resp.StatusCode, "")
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("%w: failed to decode model list: %w", models.ErrModelUnavailable, err)
	}
	installed := make(map[string]bool, len(tags.Models))
	for _, m := range tags.Models {
		installed[modelTag(m.Name)] = true
		installed[modelTag(m.Model)] = true
	}

	var missing []string
	for _, name := range []string{c.visionModel, c.textModel} {
		if !installed[modelTag(name)] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrModelMissing, strings.Join(missing, ", "))
	}
	return nil
}

// modelTag spells out the implicit :latest tag.
func modelTag(name string) string {
	if name == "" || strings.Contains(name, ":") {
		return name
	}
	return name + ":latest"
}

func (c *Client) generate(ctx context.Context, body generateRequest) (string, error) {
	reqData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal request: %w", models.ErrModelRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(reqData))
	if err != nil {
		return "", fmt.Errorf("%w: failed to create request: %w", models.ErrModelRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", classifyStatus(resp.StatusCode, string(msg))
	}

	var result GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: failed to decode response: %w", models.ErrModelUnavailable, err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("%w: ollama error: %s", models.ErrModelRejected, result.Error)
	}

	c.logger.Debug("Generation finished",
		logger.String("model", result.Model),
		logger.Int("prompt_tokens", result.PromptEvalCount),
		logger.Int("eval_tokens", result.EvalCount),
	)
	return result.Response, nil
}

func classifyStatus(code int, body string) error {
	err := fmt.Errorf("unexpected status code %d: %s", code, strings.TrimSpace(body))
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %w", models.ErrModelUnavailable, err)
	}
	return fmt.Errorf("%w: %w", models.ErrModelRejected, err)
}
