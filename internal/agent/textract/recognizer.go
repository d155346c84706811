// Package textract recognizes printed and handwritten text with AWS Textract.
package textract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

type detectAPI interface {
	DetectDocumentText(ctx context.Context, params *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

// Recognizer only recognizes; Textract has no text rewriting counterpart.
type Recognizer struct {
	client        detectAPI
	minConfidence float32
	region        string
	logger        logger.Logger
}

func NewRecognizer(ctx context.Context, c cfg.TextractConfig, log logger.Logger) (*Recognizer, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return newRecognizer(textract.NewFromConfig(awsCfg), c, log), nil
}

func newRecognizer(client detectAPI, c cfg.TextractConfig, log logger.Logger) *Recognizer {
	return &Recognizer{
		client:        client,
		minConfidence: c.MinConfidence,
		region:        c.Region,
		logger:        log.Named("textract"),
	}
}

func (r *Recognizer) Name() string {
	return "textract(" + r.region + ")"
}

func (r *Recognizer) Recognize(ctx context.Context, image []byte, _ models.RecognizeOptions) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty image", models.ErrModelRejected)
	}

	out, err := r.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: image},
	})
	if err != nil {
		return "", classify(err)
	}

	lines := r.lines(out.Blocks)
	r.logger.Debug("Detected text",
		logger.Int("blocks", len(out.Blocks)),
		logger.Int("lines", len(lines)),
	)
	return strings.Join(lines, "\n"), nil
}

// lines keeps LINE blocks in reading order, dropping low-confidence ones.
func (r *Recognizer) lines(blocks []types.Block) []string {
	var out []string
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}
		if block.Confidence != nil && *block.Confidence < r.minConfidence {
			continue
		}
		out = append(out, aws.ToString(block.Text))
	}
	return out
}

func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ProvisionedThroughputExceededException",
		"InternalServerError", "LimitExceededException", "ServiceUnavailableException":
		return fmt.Errorf("%w: %w", models.ErrModelUnavailable, err)
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return fmt.Errorf("%w: %w", models.ErrModelUnavailable, err)
	}
	return fmt.Errorf("%w: %w", models.ErrModelRejected, err)
}
