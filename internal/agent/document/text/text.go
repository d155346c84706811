// Package text decodes plain text and Markdown uploads.
package text

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/bindrap/notesWebApp/internal/models"
)

type Extractor struct{}

func New() *Extractor {
	return &Extractor{}
}

// Extract decodes data as UTF-8, honoring a UTF-8 or UTF-16 byte order mark.
// Invalid sequences become U+FFFD and line endings are normalized to \n.
func (e *Extractor) Extract(_ context.Context, data []byte) (models.Extraction, error) {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	decoded, _, err := transform.Bytes(decoder, data)
	if err != nil {
		return models.Extraction{}, fmt.Errorf("%w: failed to decode text: %w", models.ErrExtraction, err)
	}

	s := strings.ToValidUTF8(string(decoded), "\uFFFD")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return models.Extraction{Text: s, Pages: 1}, nil
}
