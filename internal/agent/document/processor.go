// Package document routes uploaded files to the extractor for their type.
package document

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/agent/document/docx"
	"github.com/bindrap/notesWebApp/internal/agent/document/image"
	"github.com/bindrap/notesWebApp/internal/agent/document/pdf"
	"github.com/bindrap/notesWebApp/internal/agent/document/text"
	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// Extractor turns raw file bytes into text or a normalized image.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (models.Extraction, error)
}

// Registry maps file extensions to extractors.
type Registry struct {
	extractors map[string]Extractor
	logger     logger.Logger
}

func NewRegistry(imageCfg cfg.ImageConfig, log logger.Logger) (*Registry, error) {
	img, err := image.NewProcessor(imageCfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create image processor: %w", err)
	}

	r := &Registry{extractors: make(map[string]Extractor), logger: log.Named("extract")}
	r.Register(text.New(), ".txt", ".md")
	r.Register(pdf.NewProcessor(log), ".pdf")
	r.Register(docx.New(), ".docx")
	r.Register(img, ".png", ".jpg", ".jpeg", ".bmp", ".tiff", ".tif", ".webp")
	return r, nil
}

// Register binds e to each extension, replacing earlier bindings.
func (r *Registry) Register(e Extractor, exts ...string) {
	for _, ext := range exts {
		r.extractors[strings.ToLower(ext)] = e
	}
}

func (r *Registry) Supports(filename string) bool {
	_, ok := r.extractors[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Extract picks the extractor by the extension of filename.
func (r *Registry) Extract(ctx context.Context, filename string, data []byte) (models.Extraction, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	e, ok := r.extractors[ext]
	if !ok {
		return models.Extraction{}, fmt.Errorf("%w: no extractor for %q", models.ErrExtraction, ext)
	}

	start := time.Now()
	out, err := e.Extract(ctx, data)
	if err != nil {
		return models.Extraction{}, err
	}
	r.logger.Debug("Extracted file",
		logger.String("filename", filename),
		logger.Int("chars", len(out.Text)),
		logger.Int("image_bytes", len(out.Image)),
		logger.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}
