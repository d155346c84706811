// Package image normalizes uploaded images before they are sent to a
// recognizer.
package image

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"

	// Registered decoders for formats the standard library lacks.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// maxPixels guards against decompression bombs.
const maxPixels = 100_000_000

type Processor struct {
	maxDimension int
	chain        []Preprocessor
	logger       logger.Logger
}

func NewProcessor(c cfg.ImageConfig, log logger.Logger) (*Processor, error) {
	chain, err := NewChain(c.Preprocess)
	if err != nil {
		return nil, err
	}
	maxDim := c.MaxDimension
	if maxDim <= 0 {
		maxDim = 2048
	}
	return &Processor{maxDimension: maxDim, chain: chain, logger: log.Named("image")}, nil
}

// Extract decodes the image, applies EXIF orientation, fits it within the
// configured bounds and runs the preprocessors. JPEG input stays JPEG;
// everything else is re-encoded as PNG.
func (p *Processor) Extract(ctx context.Context, data []byte) (models.Extraction, error) {
	conf, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return models.Extraction{}, fmt.Errorf("%w: unreadable image: %w", models.ErrExtraction, err)
	}
	if conf.Width <= 0 || conf.Height <= 0 || conf.Width*conf.Height > maxPixels {
		return models.Extraction{}, fmt.Errorf("%w: image dimensions %dx%d out of range",
			models.ErrExtraction, conf.Width, conf.Height)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return models.Extraction{}, fmt.Errorf("%w: failed to decode %s image: %w", models.ErrExtraction, format, err)
	}
	if err := ctx.Err(); err != nil {
		return models.Extraction{}, err
	}

	b := img.Bounds()
	if b.Dx() > p.maxDimension || b.Dy() > p.maxDimension {
		img = imaging.Fit(img, p.maxDimension, p.maxDimension, imaging.Lanczos)
	}
	for _, pre := range p.chain {
		img = pre.Process(img)
	}

	outFormat, mimeType := imaging.PNG, "image/png"
	if format == "jpeg" {
		outFormat, mimeType = imaging.JPEG, "image/jpeg"
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, outFormat, imaging.JPEGQuality(90)); err != nil {
		return models.Extraction{}, fmt.Errorf("%w: failed to encode image: %w", models.ErrExtraction, err)
	}

	p.logger.Debug("Normalized image",
		logger.String("format", format),
		logger.Int("width", img.Bounds().Dx()),
		logger.Int("height", img.Bounds().Dy()),
		logger.String("size", humanize.Bytes(uint64(buf.Len()))),
	)
	return models.Extraction{Image: buf.Bytes(), MimeType: mimeType, Pages: 1}, nil
}
