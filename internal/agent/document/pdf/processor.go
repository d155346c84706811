// Package pdf extracts the text layer of PDF documents.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

const maxPageWorkers = 4

type Processor struct {
	logger logger.Logger
}

func NewProcessor(log logger.Logger) *Processor {
	return &Processor{logger: log.Named("pdf")}
}

// Extract returns the plain text of every page, pages separated by a blank
// line. Scanned PDFs without a text layer yield empty text.
func (p *Processor) Extract(ctx context.Context, data []byte) (out models.Extraction, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: malformed pdf: %v", models.ErrExtraction, r)
		}
	}()

	reader := bytes.NewReader(data)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return models.Extraction{}, fmt.Errorf("%w: failed to open pdf: %w", models.ErrExtraction, err)
	}

	numPages := pdfReader.NumPage()
	pages := make([]string, numPages)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPageWorkers)
	for i := 1; i <= numPages; i++ {
		pageNum := i
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: malformed page %d: %v", models.ErrExtraction, pageNum, r)
				}
			}()
			if err := ctx.Err(); err != nil {
				return err
			}

			page := pdfReader.Page(pageNum)
			if page.V.IsNull() {
				return nil
			}
			text, err := page.GetPlainText(nil)
			if err != nil {
				return fmt.Errorf("%w: failed to get text from page %d: %w", models.ErrExtraction, pageNum, err)
			}
			pages[pageNum-1] = cleanText(text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.Extraction{}, err
	}

	nonEmpty := pages[:0]
	for _, text := range pages {
		if text != "" {
			nonEmpty = append(nonEmpty, text)
		}
	}

	p.logger.Debug("Extracted pdf text",
		logger.Int("pages", numPages),
		logger.Int("pages_with_text", len(nonEmpty)),
	)
	return models.Extraction{Text: strings.Join(nonEmpty, "\n\n"), Pages: numPages}, nil
}

// cleanText trims trailing spaces and collapses runs of blank lines.
func cleanText(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
