// Package docx extracts paragraph text from Office Open XML documents.
package docx

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/bindrap/notesWebApp/internal/models"
)

const (
	documentPart = "word/document.xml"
	wordNS       = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

	// maxDocumentXML caps the decompressed size of the main part.
	maxDocumentXML = 64 << 20
)

type Extractor struct{}

func New() *Extractor {
	return &Extractor{}
}

// Extract returns one line per paragraph. Tabs and explicit breaks are kept.
func (e *Extractor) Extract(ctx context.Context, data []byte) (models.Extraction, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return models.Extraction{}, fmt.Errorf("%w: not a docx archive: %w", models.ErrExtraction, err)
	}

	var part *zip.File
	for _, f := range zr.File {
		if f.Name == documentPart {
			part = f
			break
		}
	}
	if part == nil {
		return models.Extraction{}, fmt.Errorf("%w: %s missing", models.ErrExtraction, documentPart)
	}

	rc, err := part.Open()
	if err != nil {
		return models.Extraction{}, fmt.Errorf("%w: failed to open %s: %w", models.ErrExtraction, documentPart, err)
	}
	defer rc.Close()

	text, err := paragraphs(ctx, io.LimitReader(rc, maxDocumentXML))
	if err != nil {
		return models.Extraction{}, fmt.Errorf("%w: failed to parse %s: %w", models.ErrExtraction, documentPart, err)
	}
	return models.Extraction{Text: text, Pages: 1}, nil
}

func paragraphs(ctx context.Context, r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)

	var (
		out    []string
		line   strings.Builder
		inText bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				line.WriteByte('\t')
			case "br", "cr":
				line.WriteByte('\n')
			}
		case xml.EndElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				out = append(out, strings.TrimRight(line.String(), " \t"))
				line.Reset()
			}
		case xml.CharData:
			if inText {
				line.Write(t)
			}
		}
	}
	if line.Len() > 0 {
		out = append(out, line.String())
	}
	return strings.TrimSpace(strings.Join(out, "\n")), nil
}
