package converters

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/bindrap/notesWebApp/internal/models"
)

// DocumentConverter turns enhanced text into the final artifact.
type DocumentConverter interface {
	Convert(doc ProcessedDocument, opts models.Options) ([]byte, error)
}

// ProcessedDocument is everything known about one file at formatting time.
type ProcessedDocument struct {
	Title       string
	Filename    string
	Kind        models.FileKind
	Size        int64
	Pages       int
	Body        string
	ProcessedAt time.Time
}

// DocumentMetadata is rendered as YAML front matter when requested.
type DocumentMetadata struct {
	Source    string `yaml:"source"`
	Kind      string `yaml:"kind"`
	Size      int64  `yaml:"size"`
	Pages     int    `yaml:"pages,omitempty"`
	Processed string `yaml:"processed"`
}

const (
	summaryHeading   = "## Summary"
	summarySentences = 3
	summaryMaxRunes  = 480
)

// MarkdownConverter assembles the final Markdown note. With no options set
// and a body that already starts with a heading, the output is the body
// unchanged.
type MarkdownConverter struct{}

func NewMarkdownConverter() *MarkdownConverter {
	return &MarkdownConverter{}
}

func (c *MarkdownConverter) Convert(doc ProcessedDocument, opts models.Options) ([]byte, error) {
	body := StripCodeFences(doc.Body)

	var b strings.Builder
	if opts.Metadata {
		meta := DocumentMetadata{
			Source:    doc.Filename,
			Kind:      string(doc.Kind),
			Size:      doc.Size,
			Pages:     doc.Pages,
			Processed: doc.ProcessedAt.UTC().Format(time.RFC3339),
		}
		out, err := yaml.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("failed to render metadata: %w", err)
		}
		b.WriteString("---\n")
		b.Write(out)
		b.WriteString("---\n\n")
	}

	if !hasTitle(body) && doc.Title != "" {
		b.WriteString("# " + doc.Title)
		if body != "" {
			b.WriteString("\n\n")
		}
	}
	b.WriteString(body)

	if opts.Summary && !hasSection(body, summaryHeading) {
		if summary := Summarize(body); summary != "" {
			b.WriteString("\n\n" + summaryHeading + "\n\n" + summary)
		}
	}

	return []byte(b.String()), nil
}

// StripCodeFences removes a code fence wrapping the whole text, which
// language models add despite being told not to.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	firstNL := strings.IndexByte(text, '\n')
	if firstNL < 0 {
		return strings.TrimSpace(strings.Trim(text, "`"))
	}
	inner := text[firstNL+1:]
	inner = strings.TrimRightFunc(inner, unicode.IsSpace)
	inner = strings.TrimSuffix(inner, "```")
	return strings.TrimSpace(inner)
}

// Summarize extracts the first few sentences of prose from a Markdown body.
func Summarize(body string) string {
	var prose []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "---") {
			continue
		}
		line = strings.TrimLeft(line, "-*+> ")
		if line != "" {
			prose = append(prose, line)
		}
	}
	text := strings.Join(prose, " ")
	if text == "" {
		return ""
	}

	var out strings.Builder
	sentences := 0
	for i, r := range text {
		out.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			next := i + 1
			if next >= len(text) || text[next] == ' ' {
				sentences++
				if sentences == summarySentences {
					break
				}
			}
		}
	}

	summary := strings.TrimSpace(out.String())
	if runes := []rune(summary); len(runes) > summaryMaxRunes {
		summary = strings.TrimSpace(string(runes[:summaryMaxRunes])) + "…"
	}
	return summary
}

func hasTitle(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.HasPrefix(line, "# ")
	}
	return false
}

func hasSection(body, heading string) bool {
	for _, line := range strings.Split(body, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), heading) {
			return true
		}
	}
	return false
}
