// Package prompt holds the instructions sent to the language models.
package prompt

import (
	"fmt"
	"strings"

	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/converters"
)

// Transcribe asks a vision model for a verbatim transcription.
const Transcribe = `You are a careful OCR assistant.
Copy every piece of visible text exactly as written.
- Keep line breaks and punctuation.
- Do not add headings, explanations or commentary.
- Reply with the transcribed text only.`

// Plan builds the prompt that turns raw notes into a Markdown project plan.
func Plan(text string, opts models.EnhanceOptions) string {
	var b strings.Builder
	b.WriteString("You write project plans in Markdown and nothing else.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- The first line is a level one heading with a short title for the project.\n")
	b.WriteString("- Then use exactly these level two sections, in this order:\n")
	for _, s := range converters.PlanSections {
		fmt.Fprintf(&b, "  ## %s\n", s.Heading)
	}
	b.WriteString("- Use bullet points under every section.\n")
	b.WriteString("- Do not wrap the answer in a code block and never write triple backticks.\n")
	b.WriteString("- When something is missing, make a reasonable assumption.\n")
	if opts.Summary {
		b.WriteString("- Finish with a \"## Summary\" section of at most three sentences.\n")
	}
	if opts.Title != "" {
		fmt.Fprintf(&b, "\nThe notes come from a file named %q.\n", opts.Title)
	}
	b.WriteString("\nNotes:\n")
	b.WriteString(text)
	b.WriteString("\n\nPlan:\n")
	return b.String()
}

// EmptyInput is the note placed in the plan when there was nothing to enhance.
const EmptyInput = "No text was found in the source file."
