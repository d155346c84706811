package converters

import (
	"strings"
	"unicode"
)

const defaultPlanTitle = "Project Title"

// PlanSection is one required section of a project plan note.
type PlanSection struct {
	Heading     string
	Placeholder string
}

// PlanSections are emitted in this order, with the placeholder standing in
// for any section the model left out.
var PlanSections = []PlanSection{
	{"Goals / Objectives", "Define the main purpose and goals."},
	{"Key Features or Deliverables", "List expected outputs or features."},
	{"Tasks and Steps", "Break down the work into steps."},
	{"Estimated Timeline / Deadlines", "Set realistic deadlines."},
	{"Resources / Tools Needed", "Identify required tools or access."},
	{"Potential Risks / Challenges", "Note possible obstacles."},
	{"Next Actions", "List immediate next steps."},
}

// NormalizePlan rebuilds model output into the fixed project plan layout:
// one title, the required sections in order, every item a list entry.
// A trailing Summary section is kept.
func NormalizePlan(raw string) string {
	raw = StripCodeFences(raw)

	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	title := defaultPlanTitle
	var intro []string
	sections := make(map[string][]string)
	current := ""
	seenSection := false

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "## "):
			current = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			seenSection = true
			if _, ok := sections[current]; !ok {
				sections[current] = nil
			}
		case strings.HasPrefix(line, "# "):
			if !seenSection && title == defaultPlanTitle {
				title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			}
		case !seenSection:
			intro = append(intro, asListItem(line))
		default:
			sections[current] = append(sections[current], asListItem(line))
		}
	}

	out := []string{"# " + title}
	if len(intro) == 0 {
		intro = []string{"- Project enhancement"}
	}
	out = append(out, intro...)

	for _, s := range PlanSections {
		out = append(out, "## "+s.Heading)
		if items := lookupSection(sections, s.Heading); len(items) > 0 {
			out = append(out, items...)
		} else {
			out = append(out, "- "+s.Placeholder)
		}
	}

	if items := lookupSection(sections, "Summary"); len(items) > 0 {
		out = append(out, summaryHeading)
		for _, item := range items {
			out = append(out, strings.TrimPrefix(item, "- "))
		}
	}

	return strings.Join(out, "\n")
}

// PlaceholderPlan is returned for empty input.
func PlaceholderPlan(note string) string {
	out := []string{"# " + defaultPlanTitle, "- " + note}
	for _, s := range PlanSections {
		out = append(out, "## "+s.Heading, "- "+s.Placeholder)
	}
	return strings.Join(out, "\n")
}

func lookupSection(sections map[string][]string, heading string) []string {
	for name, items := range sections {
		if strings.EqualFold(name, heading) {
			return items
		}
	}
	return nil
}

func asListItem(line string) string {
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
		return line
	}
	if r := []rune(line); len(r) > 0 && unicode.IsDigit(r[0]) {
		return line
	}
	return "- " + line
}
