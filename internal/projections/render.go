package projections

import (
	"strings"

	"example.com/backstage/services/blog/internal/domain"
)

// Render flattens the sections of a snapshot into markdown. Output depends
// only on the sections and their positions.
func Render(sections []domain.Section) string {
	ordered := make([]domain.Section, len(sections))
	copy(ordered, sections)
	domain.SortSections(ordered)

	blocks := make([]string, 0, len(ordered))
	for _, s := range ordered {
		if block := renderSection(s); block != "" {
			blocks = append(blocks, block)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func renderSection(s domain.Section) string {
	var b strings.Builder
	switch s.Kind {
	case domain.SectionText:
		b.WriteString(strings.TrimSpace(s.Content))
	case domain.SectionImage:
		b.WriteString("![")
		b.WriteString(s.Alt)
		b.WriteString("](")
		b.WriteString(strings.TrimSpace(s.Content))
		b.WriteString(")")
	case domain.SectionCode:
		b.WriteString("```")
		b.WriteString(s.Language)
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(s.Content, "\n"))
		b.WriteString("\n```")
	default:
		return ""
	}
	return b.String()
}
