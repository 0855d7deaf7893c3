package parser

import (
	"regexp"

	"regulatory-rag/internal/models"
)

// SectionSplitter produces ordered section texts from a document's text.
type SectionSplitter interface {
	Split(text string) []string
}

// HeadingSplitter cuts text at every heading match. Each section runs from its
// heading up to the next heading or the end of the text; text before the first
// heading is not part of any section.
type HeadingSplitter struct {
	heading *regexp.Regexp
}

var sectionNumberRe = regexp.MustCompile(models.SectionNumberRegex)

// NewHeadingSplitter compiles pattern, falling back to the Section/Regulation/Article markers.
func NewHeadingSplitter(pattern string) (*HeadingSplitter, error) {
	if pattern == "" {
		pattern = models.SectionHeadingRegex
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &HeadingSplitter{heading: re}, nil
}

// DefaultSplitter returns the splitter for regulatory headings.
func DefaultSplitter() *HeadingSplitter {
	return &HeadingSplitter{heading: regexp.MustCompile(models.SectionHeadingRegex)}
}

func (s *HeadingSplitter) Split(text string) []string {
	locs := s.heading.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}

	sections := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections = append(sections, text[loc[0]:end])
	}
	return sections
}

// ExtractSectionNumber returns the first "Section <n>[.<n>...]" label, or "Unknown".
func ExtractSectionNumber(section string) string {
	if m := sectionNumberRe.FindString(section); m != "" {
		return m
	}
	return models.UnknownSection
}
