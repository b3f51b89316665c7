// Package clause holds the parsed document segment value object and the
// heading-based splitter that produces it.
package clause

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
)

// Clause is an addressable excerpt of the document under review.
type Clause struct {
	ID      string `json:"clause_id"`
	Heading string `json:"heading"`
	Text    string `json:"text"`
}

// Parser turns raw document text into clauses.
type Parser interface {
	Parse(raw string) ([]Clause, error)
}

// HeadingParser splits on Markdown headings and numbered section headings.
type HeadingParser struct{}

var headingRe = regexp.MustCompile(`^(?:#{1,6}\s+(.+)|((?:\d+\.)+\d*\s+\S.*)|((?i:section|article|clause)\s+\d+.*))$`)

// Parse implements Parser.
func (HeadingParser) Parse(raw string) ([]Clause, error) {
	return Parse(raw)
}

// Parse splits raw text into clauses. Text before the first heading becomes a
// "Preamble" clause; headings without body text are dropped. Clause ids are
// c1..cN in document order.
func Parse(raw string) ([]Clause, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("document is empty")
	}

	var (
		out     []Clause
		heading = "Preamble"
		body    strings.Builder
	)
	flush := func() {
		text := strings.TrimSpace(body.String())
		body.Reset()
		if text == "" {
			return
		}
		out = append(out, Clause{
			ID:      fmt.Sprintf("c%d", len(out)+1),
			Heading: heading,
			Text:    text,
		})
	}

	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if m := headingRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			flush()
			heading = firstNonEmpty(m[1], m[2], m[3])
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	flush()

	if len(out) == 0 {
		return nil, fmt.Errorf("document has no clause text")
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Index maps clause ids to clauses.
func Index(clauses []Clause) map[string]Clause {
	idx := make(map[string]Clause, len(clauses))
	for _, c := range clauses {
		idx[c.ID] = c
	}
	return idx
}
