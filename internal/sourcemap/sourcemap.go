// Package sourcemap decodes Source Map v3 payloads and answers position
// queries in both directions: compiled position to original source, and
// original source line to the first compiled position produced from it.
package sourcemap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// xssiPrefix guards maps served to browsers; the first line is dropped when present.
const xssiPrefix = ")]}"

type Offset struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Section places an embedded map at an offset of the compiled file.
type Section struct {
	Offset Offset   `json:"offset"`
	Map    *Payload `json:"map"`
}

// Payload is the JSON document of a Source Map v3 file.
type Payload struct {
	Version        int       `json:"version"`
	File           string    `json:"file,omitempty"`
	SourceRoot     string    `json:"sourceRoot,omitempty"`
	Sources        []string  `json:"sources"`
	SourcesContent []*string `json:"sourcesContent,omitempty"`
	Names          []string  `json:"names,omitempty"`
	Mappings       string    `json:"mappings"`
	Sections       []Section `json:"sections,omitempty"`
}

// Position is a zero-based line and column.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Entry maps one compiled position. Entries decoded from single-field
// segments have no original counterpart; check HasSource before reading
// the Source fields.
type Entry struct {
	Line         int    `json:"line"`
	Column       int    `json:"column"`
	SourceURL    string `json:"sourceURL,omitempty"`
	SourceLine   int    `json:"sourceLine"`
	SourceColumn int    `json:"sourceColumn"`
}

func (e Entry) HasSource() bool { return e.SourceURL != "" }

func (e Entry) after(line, column int) bool {
	return line < e.Line || (line == e.Line && column < e.Column)
}

// SourceMap is an immutable decoded map, safe for concurrent queries.
type SourceMap struct {
	url      string
	mappings []Entry
	sources  []string
	seen     map[string]struct{}
	content  map[string]string
	reverse  map[string][]*Position
}

// Parse decodes a raw map document. sourceMappingURL is the base that
// relative source paths are resolved against.
func Parse(sourceMappingURL string, data []byte) (*SourceMap, error) {
	if bytes.HasPrefix(data, []byte(xssiPrefix)) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		} else {
			data = nil
		}
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse source map %s: %w", sourceMappingURL, err)
	}
	return New(sourceMappingURL, &p)
}

func New(sourceMappingURL string, p *Payload) (*SourceMap, error) {
	if p == nil {
		return nil, fmt.Errorf("source map %s has no payload", sourceMappingURL)
	}

	m := &SourceMap{
		url:     sourceMappingURL,
		seen:    make(map[string]struct{}),
		content: make(map[string]string),
		reverse: make(map[string][]*Position),
	}

	if len(p.Sections) > 0 {
		for i, s := range p.Sections {
			if s.Map == nil {
				return nil, fmt.Errorf("source map %s: section %d has no embedded map", sourceMappingURL, i)
			}
			if err := m.parseMap(s.Map, s.Offset.Line, s.Offset.Column); err != nil {
				return nil, fmt.Errorf("source map %s: section %d: %w", sourceMappingURL, i, err)
			}
		}
	} else if err := m.parseMap(p, 0, 0); err != nil {
		return nil, fmt.Errorf("source map %s: %w", sourceMappingURL, err)
	}

	m.buildReverse()

	// Sections normally arrive in order; only sort when they did not.
	cmp := func(a, b Entry) int {
		if a.Line != b.Line {
			return a.Line - b.Line
		}
		return a.Column - b.Column
	}
	if !slices.IsSortedFunc(m.mappings, cmp) {
		slices.SortStableFunc(m.mappings, cmp)
	}

	return m, nil
}

func (m *SourceMap) parseMap(p *Payload, line, column int) error {
	root := p.SourceRoot
	if root != "" && !strings.HasSuffix(root, "/") {
		root += "/"
	}

	sources := make([]string, len(p.Sources))
	for i, src := range p.Sources {
		u := completeURL(m.url, root+src)
		sources[i] = u
		if _, ok := m.seen[u]; !ok {
			m.seen[u] = struct{}{}
			m.sources = append(m.sources, u)
		}
		if i < len(p.SourcesContent) && p.SourcesContent[i] != nil && *p.SourcesContent[i] != "" {
			m.content[u] = *p.SourcesContent[i]
		}
	}

	var (
		sourceIndex, sourceLine, sourceColumn int
		c                                     = cursor{s: p.Mappings}
	)

	for {
		for c.peek() == ',' || c.peek() == ';' {
			if c.next() == ';' {
				line++
				column = 0
			}
		}
		if !c.hasNext() {
			break
		}

		delta, err := c.decodeVLQ()
		if err != nil {
			return err
		}
		column += delta
		if c.atSeparator() {
			m.mappings = append(m.mappings, Entry{Line: line, Column: column})
			continue
		}

		fields := [3]int{}
		for i := range fields {
			if fields[i], err = c.decodeVLQ(); err != nil {
				return err
			}
		}
		sourceIndex += fields[0]
		sourceLine += fields[1]
		sourceColumn += fields[2]
		if !c.atSeparator() {
			// Names are not kept, but the field still has to be consumed.
			if _, err := c.decodeVLQ(); err != nil {
				return err
			}
			if !c.atSeparator() {
				return fmt.Errorf("%w: segment has more than five fields at offset %d", ErrMalformedMappings, c.pos)
			}
		}

		entry := Entry{Line: line, Column: column}
		if sourceIndex >= 0 && sourceIndex < len(sources) {
			entry.SourceURL = sources[sourceIndex]
			entry.SourceLine = sourceLine
			entry.SourceColumn = sourceColumn
		}
		m.mappings = append(m.mappings, entry)
	}

	return nil
}

// buildReverse indexes the first compiled position seen for every original line.
func (m *SourceMap) buildReverse() {
	for _, e := range m.mappings {
		if !e.HasSource() || e.SourceLine < 0 {
			continue
		}
		lines := m.reverse[e.SourceURL]
		if e.SourceLine >= len(lines) {
			lines = append(lines, make([]*Position, e.SourceLine+1-len(lines))...)
			m.reverse[e.SourceURL] = lines
		}
		if lines[e.SourceLine] == nil {
			lines[e.SourceLine] = &Position{Line: e.Line, Column: e.Column}
		}
	}
}

// completeURL resolves href against base, falling back to href when base
// is not an absolute URL.
func completeURL(base, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if ref.IsAbs() {
		return href
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() || b.Scheme == "data" {
		return href
	}
	return b.ResolveReference(ref).String()
}

func (m *SourceMap) URL() string { return m.url }

// Sources lists resolved source URLs in the order they were first declared.
func (m *SourceMap) Sources() []string { return slices.Clone(m.sources) }

// SourceContent returns the inlined content of a source, if the map carried it.
func (m *SourceMap) SourceContent(sourceURL string) (string, bool) {
	s, ok := m.content[sourceURL]
	return s, ok
}

func (m *SourceMap) Mappings() []Entry { return slices.Clone(m.mappings) }

// FindEntry returns the closest entry at or before the given compiled position.
func (m *SourceMap) FindEntry(line, column int) (Entry, bool) {
	// First entry strictly after the query; the one before it is the answer.
	i, _ := slices.BinarySearchFunc(m.mappings, Position{line, column}, func(e Entry, p Position) int {
		if e.after(p.Line, p.Column) {
			return 1
		}
		return -1
	})
	if i == 0 {
		return Entry{}, false
	}
	return m.mappings[i-1], true
}

// FindEntryReversed returns the compiled position of the first mapped line
// at or after line in the given source.
func (m *SourceMap) FindEntryReversed(sourceURL string, line int) (Position, bool) {
	return m.findReversed(sourceURL, line, len(m.reverse[sourceURL]))
}

// FindEntryReversedWithin is FindEntryReversed looking at most span lines past line.
func (m *SourceMap) FindEntryReversedWithin(sourceURL string, line, span int) (Position, bool) {
	return m.findReversed(sourceURL, line, min(line+span+1, len(m.reverse[sourceURL])))
}

func (m *SourceMap) findReversed(sourceURL string, line, end int) (Position, bool) {
	lines := m.reverse[sourceURL]
	for l := max(line, 0); l < end; l++ {
		if lines[l] != nil {
			return *lines[l], true
		}
	}
	return Position{}, false
}
