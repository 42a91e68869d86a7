// Package hls parses HLS playlists into a line-oriented model that serializes
// back to the exact input text, and rewrites the URIs it references.
package hls

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrMalformedPlaylist is returned for a body that is not valid playlist text.
var ErrMalformedPlaylist = errors.New("malformed playlist")

const bom = "\ufeff"

// LineKind classifies a playlist line.
type LineKind int

// Line kinds.
const (
	Blank LineKind = iota
	Comment
	Directive
	URIRef
)

func (k LineKind) String() string {
	switch k {
	case Blank:
		return "blank"
	case Comment:
		return "comment"
	case Directive:
		return "directive"
	case URIRef:
		return "uri"
	}
	return fmt.Sprintf("LineKind(%d)", int(k))
}

// uriTags are the directives whose URI attribute references a fetchable resource.
// EXT-X-SESSION-DATA is deliberately absent.
var uriTags = map[string]bool{
	"EXT-X-KEY":                true,
	"EXT-X-SESSION-KEY":        true,
	"EXT-X-MAP":                true,
	"EXT-X-MEDIA":              true,
	"EXT-X-I-FRAME-STREAM-INF": true,
	"EXT-X-PART":               true,
	"EXT-X-PRELOAD-HINT":       true,
	"EXT-X-RENDITION-REPORT":   true,
}

// Attribute is one NAME=VALUE pair of a directive attribute list.
// Name keeps any surrounding whitespace exactly as written; whitespace around
// the value is held in Lead and Trail so Value is always bare.
type Attribute struct {
	Name   string
	Value  string
	Quoted bool
	Lead   string
	Trail  string
}

// Key returns the attribute name without surrounding whitespace.
func (a Attribute) Key() string {
	return strings.TrimSpace(a.Name)
}

func (a Attribute) String() string {
	v := a.Value
	if a.Quoted {
		v = `"` + v + `"`
	}
	return a.Name + "=" + a.Lead + v + a.Trail
}

// Line is a single playlist line. Raw never includes the line terminator.
// Tag and Attrs are set for directives only.
type Line struct {
	Kind  LineKind
	Raw   string
	Tag   string
	Attrs []Attribute
}

// Attr returns the value of the named attribute.
func (l *Line) Attr(name string) (string, bool) {
	for _, a := range l.Attrs {
		if a.Key() == name {
			return a.Value, true
		}
	}
	return "", false
}

// HasURI reports whether the line is a directive carrying a rewritable URI attribute.
func (l *Line) HasURI() bool {
	if l.Kind != Directive || !uriTags[l.Tag] {
		return false
	}
	_, ok := l.Attr("URI")
	return ok
}

// withAttr renders the directive with the named attribute's value replaced.
// All other attributes keep their exact text and order.
func (l *Line) withAttr(name, value string) string {
	var b strings.Builder
	b.WriteString("#" + l.Tag + ":")
	for i, a := range l.Attrs {
		if i > 0 {
			b.WriteByte(',')
		}
		if a.Key() == name {
			a.Value = value
		}
		b.WriteString(a.String())
	}
	return b.String()
}

// Playlist is a parsed HLS manifest.
type Playlist struct {
	Lines           []*Line
	TrailingNewline bool
	BOM             bool
}

// IsMaster reports whether the playlist announces variant streams.
func (p *Playlist) IsMaster() bool {
	for _, l := range p.Lines {
		if l.Kind != URIRef && strings.HasPrefix(l.Raw, "#EXT-X-STREAM-INF") {
			return true
		}
	}
	return false
}

// Kind returns "master" or "media".
func (p *Playlist) Kind() string {
	if p.IsMaster() {
		return "master"
	}
	return "media"
}

// String serializes the playlist. Unmodified input round-trips exactly,
// except that CRLF terminators become LF.
func (p *Playlist) String() string {
	raws := make([]string, len(p.Lines))
	for i, l := range p.Lines {
		raws[i] = l.Raw
	}
	return p.join(raws)
}

func (p *Playlist) join(lines []string) string {
	var b strings.Builder
	if p.BOM {
		b.WriteString(bom)
	}
	b.WriteString(strings.Join(lines, "\n"))
	if p.TrailingNewline {
		b.WriteByte('\n')
	}
	return b.String()
}

// Parse parses playlist text. It fails only when data is not valid UTF-8 text;
// lines it does not understand are kept as comments.
func Parse(data []byte) (*Playlist, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrMalformedPlaylist)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, fmt.Errorf("%w: body contains NUL bytes", ErrMalformedPlaylist)
	}

	p := &Playlist{}
	text := string(data)
	if strings.HasPrefix(text, bom) {
		p.BOM = true
		text = text[len(bom):]
	}
	if text == "" {
		return p, nil
	}
	if strings.HasSuffix(text, "\n") {
		p.TrailingNewline = true
		text = text[:len(text)-1]
	}

	raw := strings.Split(text, "\n")
	p.Lines = make([]*Line, 0, len(raw))
	for _, r := range raw {
		p.Lines = append(p.Lines, parseLine(strings.TrimSuffix(r, "\r")))
	}
	return p, nil
}

func parseLine(raw string) *Line {
	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "":
		return &Line{Kind: Blank, Raw: raw}
	case strings.HasPrefix(raw, "#"):
		if tag, attrs, ok := parseDirective(raw); ok {
			return &Line{Kind: Directive, Raw: raw, Tag: tag, Attrs: attrs}
		}
		return &Line{Kind: Comment, Raw: raw}
	case strings.HasPrefix(trimmed, "#"):
		// Indented tags are not valid directives; keep them verbatim.
		return &Line{Kind: Comment, Raw: raw}
	default:
		return &Line{Kind: URIRef, Raw: raw}
	}
}

// parseDirective matches #TAG:NAME=VALUE[,NAME=VALUE...] where values are
// either bare or double-quoted. Commas inside quotes do not split.
func parseDirective(raw string) (string, []Attribute, bool) {
	colon := strings.IndexByte(raw, ':')
	if colon < 2 {
		return "", nil, false
	}
	tag := raw[1:colon]
	if !isName(tag) {
		return "", nil, false
	}

	parts, ok := splitAttributes(raw[colon+1:])
	if !ok {
		return "", nil, false
	}

	attrs := make([]Attribute, 0, len(parts))
	for _, part := range parts {
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return "", nil, false
		}
		name, raw := part[:eq], part[eq+1:]
		if !isName(strings.TrimSpace(name)) {
			return "", nil, false
		}

		value := strings.TrimLeft(raw, " \t")
		lead := raw[:len(raw)-len(value)]
		value = strings.TrimRight(value, " \t")
		trail := raw[len(lead)+len(value):]

		a := Attribute{Name: name, Value: value, Lead: lead, Trail: trail}
		switch {
		case strings.HasPrefix(value, `"`):
			if len(value) < 2 || !strings.HasSuffix(value, `"`) || strings.Contains(value[1:len(value)-1], `"`) {
				return "", nil, false
			}
			a.Value = value[1 : len(value)-1]
			a.Quoted = true
		case strings.Contains(value, `"`):
			return "", nil, false
		}
		attrs = append(attrs, a)
	}
	return tag, attrs, true
}

// splitAttributes splits s on commas outside double quotes. It fails on an
// unterminated quote.
func splitAttributes(s string) ([]string, bool) {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if inQuote {
		return nil, false
	}
	return append(parts, s[start:]), true
}

func isName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}
