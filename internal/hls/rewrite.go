package hls

import (
	"fmt"
	"net/url"
	"strings"
)

// EncodeFunc turns an absolute upstream URL plus its header context into the
// URL the client should request instead.
type EncodeFunc func(target string, headers map[string]string) string

// Result is the outcome of a successful rewrite.
type Result struct {
	Text      string
	Rewritten int
}

// Rewrite substitutes every URI reference line and every URI attribute of a
// URI-bearing directive with encode(absoluteURL, headers). Relative references
// are resolved against base. Everything else is reproduced unchanged.
// Rewrite performs no I/O and does not modify p; on error no text is produced.
func Rewrite(p *Playlist, base *url.URL, headers map[string]string, encode EncodeFunc) (*Result, error) {
	if base == nil || !base.IsAbs() {
		return nil, fmt.Errorf("hls: base url must be absolute")
	}

	out := make([]string, len(p.Lines))
	n := 0
	for i, l := range p.Lines {
		out[i] = l.Raw

		switch {
		case l.Kind == URIRef:
			abs, ok, err := resolve(base, strings.TrimSpace(l.Raw))
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedPlaylist, i+1, err)
			}
			if ok {
				out[i] = encode(abs, headers)
				n++
			}

		case l.HasURI():
			ref, _ := l.Attr("URI")
			abs, ok, err := resolve(base, strings.TrimSpace(ref))
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %s URI: %v", ErrMalformedPlaylist, i+1, l.Tag, err)
			}
			if ok {
				out[i] = l.withAttr("URI", encode(abs, headers))
				n++
			}
		}
	}

	return &Result{Text: p.join(out), Rewritten: n}, nil
}

// resolve returns the absolute form of ref. Absolute references are returned
// as written. ok is false for references the proxy cannot fetch (non-http
// schemes such as skd:// or data:).
func resolve(base *url.URL, ref string) (string, bool, error) {
	if ref == "" {
		return "", false, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false, err
	}

	abs := ref
	if !u.IsAbs() {
		u = base.ResolveReference(u)
		abs = u.String()
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return abs, true, nil
	default:
		return "", false, nil
	}
}
