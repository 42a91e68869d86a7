package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding the proxy cannot decode.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// DecodeBody wraps r so that reads return the identity form of a body sent
// with the given Content-Encoding. Stacked encodings ("gzip, br") are undone
// in reverse order. Closing the result releases decoder resources but does
// not close r.
func DecodeBody(encoding string, r io.Reader) (io.ReadCloser, error) {
	var codings []string
	for _, c := range strings.Split(encoding, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && c != "identity" {
			codings = append(codings, c)
		}
	}

	rc := &decodedBody{Reader: r}
	for i := len(codings) - 1; i >= 0; i-- {
		if err := rc.push(codings[i]); err != nil {
			_ = rc.Close()
			return nil, err
		}
	}
	return rc, nil
}

// decodedBody is a stack of decoders; the outermost one is Reader.
type decodedBody struct {
	io.Reader
	closers []func() error
}

func (d *decodedBody) push(coding string) error {
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(d.Reader)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		d.Reader = zr
		d.closers = append(d.closers, zr.Close)
	case "deflate":
		zr, err := newDeflateReader(d.Reader)
		if err != nil {
			return fmt.Errorf("deflate: %w", err)
		}
		d.Reader = zr
		d.closers = append(d.closers, zr.Close)
	case "br":
		d.Reader = brotli.NewReader(d.Reader)
	case "zstd":
		zr, err := zstd.NewReader(d.Reader)
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		d.Reader = zr
		d.closers = append(d.closers, func() error { zr.Close(); return nil })
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
	}
	return nil
}

func (d *decodedBody) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// newDeflateReader accepts both zlib-wrapped (RFC 1950, what "deflate" means
// in HTTP) and raw RFC 1951 streams, which some servers send instead.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(hdr) == 2 && hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}
