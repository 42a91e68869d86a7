package client

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const samplePlaylist = "#EXTM3U\n#EXTINF:6.0,\nseg0.ts\n"

func encodeWith(t *testing.T, coding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "raw-deflate":
		w, err = flate.NewWriter(&buf, flate.DefaultCompression)
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		w, err = zstd.NewWriter(&buf)
	default:
		t.Fatalf("unknown coding %q", coding)
	}
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		encoding string
	}{
		{"gzip", "gzip", "gzip"},
		{"x-gzip", "x-gzip", "gzip"},
		{"deflate zlib", "deflate", "deflate"},
		{"deflate raw", "deflate", "raw-deflate"},
		{"brotli", "br", "br"},
		{"zstd", "zstd", "zstd"},
		{"mixed case", " GZip ", "gzip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := encodeWith(t, tt.encoding, []byte(samplePlaylist))
			rc, err := DecodeBody(tt.header, bytes.NewReader(data))
			if err != nil {
				t.Fatalf("DecodeBody() error = %v", err)
			}
			defer func() { _ = rc.Close() }()

			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(got) != samplePlaylist {
				t.Errorf("decoded = %q, want %q", got, samplePlaylist)
			}
		})
	}
}

func TestDecodeBody_Identity(t *testing.T) {
	for _, enc := range []string{"", "identity"} {
		rc, err := DecodeBody(enc, bytes.NewReader([]byte(samplePlaylist)))
		if err != nil {
			t.Fatalf("DecodeBody(%q) error = %v", enc, err)
		}
		got, _ := io.ReadAll(rc)
		if string(got) != samplePlaylist {
			t.Errorf("DecodeBody(%q) = %q, want passthrough", enc, got)
		}
	}
}

func TestDecodeBody_Stacked(t *testing.T) {
	// "gzip, br" means gzip was applied first, then brotli.
	data := encodeWith(t, "br", encodeWith(t, "gzip", []byte(samplePlaylist)))

	rc, err := DecodeBody("gzip, br", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != samplePlaylist {
		t.Errorf("decoded = %q, want %q", got, samplePlaylist)
	}
}

func TestDecodeBody_Unsupported(t *testing.T) {
	_, err := DecodeBody("compress", bytes.NewReader(nil))
	if !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("DecodeBody() error = %v, want ErrUnsupportedEncoding", err)
	}
}

func TestDecodeBody_CorruptGzip(t *testing.T) {
	_, err := DecodeBody("gzip", bytes.NewReader([]byte("not gzip")))
	if err == nil {
		t.Fatal("DecodeBody() expected error for corrupt gzip header, got nil")
	}
}
