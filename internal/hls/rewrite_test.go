package hls

import (
	"errors"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"streamproxy-go/internal/codec"
)

func bracket(target string, _ map[string]string) string {
	return "P[" + target + "]"
}

func mustBase(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", raw, err)
	}
	return u
}

func rewriteText(t *testing.T, text, base string) *Result {
	t.Helper()
	res, err := Rewrite(mustParse(t, text), mustBase(t, base), nil, bracket)
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	return res
}

func TestRewrite_RelativeResolution(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"seg0.ts", "P[https://host/path/seg0.ts]"},
		{"/abs/seg0.ts", "P[https://host/abs/seg0.ts]"},
		{"https://cdn.example/seg0.ts", "P[https://cdn.example/seg0.ts]"},
		{"../up/seg0.ts", "P[https://host/up/seg0.ts]"},
		{"./a/./b/../seg0.ts", "P[https://host/path/a/seg0.ts]"},
		{"//cdn2.example/x.ts", "P[https://cdn2.example/x.ts]"},
		{"seg0.ts?token=abc&exp=1", "P[https://host/path/seg0.ts?token=abc&exp=1]"},
		{"  seg0.ts  ", "P[https://host/path/seg0.ts]"},
		{"HTTP://Upper.example/A.ts", "P[HTTP://Upper.example/A.ts]"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			res := rewriteText(t, tt.line, "https://host/path/stream.m3u8")
			if res.Text != tt.want {
				t.Errorf("Text = %q, want %q", res.Text, tt.want)
			}
			if res.Rewritten != 1 {
				t.Errorf("Rewritten = %d, want 1", res.Rewritten)
			}
		})
	}
}

func TestRewrite_KeyAttributeOnly(t *testing.T) {
	res := rewriteText(t,
		`#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x1234`,
		"https://host/path/stream.m3u8")
	want := `#EXT-X-KEY:METHOD=AES-128,URI="P[https://host/path/key.bin]",IV=0x1234`
	if res.Text != want {
		t.Errorf("Text = %q, want %q", res.Text, want)
	}
}

func TestRewrite_AttributeSpacingAndOrderKept(t *testing.T) {
	res := rewriteText(t,
		`#EXT-X-MAP:BYTERANGE="720@0", URI="init.mp4"`,
		"https://host/v/media.m3u8")
	want := `#EXT-X-MAP:BYTERANGE="720@0", URI="P[https://host/v/init.mp4]"`
	if res.Text != want {
		t.Errorf("Text = %q, want %q", res.Text, want)
	}
}

func TestRewrite_WhitespaceAroundURIValue(t *testing.T) {
	text := "#EXTM3U\n" +
		`#EXT-X-KEY:METHOD=AES-128,URI="key.bin" ` + "\n" +
		`#EXT-X-MAP:URI= "init.mp4"` + "\t\n" +
		"seg.ts\n"
	want := "#EXTM3U\n" +
		`#EXT-X-KEY:METHOD=AES-128,URI="P[https://cdn/a/key.bin]" ` + "\n" +
		`#EXT-X-MAP:URI= "P[https://cdn/a/init.mp4]"` + "\t\n" +
		"P[https://cdn/a/seg.ts]\n"

	res := rewriteText(t, text, "https://cdn/a/index.m3u8")
	if res.Text != want {
		t.Errorf("Text = %q, want %q", res.Text, want)
	}
	if res.Rewritten != 3 {
		t.Errorf("Rewritten = %d, want 3", res.Rewritten)
	}
}

func TestRewrite_MediaPlaylist(t *testing.T) {
	res := rewriteText(t, mediaPlaylist, "https://host/path/stream.m3u8")

	want := `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=AES-128,URI="P[https://host/path/key.bin]",IV=0x1234
#EXT-X-MAP:URI="P[https://host/path/init.mp4]",BYTERANGE="720@0"
#EXTINF:6.0,
P[https://host/path/seg0.ts]
#EXTINF:6.0,
P[https://host/abs/seg1.ts]
#EXTINF:6.0,
P[https://other.example/seg2.ts]
#EXT-X-ENDLIST
`
	if res.Text != want {
		t.Errorf("Text = %q, want %q", res.Text, want)
	}
	if res.Rewritten != 5 {
		t.Errorf("Rewritten = %d, want 5", res.Rewritten)
	}
}

func TestRewrite_MasterPlaylist(t *testing.T) {
	res := rewriteText(t, masterPlaylist, "https://cdn.example/a/master.m3u8")

	for _, want := range []string{
		`URI="P[https://cdn.example/a/audio/en.m3u8]"`,
		"\nP[https://cdn.example/a/low/index.m3u8]\n",
		"\nP[https://cdn.example/a/high/index.m3u8]\n",
		`#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=86000,URI="P[https://cdn.example/a/low/iframe.m3u8]"`,
		`#EXT-X-STREAM-INF:BANDWIDTH=1280000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=640x360,AUDIO="aud"`,
	} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("Text missing %q:\n%s", want, res.Text)
		}
	}
	if res.Rewritten != 4 {
		t.Errorf("Rewritten = %d, want 4", res.Rewritten)
	}
}

func TestRewrite_DirectivesOnlyIsByteIdentical(t *testing.T) {
	text := `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-SESSION-DATA:DATA-ID="com.example.title",URI="data.json"
#EXT-X-KEY:METHOD=NONE
#EXT-X-START:TIME-OFFSET=-12.5,PRECISE=YES
#EXT-X-DATERANGE:ID="ad1",START-DATE="2024-01-01T00:00:00Z",X-COM-EXAMPLE="a,b"
# free-form comment, with "quotes"

#EXT-X-ENDLIST
`
	res := rewriteText(t, text, "https://host/x.m3u8")
	if res.Text != text {
		t.Errorf("Text = %q, want %q", res.Text, text)
	}
	if res.Rewritten != 0 {
		t.Errorf("Rewritten = %d, want 0", res.Rewritten)
	}
}

func TestRewrite_NonHTTPSchemesUntouched(t *testing.T) {
	text := `#EXT-X-KEY:METHOD=SAMPLE-AES,URI="skd://key-id-123",KEYFORMAT="com.apple.streamingkeydelivery"
#EXT-X-KEY:METHOD=AES-128,URI="data:text/plain;base64,AAAA"
`
	if res := rewriteText(t, text, "https://host/x.m3u8"); res.Text != text {
		t.Errorf("Text = %q, want %q", res.Text, text)
	}
}

func TestRewrite_LowLatencyDirectives(t *testing.T) {
	text := `#EXT-X-PART:DURATION=0.33,URI="part1.mp4"
#EXT-X-PRELOAD-HINT:TYPE=PART,URI="part2.mp4"
#EXT-X-RENDITION-REPORT:URI="../alt/index.m3u8",LAST-MSN=10
#EXT-X-SESSION-KEY:METHOD=AES-128,URI="/keys/k1"`
	want := `#EXT-X-PART:DURATION=0.33,URI="P[https://host/live/v/part1.mp4]"
#EXT-X-PRELOAD-HINT:TYPE=PART,URI="P[https://host/live/v/part2.mp4]"
#EXT-X-RENDITION-REPORT:URI="P[https://host/live/alt/index.m3u8]",LAST-MSN=10
#EXT-X-SESSION-KEY:METHOD=AES-128,URI="P[https://host/keys/k1]"`
	if res := rewriteText(t, text, "https://host/live/v/index.m3u8"); res.Text != want {
		t.Errorf("Text = %q, want %q", res.Text, want)
	}
}

func TestRewrite_DoesNotModifyPlaylist(t *testing.T) {
	p := mustParse(t, mediaPlaylist)
	if _, err := Rewrite(p, mustBase(t, "https://host/path/stream.m3u8"), nil, bracket); err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if got := p.String(); got != mediaPlaylist {
		t.Errorf("String() after Rewrite = %q, want %q", got, mediaPlaylist)
	}
}

func TestRewrite_FailsAtomically(t *testing.T) {
	p := mustParse(t, "#EXTM3U\nseg0.ts\nseg\x01.ts\n")

	res, err := Rewrite(p, mustBase(t, "https://host/a.m3u8"), nil, bracket)
	if !errors.Is(err, ErrMalformedPlaylist) {
		t.Errorf("Rewrite() error = %v, want ErrMalformedPlaylist", err)
	}
	if res != nil {
		t.Errorf("Rewrite() result = %+v, want nil", res)
	}
}

func TestRewrite_RequiresAbsoluteBase(t *testing.T) {
	if _, err := Rewrite(mustParse(t, "seg.ts"), mustBase(t, "/relative/a.m3u8"), nil, bracket); err == nil {
		t.Error("Rewrite() with a relative base should fail")
	}
}

func TestRewrite_HeaderContextPropagates(t *testing.T) {
	c, err := codec.New("https://proxy.example", "/proxy")
	if err != nil {
		t.Fatal(err)
	}
	headers := map[string]string{"Referer": "https://host/"}

	p := mustParse(t, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nsub.m3u8\n")
	res, err := Rewrite(p, mustBase(t, "https://cdn.example/a/master.m3u8"), headers, c.Encode)
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(res.Text), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	got, err := c.DecodeURL(lines[2])
	if err != nil {
		t.Fatalf("DecodeURL() error = %v", err)
	}
	if got.Target.String() != "https://cdn.example/a/sub.m3u8" {
		t.Errorf("target = %q, want https://cdn.example/a/sub.m3u8", got.Target)
	}
	if !reflect.DeepEqual(got.Headers, headers) {
		t.Errorf("headers = %v, want %v", got.Headers, headers)
	}
}

func TestRewrite_AlreadyProxiedNotNested(t *testing.T) {
	c, err := codec.New("https://proxy.example", "/proxy")
	if err != nil {
		t.Fatal(err)
	}
	headers := map[string]string{"Referer": "https://host/"}
	base := mustBase(t, "https://cdn.example/a/b.m3u8")

	once, err := Rewrite(mustParse(t, "seg0.ts\n"), base, headers, c.Encode)
	if err != nil {
		t.Fatalf("first Rewrite() error = %v", err)
	}
	twice, err := Rewrite(mustParse(t, once.Text), base, headers, c.Encode)
	if err != nil {
		t.Fatalf("second Rewrite() error = %v", err)
	}

	if once.Text != twice.Text {
		t.Errorf("second pass = %q, want %q", twice.Text, once.Text)
	}
}
