package agent

import (
	"strings"
	"testing"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame(`{"status":"success","result":"hello","newSessionId":"S1"}`)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.Status != "success" || f.Result != "hello" || f.NewSessionID != "S1" {
		t.Errorf("frame fields wrong: %+v", f)
	}
}

func TestParseFrameErrors(t *testing.T) {
	cases := []string{
		`not json`,
		`{"status":"weird"}`,
		`{}`,
	}
	for _, raw := range cases {
		if _, err := ParseFrame(raw); err == nil {
			t.Errorf("ParseFrame(%q) should fail", raw)
		}
	}
}

func TestStripInternal(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"hello", "hello"},
		{"<internal>thinking</internal>answer", "answer"},
		{"a<internal>x</internal>b<internal>y</internal>c", "abc"},
		{"pre <internal>multi\nline</internal> post", "pre  post"},
		{"<internal>only</internal>", ""},
	}
	for _, c := range cases {
		if got := StripInternal(c.in); got != c.want {
			t.Errorf("StripInternal(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatMessages(t *testing.T) {
	msgs := []store.Message{
		{SenderName: "Alice", Timestamp: "2024-03-01T12:00:00.000Z", Content: "pizza tonight?"},
		{SenderName: "Bob", Timestamp: "2024-03-01T12:00:01.000Z", Content: "sure"},
	}

	got := FormatMessages(msgs)

	if !strings.HasPrefix(got, "<messages>\n") || !strings.HasSuffix(got, "</messages>") {
		t.Errorf("envelope missing: %q", got)
	}
	want := `<message sender="Alice" time="2024-03-01T12:00:00.000Z">pizza tonight?</message>`
	if !strings.Contains(got, want) {
		t.Errorf("missing entry %q in %q", want, got)
	}
	if strings.Index(got, "Alice") > strings.Index(got, "Bob") {
		t.Error("messages out of order")
	}
}

func TestFormatMessagesEscaping(t *testing.T) {
	msgs := []store.Message{
		{SenderName: `A<&>"B`, Timestamp: "t", Content: `1 < 2 && "quoted"`},
	}

	got := FormatMessages(msgs)

	if strings.Contains(got, `A<&>`) {
		t.Errorf("sender not escaped: %q", got)
	}
	if !strings.Contains(got, "A&lt;&amp;&gt;&quot;B") {
		t.Errorf("sender escaping wrong: %q", got)
	}
	if !strings.Contains(got, "1 &lt; 2 &amp;&amp; &quot;quoted&quot;") {
		t.Errorf("content escaping wrong: %q", got)
	}
}
