// Package agent supervises agent child processes: it feeds the prompt
// envelope on stdin, parses the framed result stream on stdout, enforces
// output caps and wall-clock timeouts, and exposes a live handle for
// piping follow-up messages into a running agent.
package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// Stdout frame sentinels. Everything between a START/END pair is one JSON
// result object; all other stdout is diagnostic.
const (
	FrameStart = "---NANOCLAW_OUTPUT_START---"
	FrameEnd   = "---NANOCLAW_OUTPUT_END---"
)

// Frame is one streamed result record from the agent.
type Frame struct {
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Input is the JSON object written to the agent's stdin at run start.
type Input struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJid         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
}

// ParseFrame decodes the JSON between sentinels.
func ParseFrame(raw string) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Status != "success" && f.Status != "error" {
		return nil, fmt.Errorf("frame has invalid status %q", f.Status)
	}
	return &f, nil
}

// internalRe matches agent-internal reasoning blocks in frame results.
var internalRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>…</internal> blocks from a result
// before it is surfaced to a channel.
func StripInternal(text string) string {
	return strings.TrimSpace(internalRe.ReplaceAllString(text, ""))
}

// FormatMessages renders the prompt envelope: an XML-ish block with one
// entry per message. Follow-up injections reuse the same envelope; agents
// tolerate repeated blocks on stdin.
func FormatMessages(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "<message sender=\"%s\" time=\"%s\">%s</message>\n",
			escapeXML(m.SenderName), m.Timestamp, escapeXML(m.Content))
	}
	b.WriteString("</messages>")
	return b.String()
}

// escapeXML escapes the characters with meaning inside the envelope.
var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
