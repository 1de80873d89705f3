package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/sandbox"
)

// scriptEngine is a stub sandbox engine running a shell script, standing
// in for a real agent process.
type scriptEngine struct {
	script string
}

func (e *scriptEngine) Name() string    { return "script" }
func (e *scriptEngine) Available() bool { return true }

func (e *scriptEngine) Prepare(ctx context.Context, req *sandbox.RunRequest) (*exec.Cmd, sandbox.CleanupFunc, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", e.script)
	return cmd, func() {}, nil
}

func testSupervisor() *Supervisor {
	return NewSupervisor(1024*1024, 0, nil)
}

func frameScript(frames ...string) string {
	var b strings.Builder
	b.WriteString("read -r line\n")
	for _, f := range frames {
		b.WriteString("echo '" + FrameStart + "'\n")
		b.WriteString("echo '" + f + "'\n")
		b.WriteString("echo '" + FrameEnd + "'\n")
	}
	return b.String()
}

func TestRunStreamsFramesInOrder(t *testing.T) {
	engine := &scriptEngine{script: frameScript(
		`{"status":"success","result":"hello","newSessionId":"S1"}`,
		`{"status":"success","result":"world"}`,
	) + "echo 'diagnostic noise'\n"}

	var frames []Frame
	err := testSupervisor().Run(context.Background(), engine,
		&sandbox.RunRequest{Folder: "family"},
		RunOptions{
			Input:   Input{Prompt: "<messages></messages>", GroupFolder: "family"},
			Timeout: 10 * time.Second,
			OnFrame: func(f Frame) { frames = append(frames, f) },
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d: %v", len(frames), frames)
	}
	if frames[0].Result != "hello" || frames[0].NewSessionID != "S1" {
		t.Errorf("first frame wrong: %+v", frames[0])
	}
	if frames[1].Result != "world" || frames[1].NewSessionID != "" {
		t.Errorf("second frame wrong: %+v", frames[1])
	}
}

func TestRunWritesInputToStdin(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "input.json")
	engine := &scriptEngine{script: `read -r line
printf '%s' "$line" > ` + capture + "\n"}

	input := Input{
		Prompt:      "<messages>\n<message sender=\"Alice\" time=\"t\">hi</message>\n</messages>",
		SessionID:   "S9",
		GroupFolder: "family",
		ChatJid:     "whatsapp:g1@g.us",
		IsMain:      true,
	}
	err := testSupervisor().Run(context.Background(), engine,
		&sandbox.RunRequest{Folder: "family"},
		RunOptions{Input: input, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("reading capture: %v", err)
	}
	var got Input
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decoding captured input: %v", err)
	}
	if got.SessionID != "S9" || !got.IsMain || got.ChatJid != "whatsapp:g1@g.us" {
		t.Errorf("input fields wrong: %+v", got)
	}
	if !strings.Contains(got.Prompt, "Alice") {
		t.Errorf("prompt lost: %q", got.Prompt)
	}
}

func TestRunTimeout(t *testing.T) {
	engine := &scriptEngine{script: "read -r line\nsleep 30\n"}

	var frames []Frame
	err := testSupervisor().Run(context.Background(), engine,
		&sandbox.RunRequest{Folder: "family"},
		RunOptions{
			Input:   Input{GroupFolder: "family"},
			Timeout: 300 * time.Millisecond,
			OnFrame: func(f Frame) { frames = append(frames, f) },
		})

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if len(frames) != 1 || frames[0].Status != "error" || frames[0].Error != "timeout" {
		t.Errorf("expected terminal timeout frame, got %v", frames)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	engine := &scriptEngine{script: "read -r line\necho boom >&2\nexit 3\n"}

	err := testSupervisor().Run(context.Background(), engine,
		&sandbox.RunRequest{Folder: "family"},
		RunOptions{Input: Input{GroupFolder: "family"}, Timeout: 10 * time.Second})
	if err == nil {
		t.Fatal("expected error for exit code 3")
	}
}

func TestRunDropsMalformedFrames(t *testing.T) {
	engine := &scriptEngine{script: `read -r line
echo '` + FrameStart + `'
echo 'this is not json'
echo '` + FrameEnd + `'
echo '` + FrameStart + `'
echo '{"status":"success","result":"ok"}'
echo '` + FrameEnd + `'
`}

	var frames []Frame
	err := testSupervisor().Run(context.Background(), engine,
		&sandbox.RunRequest{Folder: "family"},
		RunOptions{
			Input:   Input{GroupFolder: "family"},
			Timeout: 10 * time.Second,
			OnFrame: func(f Frame) { frames = append(frames, f) },
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(frames) != 1 || frames[0].Result != "ok" {
		t.Errorf("expected only the valid frame, got %v", frames)
	}
}

func TestStdinInjectionIntoLiveRun(t *testing.T) {
	// The script reads the initial input, waits for a second stdin line,
	// then answers with a fixed frame.
	engine := &scriptEngine{script: `read -r first
read -r second
echo '` + FrameStart + `'
printf '{"status":"success","result":"saw follow-up"}\n'
echo '` + FrameEnd + `'
`}

	handleCh := make(chan *Handle, 1)
	var frames []Frame

	errCh := make(chan error, 1)
	go func() {
		errCh <- testSupervisor().Run(context.Background(), engine,
			&sandbox.RunRequest{Folder: "family"},
			RunOptions{
				Input:     Input{GroupFolder: "family"},
				Timeout:   10 * time.Second,
				OnProcess: func(h *Handle) { handleCh <- h },
				OnFrame:   func(f Frame) { frames = append(frames, f) },
			})
	}()

	h := <-handleCh
	if !h.SendStdin("<messages>\n<message sender=\"Bob\" time=\"t\">more</message>\n</messages>") {
		t.Fatal("SendStdin refused on a live process")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(frames) != 1 || frames[0].Result != "saw follow-up" {
		t.Errorf("follow-up frame missing: %v", frames)
	}

	// After exit, the handle refuses writes.
	if h.SendStdin("late") {
		t.Error("SendStdin accepted after process exit")
	}
}

func TestIdleCloseLetsAgentFinish(t *testing.T) {
	// cat blocks until stdin EOF; only the idle closer ends the run.
	engine := &scriptEngine{script: `read -r first
echo '` + FrameStart + `'
echo '{"status":"success","result":"done"}'
echo '` + FrameEnd + `'
cat > /dev/null
`}

	s := NewSupervisor(1024*1024, 200*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), engine,
			&sandbox.RunRequest{Folder: "family"},
			RunOptions{Input: Input{GroupFolder: "family"}, Timeout: 10 * time.Second})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle close never fired; run hung")
	}
}
