package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/agent"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/channels"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/config"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/mounts"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/sandbox"
	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// scriptEngine runs a shell script in place of a real sandbox, capturing
// the agent stdin to a file.
type scriptEngine struct {
	script string
}

func (e *scriptEngine) Name() string    { return sandbox.EngineContainer }
func (e *scriptEngine) Available() bool { return true }

func (e *scriptEngine) Prepare(ctx context.Context, req *sandbox.RunRequest) (*exec.Cmd, sandbox.CleanupFunc, error) {
	return exec.CommandContext(ctx, "sh", "-c", e.script), func() {}, nil
}

// fakeHub records sends along with the session value stored at send time,
// to verify the session-before-reply ordering.
type fakeHub struct {
	store *store.Store

	mu            sync.Mutex
	sent          []string
	sessionAtSend []string
	typingOn      int
	typingOff     int
	inbound       chan *channels.IncomingMessage
}

func newFakeHub(st *store.Store) *fakeHub {
	return &fakeHub{store: st, inbound: make(chan *channels.IncomingMessage, 16)}
}

func (h *fakeHub) Receive() <-chan *channels.IncomingMessage { return h.inbound }

func (h *fakeHub) SendMessage(_ context.Context, chatID, text string) error {
	session, _ := h.store.GetSession("family")
	h.mu.Lock()
	h.sent = append(h.sent, chatID+"|"+text)
	h.sessionAtSend = append(h.sessionAtSend, session)
	h.mu.Unlock()
	return nil
}

func (h *fakeHub) SetTyping(_ context.Context, _ string, typing bool) {
	h.mu.Lock()
	if typing {
		h.typingOn++
	} else {
		h.typingOff++
	}
	h.mu.Unlock()
}

func (h *fakeHub) SyncMetadata(_ context.Context, _ bool) error { return nil }

func (h *fakeHub) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

type routerFixture struct {
	router  *Router
	store   *store.Store
	hub     *fakeHub
	capture string
}

// newRouterFixture wires a router against a script-backed sandbox engine.
// makeScript receives the stdin-capture path and returns the shell script
// standing in for the agent.
func newRouterFixture(t *testing.T, makeScript func(capture string) string) *routerFixture {
	t.Helper()
	base := t.TempDir()
	capture := filepath.Join(base, "input.json")

	cfg := &config.Config{
		Paths: config.PathsConfig{
			DataDir:       filepath.Join(base, "data"),
			WorkspacesDir: filepath.Join(base, "workspaces"),
			ProjectDir:    base,
		},
		Runtime: config.RuntimeConfig{
			MainFolder:     "main",
			BotName:        "Andy",
			RequireTrigger: true,
		},
		Timing: config.TimingConfig{
			PollIntervalMs:     50,
			ContainerTimeoutMs: 5000,
			IdleTimeoutMs:      200,
			MaxOutputBytes:     1 << 20,
			ShutdownGraceMs:    2000,
		},
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(cfg.Paths.DatabasePath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	hub := newFakeHub(st)
	engine := &scriptEngine{script: makeScript(capture)}
	selector := sandbox.NewSelector(st, "", "", []sandbox.Engine{engine}, nil)
	supervisor := agent.NewSupervisor(cfg.Timing.MaxOutputBytes, cfg.Timing.IdleTimeout(), nil)

	r, err := New(cfg, st, hub, selector, supervisor, &mounts.Policy{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	t.Cleanup(r.cancel)

	if err := r.RegisterGroup(store.RegisteredGroup{
		ChatID:          "whatsapp:g1@g.us",
		Name:            "Family",
		Folder:          "family",
		Trigger:         "@Andy",
		RequiresTrigger: true,
	}); err != nil {
		t.Fatal(err)
	}

	return &routerFixture{router: r, store: st, hub: hub, capture: capture}
}

// replyScript captures stdin and emits one frame.
func replyScript(capture, frame string) string {
	return fmt.Sprintf(`read -r line
printf '%%s' "$line" > %s
echo '%s'
echo '%s'
echo '%s'
`, capture, agent.FrameStart, frame, agent.FrameEnd)
}

func (f *routerFixture) insert(t *testing.T, id, sender, content string, sec int) string {
	t.Helper()
	ts := store.FormatTimestamp(time.Date(2024, 3, 1, 12, 0, sec, 0, time.UTC))
	if err := f.store.InsertMessage(store.Message{
		ChatID: "whatsapp:g1@g.us", ID: id,
		SenderName: sender, Content: content, Timestamp: ts,
	}); err != nil {
		t.Fatal(err)
	}
	return ts
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTriggerSuppressionAndCatchUp(t *testing.T) {
	frame := `{"status":"success","result":"<internal>choosing</internal>margherita!","newSessionId":"S1"}`
	f := newRouterFixture(t, func(capture string) string {
		return replyScript(capture, frame)
	})
	r := f.router

	// Untriggered messages: watermark advances, no run.
	f.insert(t, "m1", "Alice", "pizza tonight?", 0)
	t1 := f.insert(t, "m2", "Bob", "sure", 1)
	r.tick()

	if r.lastTimestamp != t1 {
		t.Errorf("watermark = %q, want %q", r.lastTimestamp, t1)
	}
	if cur := r.cursor("family"); cur != "" {
		t.Errorf("cursor advanced without trigger: %q", cur)
	}
	if f.hub.sentCount() != 0 {
		t.Error("agent ran without trigger")
	}

	// Trigger arrives: one run with the full catch-up window.
	t2 := f.insert(t, "m3", "Alice", "@Andy toppings?", 2)
	r.tick()

	waitFor(t, "reply", func() bool { return f.hub.sentCount() == 1 })
	waitFor(t, "run drain", func() bool { return !r.queue.Busy("family") })

	f.hub.mu.Lock()
	sent := f.hub.sent[0]
	sessionAtSend := f.hub.sessionAtSend[0]
	f.hub.mu.Unlock()

	// Internal reasoning is stripped from the surfaced reply.
	if sent != "whatsapp:g1@g.us|margherita!" {
		t.Errorf("reply wrong: %q", sent)
	}
	// Session persisted before the reply went out.
	if sessionAtSend != "S1" {
		t.Errorf("session at send time = %q, want S1", sessionAtSend)
	}
	if cur := r.cursor("family"); cur != t2 {
		t.Errorf("cursor = %q, want %q", cur, t2)
	}

	// The prompt carried all three messages in order.
	data, err := os.ReadFile(f.capture)
	if err != nil {
		t.Fatalf("reading captured input: %v", err)
	}
	var input agent.Input
	if err := json.Unmarshal(data, &input); err != nil {
		t.Fatalf("decoding captured input: %v", err)
	}
	p := input.Prompt
	iPizza := strings.Index(p, "pizza tonight?")
	iSure := strings.Index(p, "sure")
	iTop := strings.Index(p, "@Andy toppings?")
	if iPizza < 0 || iSure < 0 || iTop < 0 || !(iPizza < iSure && iSure < iTop) {
		t.Errorf("catch-up window wrong or out of order:\n%s", p)
	}
	if input.ChatJid != "whatsapp:g1@g.us" || input.IsMain {
		t.Errorf("input metadata wrong: %+v", input)
	}

	// The new session is persisted for the next run.
	if s, _ := f.store.GetSession("family"); s != "S1" {
		t.Errorf("session not persisted: %q", s)
	}
}

func TestCursorRollbackOnFailure(t *testing.T) {
	f := newRouterFixture(t, func(string) string { return "read -r line\nexit 1\n" })
	r := f.router

	f.insert(t, "m1", "Alice", "@Andy hello", 0)
	r.tick()

	waitFor(t, "failed run drain", func() bool { return !r.queue.Busy("family") })

	// Rollback: the window retries on the next tick.
	if cur := r.cursor("family"); cur != "" {
		t.Errorf("cursor not rolled back: %q", cur)
	}
	if f.hub.sentCount() != 0 {
		t.Error("failed run produced a reply")
	}
	if persisted, _ := f.store.GetAgentTimestamp("family"); persisted != "" {
		t.Errorf("persisted cursor not rolled back: %q", persisted)
	}
}

func TestRecoveryReEnqueues(t *testing.T) {
	frame := `{"status":"success","result":"recovered"}`
	f := newRouterFixture(t, func(capture string) string {
		return replyScript(capture, frame)
	})
	r := f.router

	// Messages exist beyond the cursor, as after a crash mid-run.
	f.insert(t, "m1", "Alice", "@Andy are you there?", 0)

	r.recover()

	waitFor(t, "recovery reply", func() bool { return f.hub.sentCount() == 1 })
	if cur := r.cursor("family"); cur == "" {
		t.Error("recovery run did not advance the cursor")
	}
}

func TestRecoveryHonorsTrigger(t *testing.T) {
	f := newRouterFixture(t, func(string) string { return "read -r line\nexit 0\n" })
	r := f.router

	// Backlog without any trigger match stays untouched.
	f.insert(t, "m1", "Alice", "no mention here", 0)

	r.recover()
	time.Sleep(100 * time.Millisecond)
	waitFor(t, "queue idle", func() bool { return !r.queue.Busy("family") })

	// An enqueued run would have advanced the cursor past the backlog.
	if cur := r.cursor("family"); cur != "" {
		t.Errorf("recovery ran an untriggered backlog, cursor = %q", cur)
	}
}

func TestTypingToggledAroundRun(t *testing.T) {
	frame := `{"status":"success","result":"hi"}`
	f := newRouterFixture(t, func(capture string) string {
		return replyScript(capture, frame)
	})
	r := f.router

	f.insert(t, "m1", "Alice", "@Andy hi", 0)
	r.tick()

	waitFor(t, "run drain", func() bool { return !r.queue.Busy("family") })

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	if f.hub.typingOn != 1 || f.hub.typingOff != 1 {
		t.Errorf("typing toggles = %d on / %d off, want 1/1", f.hub.typingOn, f.hub.typingOff)
	}
}
