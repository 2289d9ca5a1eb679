package reply

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

// fakeRunner records every argv it is asked to run and returns a canned
// result.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	dirs   []string
	result *ExecResult
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, dir string) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{}, argv...))
	f.dirs = append(f.dirs, dir)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ExecResult{}, nil
}

func (f *fakeRunner) lastCall(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("runner was never invoked")
	}
	return f.calls[len(f.calls)-1]
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := Config{
		Session: SessionConfig{
			Scope:         ScopePerSender,
			ResetTriggers: []string{"/new"},
			IdleMinutes:   60,
			Store:         filepath.Join(t.TempDir(), "sessions.json"),
		},
	}
	return cfg
}

func newTestBuilder(t *testing.T, cfg Config, runner Runner) *Builder {
	t.Helper()
	return NewBuilder(cfg, TranscribeConfig{}, NewQueue(nil), runner, nil)
}

func TestBuildReply_TextMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeText
	cfg.Text = "Hi {{From}}"

	b := newTestBuilder(t, cfg, &fakeRunner{})
	res, err := b.BuildReply(context.Background(), MessageContext{From: "+1", Body: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "Hi +1" {
		t.Errorf("text = %q, want %q", res.Text, "Hi +1")
	}
}

func TestBuildReply_CommandArgv(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"my-bot", "--from", "{{From}}", "{{Body}}"}
	cfg.CWD = "/srv/bot"

	runner := &fakeRunner{result: &ExecResult{Stdout: "pong\n"}}
	b := newTestBuilder(t, cfg, runner)

	res, err := b.BuildReply(context.Background(), MessageContext{From: "+4917012345678", Body: "ping"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "pong" {
		t.Errorf("text = %q, want %q", res.Text, "pong")
	}

	want := []string{"my-bot", "--from", "+4917012345678", "ping"}
	if got := runner.lastCall(t); !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
	if runner.dirs[0] != "/srv/bot" {
		t.Errorf("dir = %q, want %q", runner.dirs[0], "/srv/bot")
	}
}

func TestBuildReply_EmptyOutputPlaceholder(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"my-bot", "{{Body}}"}

	runner := &fakeRunner{result: &ExecResult{Stdout: "  \n"}}
	b := newTestBuilder(t, cfg, runner)

	res, _ := b.BuildReply(context.Background(), MessageContext{From: "+1234567890", Body: "hi"})
	if res.Text != noOutputPlaceholder {
		t.Errorf("text = %q, want %q", res.Text, noOutputPlaceholder)
	}
}

func TestBuildReply_Timeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"my-bot", "{{Body}}"}
	cfg.TimeoutSeconds = 42

	partial := strings.Repeat("x", 900)
	runner := &fakeRunner{result: &ExecResult{Stdout: partial, TimedOut: true, ExitCode: -1}}
	b := newTestBuilder(t, cfg, runner)

	res, _ := b.BuildReply(context.Background(), MessageContext{From: "+1234567890", Body: "hi"})

	if !strings.Contains(res.Text, "timed out after 42s") {
		t.Errorf("missing timeout notice in %q", res.Text)
	}
	idx := strings.Index(res.Text, "Partial output before timeout:\n")
	if idx < 0 {
		t.Fatalf("missing partial output in %q", res.Text)
	}
	tail := res.Text[idx+len("Partial output before timeout:\n"):]
	want := strings.Repeat("x", partialOutputLimit) + "..."
	if tail != want {
		t.Errorf("partial output length %d, want %d chars plus ellipsis", len(tail), partialOutputLimit)
	}
}

func TestBuildReply_TimeoutMultibytePartial(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"my-bot", "{{Body}}"}
	cfg.TimeoutSeconds = 42

	// 300 three-byte runes: the 800-byte cap lands mid-rune.
	partial := strings.Repeat("€", 300)
	runner := &fakeRunner{result: &ExecResult{Stdout: partial, TimedOut: true, ExitCode: -1}}
	b := newTestBuilder(t, cfg, runner)

	res, _ := b.BuildReply(context.Background(), MessageContext{From: "+1234567890", Body: "hi"})

	if !utf8.ValidString(res.Text) {
		t.Fatalf("timeout message is not valid UTF-8: %q", res.Text)
	}
	idx := strings.Index(res.Text, "Partial output before timeout:\n")
	if idx < 0 {
		t.Fatalf("missing partial output in %q", res.Text)
	}
	tail := strings.TrimSuffix(res.Text[idx+len("Partial output before timeout:\n"):], "...")
	if !strings.HasPrefix(partial, tail) {
		t.Errorf("partial output is not a prefix of stdout: %q", tail)
	}
	if got := len(tail); got != 798 {
		t.Errorf("partial output = %d bytes, want 798 (rune boundary below the cap)", got)
	}
}

func TestBuildReply_ConcurrentTurnsPersistAllSessions(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"my-bot", "{{Body}}"}

	runner := &fakeRunner{result: &ExecResult{Stdout: "ok"}}
	b := newTestBuilder(t, cfg, runner)

	const senders = 16
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := fmt.Sprintf("+4917012345%03d", i)
			if _, err := b.BuildReply(context.Background(), MessageContext{From: from, Body: "hi"}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	entries := NewSessionStore(cfg.Session.Store, nil).Load()
	if len(entries) != senders {
		t.Errorf("store holds %d entries after %d concurrent turns", len(entries), senders)
	}
}

func TestBuildReply_TimeoutWithoutOutput(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"my-bot", "{{Body}}"}
	cfg.TimeoutSeconds = 10

	runner := &fakeRunner{result: &ExecResult{TimedOut: true, ExitCode: -1}}
	b := newTestBuilder(t, cfg, runner)

	res, _ := b.BuildReply(context.Background(), MessageContext{From: "+1234567890", Body: "hi"})
	if strings.Contains(res.Text, "Partial output") {
		t.Errorf("no partial section expected, got %q", res.Text)
	}
}

func TestBuildReply_NonZeroExit(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"my-bot", "{{Body}}"}

	runner := &fakeRunner{result: &ExecResult{ExitCode: 2, Stderr: "boom: flag parse\ndetail"}}
	b := newTestBuilder(t, cfg, runner)

	res, _ := b.BuildReply(context.Background(), MessageContext{From: "+1234567890", Body: "hi"})
	if !strings.Contains(res.Text, "exit code 2") {
		t.Errorf("missing exit code in %q", res.Text)
	}
	if !strings.Contains(res.Text, "boom: flag parse") || strings.Contains(res.Text, "detail") {
		t.Errorf("want first stderr line only, got %q", res.Text)
	}
}

func TestBuildReply_ClaudeDefaults(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"claude", "{{Body}}"}

	runner := &fakeRunner{result: &ExecResult{Stdout: "hello"}}
	b := newTestBuilder(t, cfg, runner)

	if _, err := b.BuildReply(context.Background(), MessageContext{From: "+1234567890", Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	argv := runner.lastCall(t)
	if !hasFlag(argv, "--print") {
		t.Errorf("--print not injected: %v", argv)
	}
	if !hasFlag(argv, "--output-format") {
		t.Errorf("--output-format not injected: %v", argv)
	}
	prompt := argv[len(argv)-1]
	if !strings.Contains(prompt, "MEDIA:") || !strings.HasSuffix(prompt, "\n\nhi") {
		t.Errorf("preamble not prepended to prompt: %q", prompt)
	}
}

func TestBuildReply_ClaudeDefaultsRespectExplicitFlags(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"claude", "-p", "--output-format", "json", "{{Body}}"}

	runner := &fakeRunner{result: &ExecResult{Stdout: `{"result":"hi there"}`}}
	b := newTestBuilder(t, cfg, runner)

	res, _ := b.BuildReply(context.Background(), MessageContext{From: "+1234567890", Body: "hi"})

	argv := runner.lastCall(t)
	if hasFlag(argv, "--print") {
		t.Errorf("--print should not be duplicated next to -p: %v", argv)
	}
	count := 0
	for _, a := range argv {
		if a == "--output-format" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("--output-format duplicated: %v", argv)
	}
	if res.Text != "hi there" {
		t.Errorf("json result not unwrapped: %q", res.Text)
	}
}

func TestBuildReply_JSONOutputDecoding(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"my-bot", "{{Body}}"}
	cfg.ClaudeOutputFormat = OutputJSON

	tests := []struct {
		name   string
		stdout string
		want   string
	}{
		{"text field", `{"text":"from text"}`, "from text"},
		{"result field", `{"result":"from result"}`, "from result"},
		{"not json falls through", "plain output", "plain output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{result: &ExecResult{Stdout: tt.stdout}}
			b := newTestBuilder(t, cfg, runner)
			res, _ := b.BuildReply(context.Background(), MessageContext{From: "+1234567890", Body: "hi"})
			if res.Text != tt.want {
				t.Errorf("text = %q, want %q", res.Text, tt.want)
			}
		})
	}
}

func TestBuildReply_MediaExtraction(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"my-bot", "{{Body}}"}

	runner := &fakeRunner{result: &ExecResult{Stdout: "Here you go:\nMEDIA:/tmp/out/chart.png"}}
	b := newTestBuilder(t, cfg, runner)

	res, _ := b.BuildReply(context.Background(), MessageContext{From: "+1234567890", Body: "plot it"})
	if res.Text != "Here you go:" {
		t.Errorf("text = %q", res.Text)
	}
	if res.MediaURL != "/tmp/out/chart.png" {
		t.Errorf("media = %q", res.MediaURL)
	}
}

func TestBuildReply_SessionArgsInserted(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"claude", "{{Body}}"}
	cfg.Session.SessionArgNew = []string{"--session-id", "{{SessionId}}"}
	cfg.Session.SessionArgResume = []string{"--resume", "{{SessionId}}"}
	cfg.Session.SessionArgBeforeBody = true

	runner := &fakeRunner{result: &ExecResult{Stdout: "ok"}}
	b := newTestBuilder(t, cfg, runner)

	if _, err := b.BuildReply(context.Background(), MessageContext{From: "+4917012345678", Body: "first"}); err != nil {
		t.Fatal(err)
	}
	first := runner.lastCall(t)
	if !hasFlag(first, "--session-id") {
		t.Errorf("new-session args missing: %v", first)
	}
	if last := first[len(first)-1]; !strings.HasSuffix(last, "first") {
		t.Errorf("prompt displaced from final position: %v", first)
	}

	if _, err := b.BuildReply(context.Background(), MessageContext{From: "+4917012345678", Body: "second"}); err != nil {
		t.Fatal(err)
	}
	second := runner.lastCall(t)
	if !hasFlag(second, "--resume") {
		t.Errorf("resume args missing: %v", second)
	}
}

func TestBuildReply_SpawnFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mode = ModeCommand
	cfg.Command = []string{"does-not-exist", "{{Body}}"}

	runner := &fakeRunner{err: context.Canceled}
	b := newTestBuilder(t, cfg, runner)

	res, err := b.BuildReply(context.Background(), MessageContext{From: "+1234567890", Body: "hi"})
	if err != nil {
		t.Fatalf("spawn failure should become reply text, got err %v", err)
	}
	if !strings.HasPrefix(res.Text, "Command failed:") {
		t.Errorf("text = %q", res.Text)
	}
}
