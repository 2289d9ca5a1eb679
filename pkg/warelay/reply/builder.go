package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// claudeBinary is the assistant CLI that gets flag auto-injection and the
// identity preamble.
const claudeBinary = "claude"

// partialOutputLimit caps how much partial stdout a timeout message carries.
const partialOutputLimit = 800

// noOutputPlaceholder is returned when a command succeeds silently.
const noOutputPlaceholder = "(command produced no output)"

// claudePreamble is prepended to the prompt when the command is the claude
// CLI, so the assistant knows it is answering a relayed chat message and
// how to attach media.
const claudePreamble = "You are answering a WhatsApp message relayed by warelay. " +
	"Reply concisely; your output is delivered as a chat message. " +
	"To attach a file or image, include a line of the form MEDIA:<path-or-url>."

// Builder composes and executes replies. One builder serves all inbound
// transports; command-mode turns are serialized through the queue.
type Builder struct {
	cfg         Config
	sessions    *SessionManager
	transcriber *Transcriber
	queue       *Queue
	runner      Runner
	logger      *slog.Logger
}

// NewBuilder wires the pipeline. cfg must already be normalized and
// validated by the config loader.
func NewBuilder(cfg Config, tcfg TranscribeConfig, queue *Queue, runner Runner, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	store := NewSessionStore(cfg.Session.Store, logger)
	return &Builder{
		cfg:         cfg,
		sessions:    NewSessionManager(cfg.Session, store, logger),
		transcriber: NewTranscriber(tcfg, runner, logger),
		queue:       queue,
		runner:      runner,
		logger:      logger.With("component", "reply"),
	}
}

// Sessions exposes the session manager (for the sessions CLI command).
func (b *Builder) Sessions() *SessionManager { return b.sessions }

// BuildReply computes the reply for one inbound message. It always returns
// a usable Result; errors are reserved for misconfiguration. A panic
// anywhere in the pipeline is converted into a generic failure so one bad
// turn never crashes the process or blocks the queue.
func (b *Builder) BuildReply(ctx context.Context, msg MessageContext) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("reply pipeline panicked", "panic", r, "from", msg.From)
			result = Result{Text: "Something went wrong while generating the reply."}
			err = nil
		}
	}()

	switch b.cfg.Mode {
	case ModeText:
		return b.textReply(msg), nil
	case ModeCommand:
		return b.commandReply(ctx, msg)
	default:
		return Result{}, fmt.Errorf("unknown reply mode %q", b.cfg.Mode)
	}
}

// textReply renders the static template. No queueing, no process
// execution, no session state.
func (b *Builder) textReply(msg MessageContext) Result {
	vals := TemplateValues(msg)
	vals[KeyBody] = b.cfg.BodyPrefix + msg.Body
	vals[KeyBodyStripped] = vals[KeyBody]

	text := Render(b.cfg.Text, vals)
	if b.cfg.Template != "" {
		text = Render(b.cfg.Template, vals) + "\n\n" + text
	}
	return Result{Text: text}
}

// commandReply runs the configured command through the queue and
// classifies the outcome.
func (b *Builder) commandReply(ctx context.Context, msg MessageContext) (Result, error) {
	// Voice messages are transcribed first so the command sees text.
	transcript, transcribed := b.transcriber.Transcribe(ctx, msg)
	effective := msg
	if transcribed {
		effective.Body = transcript
	}

	// Session resolution runs inside the queued task: the queue is the
	// store's single-writer guarantee, and transports dispatch each inbound
	// message on its own goroutine.
	return b.queue.Enqueue(ctx, func(taskCtx context.Context) (Result, error) {
		res, err := b.sessions.Resolve(effective)
		if err != nil {
			// A session persistence failure degrades to a fresh-looking
			// turn rather than suppressing the reply.
			b.logger.Warn("session store update failed", "error", err)
		}

		argv, promptIdx := b.composeArgv(effective, res, transcribed, transcript)
		return b.execute(taskCtx, argv, promptIdx), nil
	})
}

// composeArgv renders the command argv with session args and claude
// special-casing applied. It returns the argv and the index of the prompt
// element.
func (b *Builder) composeArgv(msg MessageContext, res SessionResolution, transcribed bool, transcript string) ([]string, int) {
	body := res.StrippedBody
	if res.ApplyBodyPrefix && b.cfg.BodyPrefix != "" {
		body = b.cfg.BodyPrefix + body
	}
	if res.Intro != "" {
		body = res.Intro + "\n\n" + body
	}
	if b.cfg.Template != "" {
		body = b.cfg.Template + "\n\n" + body
	}
	if transcribed {
		body += "\n\nTranscript:\n" + transcript
		if msg.MediaPath != "" {
			body += "\n\nAudio file: " + msg.MediaPath
		}
	}

	vals := TemplateValues(msg)
	vals[KeyBody] = body
	vals[KeyBodyStripped] = res.StrippedBody
	vals[KeySessionID] = res.SessionID

	argv := RenderArgv(b.cfg.Command, vals)
	promptIdx := len(argv) - 1

	if len(res.Args) > 0 {
		if res.ArgsBeforeBody && len(argv) > 1 {
			head := append([]string{}, argv[:promptIdx]...)
			head = append(head, res.Args...)
			argv = append(head, argv[promptIdx:]...)
			promptIdx += len(res.Args)
		} else {
			argv = append(argv, res.Args...)
		}
	}

	return b.applyClaudeDefaults(argv, promptIdx)
}

// applyClaudeDefaults injects --print and --output-format for the claude
// CLI when absent, and prepends the identity preamble to the prompt
// argument without displacing it from its position.
func (b *Builder) applyClaudeDefaults(argv []string, promptIdx int) ([]string, int) {
	if len(argv) == 0 || filepath.Base(argv[0]) != claudeBinary {
		return argv, promptIdx
	}

	insert := func(args ...string) {
		head := append([]string{}, argv[:1]...)
		head = append(head, args...)
		argv = append(head, argv[1:]...)
		promptIdx += len(args)
	}

	if !hasFlag(argv, "--print") && !hasFlag(argv, "-p") {
		insert("--print")
	}
	if !hasFlag(argv, "--output-format") {
		format := b.cfg.ClaudeOutputFormat
		if format == "" {
			format = OutputText
		}
		insert("--output-format", string(format))
	}

	if promptIdx >= 1 && promptIdx < len(argv) {
		preamble := claudePreamble
		if b.cfg.CWD != "" {
			preamble += "\nWorking directory: " + b.cfg.CWD
		}
		argv[promptIdx] = preamble + "\n\n" + argv[promptIdx]
	}

	return argv, promptIdx
}

func hasFlag(argv []string, flag string) bool {
	for _, a := range argv[1:] {
		if a == flag {
			return true
		}
	}
	return false
}

// execute runs the argv with the configured cwd and timeout and turns the
// outcome into a Result. Runs inside the queue, so at most one execution
// is in flight process-wide.
func (b *Builder) execute(ctx context.Context, argv []string, promptIdx int) Result {
	runCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout())
	defer cancel()

	execRes, err := b.runner.Run(runCtx, argv, b.cfg.CWD)
	if err != nil {
		b.logger.Error("command failed to run", "binary", argv[0], "error", err)
		return Result{Text: fmt.Sprintf("Command failed: %v", err)}
	}

	if execRes.TimedOut {
		return b.timeoutResult(execRes.Stdout)
	}

	if execRes.ExitCode != 0 {
		b.logger.Warn("command exited non-zero",
			"binary", argv[0],
			"exit_code", execRes.ExitCode,
			"stderr", firstLine(execRes.Stderr))
		text := fmt.Sprintf("Command failed with exit code %d.", execRes.ExitCode)
		if line := firstLine(execRes.Stderr); line != "" {
			text += "\n" + line
		}
		return Result{Text: text}
	}

	stdout := strings.TrimSpace(execRes.Stdout)
	if stdout == "" {
		return Result{Text: noOutputPlaceholder}
	}

	text := b.decodeOutput(stdout, argv)
	text, mediaURL := ExtractMediaToken(text)
	if mediaURL != "" && !b.mediaWithinLimit(mediaURL) {
		b.logger.Warn("media token exceeds size limit, dropping attachment",
			"media", mediaURL, "max_mb", b.cfg.MediaMaxMB)
		mediaURL = ""
	}
	return Result{Text: text, MediaURL: mediaURL}
}

// timeoutResult builds the user-visible timeout message, carrying at most
// the first 800 characters of partial stdout.
func (b *Builder) timeoutResult(partial string) Result {
	text := fmt.Sprintf("Command timed out after %ds. Try a shorter prompt or split the request.",
		b.cfg.TimeoutSeconds)

	partial = strings.TrimSpace(partial)
	if partial != "" {
		if len(partial) > partialOutputLimit {
			cut := partialOutputLimit
			// Back off to a rune boundary so the cut never splits a
			// multibyte character.
			for cut > 0 && !utf8.RuneStart(partial[cut]) {
				cut--
			}
			partial = partial[:cut]
		}
		text += "\nPartial output before timeout:\n" + partial + "..."
	}
	return Result{Text: text}
}

// decodeOutput extracts the reply text from stdout. JSON output (explicit
// claude_output_format: json, or the claude CLI emitting a JSON object) is
// unwrapped via its "text" or "result" field; anything else is used raw.
func (b *Builder) decodeOutput(stdout string, argv []string) string {
	isClaude := len(argv) > 0 && filepath.Base(argv[0]) == claudeBinary
	if b.cfg.ClaudeOutputFormat != OutputJSON && !isClaude {
		return stdout
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		return stdout
	}
	if text, ok := payload["text"].(string); ok && text != "" {
		return text
	}
	if result, ok := payload["result"].(string); ok && result != "" {
		return result
	}
	return stdout
}

// mediaWithinLimit checks a local media path against media_max_mb. URLs
// and unstattable paths pass through; the transport enforces its own caps.
func (b *Builder) mediaWithinLimit(media string) bool {
	if b.cfg.MediaMaxMB <= 0 || strings.Contains(media, "://") {
		return true
	}
	info, err := os.Stat(media)
	if err != nil {
		return true
	}
	return info.Size() <= int64(b.cfg.MediaMaxMB)*1024*1024
}
