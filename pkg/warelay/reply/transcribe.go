package reply

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// defaultTranscribeTimeout bounds the transcription command independently
// of the reply timeout.
const defaultTranscribeTimeout = 120 * time.Second

// TranscribeConfig configures the optional audio-to-text step.
type TranscribeConfig struct {
	// Command is the argv template of the transcription tool, rendered
	// against the message context ({{MediaPath}} etc.).
	Command []string `yaml:"command,omitempty"`

	// TimeoutSeconds bounds transcription (default 120).
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// Enabled reports whether a transcription command is configured.
func (c TranscribeConfig) Enabled() bool { return len(c.Command) > 0 }

// Timeout returns the transcription timeout as a duration.
func (c TranscribeConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultTranscribeTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Transcriber converts inbound voice media into text before the rest of
// the pipeline runs. Failure is non-fatal: the pipeline proceeds with the
// original body and the end user sees nothing of it.
type Transcriber struct {
	cfg    TranscribeConfig
	runner Runner
	logger *slog.Logger
}

// NewTranscriber creates a transcriber using the given runner.
func NewTranscriber(cfg TranscribeConfig, runner Runner, logger *slog.Logger) *Transcriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "transcribe"),
	}
}

// Transcribe runs the configured command against an audio message and
// returns the trimmed transcript. ok is false when transcription does not
// apply (no command, not audio) or failed (error, empty output).
func (t *Transcriber) Transcribe(ctx context.Context, msg MessageContext) (string, bool) {
	if !t.cfg.Enabled() || !strings.HasPrefix(msg.MediaType, "audio/") {
		return "", false
	}

	argv := RenderArgv(t.cfg.Command, TemplateValues(msg))

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout())
	defer cancel()

	result, err := t.runner.Run(runCtx, argv, "")
	if err != nil {
		t.logger.Warn("transcription failed", "error", err)
		return "", false
	}
	if result.TimedOut || result.ExitCode != 0 {
		t.logger.Warn("transcription command unsuccessful",
			"timed_out", result.TimedOut,
			"exit_code", result.ExitCode,
			"stderr", firstLine(result.Stderr))
		return "", false
	}

	transcript := strings.TrimSpace(result.Stdout)
	if transcript == "" {
		t.logger.Debug("transcription produced no output", "media", msg.MediaPath)
		return "", false
	}
	return transcript, true
}
