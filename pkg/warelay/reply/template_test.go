package reply

import (
	"reflect"
	"testing"
)

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		vals     map[string]string
		want     string
	}{
		{"simple", "Hi {{From}}", map[string]string{"From": "+1"}, "Hi +1"},
		{"multiple", "{{From}} -> {{To}}", map[string]string{"From": "a", "To": "b"}, "a -> b"},
		{"unknown key renders empty", "x{{Nope}}y", nil, "xy"},
		{"repeated key", "{{Body}} {{Body}}", map[string]string{"Body": "hi"}, "hi hi"},
		{"no placeholders", "plain", map[string]string{"Body": "hi"}, "plain"},
		{"unterminated left literal", "a {{Body", map[string]string{"Body": "hi"}, "a {{Body"},
		{"spaces inside braces", "{{ Body }}", map[string]string{"Body": "hi"}, "hi"},
		{"empty template", "", map[string]string{"Body": "hi"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Render(tt.template, tt.vals); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestRenderArgv(t *testing.T) {
	t.Parallel()

	argv := []string{"claude", "--resume", "{{SessionId}}", "{{Body}}"}
	vals := map[string]string{"SessionId": "abc", "Body": "hello"}

	got := RenderArgv(argv, vals)
	want := []string{"claude", "--resume", "abc", "hello"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RenderArgv = %v, want %v", got, want)
	}

	t.Run("empty renders keep positions", func(t *testing.T) {
		got := RenderArgv([]string{"cmd", "{{Missing}}", "tail"}, nil)
		if len(got) != 3 || got[1] != "" {
			t.Errorf("expected empty token preserved, got %v", got)
		}
	})
}

func TestTemplateValues(t *testing.T) {
	t.Parallel()

	msg := MessageContext{
		Body:      "hello",
		From:      "whatsapp:+4917012345678",
		To:        "+14155550100",
		MediaPath: "/tmp/a.ogg",
		MediaURL:  "https://example.com/a.ogg",
		MediaType: "audio/ogg",
	}

	vals := TemplateValues(msg)
	if vals[KeyBody] != "hello" || vals[KeyFrom] != msg.From || vals[KeyMediaType] != "audio/ogg" {
		t.Errorf("unexpected values: %v", vals)
	}
	if vals[KeyBodyStripped] != "hello" {
		t.Errorf("BodyStripped should default to Body, got %q", vals[KeyBodyStripped])
	}
}
