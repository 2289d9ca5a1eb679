package reply

import "strings"

// Template keys understood by the renderer. Callers may bind additional
// keys; unknown placeholders always render as the empty string.
const (
	KeyBody         = "Body"
	KeyBodyStripped = "BodyStripped"
	KeyFrom         = "From"
	KeyTo           = "To"
	KeyMediaPath    = "MediaPath"
	KeyMediaURL     = "MediaUrl"
	KeyMediaType    = "MediaType"
	KeySessionID    = "SessionId"
)

// Render substitutes every {{Key}} placeholder in template with the bound
// value, or the empty string when the key is absent. Rendering is pure and
// never fails.
func Render(template string, vals map[string]string) string {
	var b strings.Builder
	b.Grow(len(template))

	for {
		start := strings.Index(template, "{{")
		if start < 0 {
			b.WriteString(template)
			return b.String()
		}
		end := strings.Index(template[start:], "}}")
		if end < 0 {
			b.WriteString(template)
			return b.String()
		}
		end += start

		b.WriteString(template[:start])
		key := strings.TrimSpace(template[start+2 : end])
		b.WriteString(vals[key])
		template = template[end+2:]
	}
}

// RenderArgv renders each token of an argv template. Tokens that render to
// the empty string are kept so argument positions stay stable.
func RenderArgv(argv []string, vals map[string]string) []string {
	out := make([]string, len(argv))
	for i, tok := range argv {
		out[i] = Render(tok, vals)
	}
	return out
}

// TemplateValues binds the standard keys from a message context. The
// BodyStripped and SessionId keys are filled in by the session manager.
func TemplateValues(msg MessageContext) map[string]string {
	return map[string]string{
		KeyBody:         msg.Body,
		KeyBodyStripped: msg.Body,
		KeyFrom:         msg.From,
		KeyTo:           msg.To,
		KeyMediaPath:    msg.MediaPath,
		KeyMediaURL:     msg.MediaURL,
		KeyMediaType:    msg.MediaType,
	}
}
