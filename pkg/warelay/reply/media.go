package reply

import (
	"net/url"
	"strings"
)

// mediaMarker is the in-band marker the external command uses to attach a
// file or URL to its reply, e.g. "MEDIA:/tmp/chart.png".
const mediaMarker = "MEDIA:"

// trailingPunct are characters stripped from the end of a candidate token.
// They show up when the marker sits inside quoted or JSON-formatted output.
var trailingPunct = "\"'`.,;:!?)]}>"

// ExtractMediaToken scans text for the first valid MEDIA token. It returns
// the text with the marker and token removed (blank-line artifacts
// collapsed) and the extracted URL or path. When no valid token exists the
// text is returned unchanged and the media string is empty.
func ExtractMediaToken(text string) (string, string) {
	search := 0
	for {
		idx := strings.Index(text[search:], mediaMarker)
		if idx < 0 {
			return text, ""
		}
		start := search + idx
		chunkStart := start + len(mediaMarker)

		// At most one space between the marker and the token.
		if chunkStart < len(text) && text[chunkStart] == ' ' {
			chunkStart++
		}

		token, chunkEnd, ok := scanToken(text, chunkStart)
		if !ok {
			// Not a usable token; leave this occurrence verbatim and
			// keep scanning.
			search = start + len(mediaMarker)
			continue
		}

		return removeSpan(text, start, chunkEnd), token
	}
}

// scanToken reads the candidate token starting at pos. It handles backtick
// wrapping, stops at whitespace, and strips trailing non-path punctuation.
// Returns the decoded token, the end offset of the consumed span, and
// whether the token is a plausible URL or path.
func scanToken(text string, pos int) (string, int, bool) {
	if pos >= len(text) {
		return "", pos, false
	}

	if text[pos] == '`' {
		// Backtick-wrapped: consume through the closing backtick, which
		// may sit past whitespace. A wrapped token with internal
		// whitespace is not a match.
		rel := strings.IndexByte(text[pos+1:], '`')
		if rel < 0 {
			return "", pos, false
		}
		token := text[pos+1 : pos+1+rel]
		end := pos + rel + 2
		if token == "" || strings.ContainsAny(token, " \t\r\n") {
			return "", end, false
		}
		return token, end, plausibleMediaToken(token)
	}

	end := pos
	for end < len(text) && !isSpace(text[end]) {
		end++
	}
	token := strings.TrimRight(text[pos:end], trailingPunct)
	if token == "" {
		return "", end, false
	}
	return token, end, plausibleMediaToken(token)
}

// plausibleMediaToken reports whether a token looks like a URL or a
// filesystem path. Anything with embedded whitespace was already rejected.
func plausibleMediaToken(token string) bool {
	if strings.Contains(token, "://") {
		u, err := url.Parse(token)
		return err == nil && u.Scheme != "" && u.Host != ""
	}
	if strings.HasPrefix(token, "/") || strings.HasPrefix(token, "./") || strings.HasPrefix(token, "~/") {
		return true
	}
	// Bare relative path: either has directory structure or an extension.
	return strings.Contains(token, "/") || strings.Contains(token, ".")
}

// removeSpan cuts text[start:end] and collapses the whitespace artifacts
// the removal leaves behind, so the remaining text reads as if the marker
// line never existed.
func removeSpan(text string, start, end int) string {
	before := text[:start]
	after := text[end:]

	trimBefore := strings.TrimRight(before, " \t")
	trimAfter := strings.TrimLeft(after, " \t")

	switch {
	case (trimBefore == "" || strings.HasSuffix(trimBefore, "\n")) &&
		(trimAfter == "" || strings.HasPrefix(trimAfter, "\n")):
		// The marker occupied a whole line; drop the line.
		before = trimBefore
		after = strings.TrimLeft(trimAfter, "\n")
	case strings.HasSuffix(before, " ") && strings.HasPrefix(after, " "):
		// Inline marker: collapse the doubled space at the join.
		after = after[1:]
	}

	return strings.TrimSpace(before + after)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
