package telegram

import (
	"strings"
	"unicode/utf8"
)

// markdownV2Special are the characters MarkdownV2 requires escaping outside
// code entities.
const markdownV2Special = "_*[]()~`>#+-=|{}.!\\"

// EscapeMarkdownV2 escapes text for use as plain MarkdownV2 content, such as
// a folder name or a remote error message inside a command reply.
func EscapeMarkdownV2(text string) string {
	return escapeRunes(text, markdownV2Special)
}

// escapeCode escapes the content of a code entity, where only the backtick
// and the backslash are special.
func escapeCode(text string) string {
	return escapeRunes(text, "`\\")
}

func escapeRunes(text, special string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/8)
	for _, r := range text {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// span is an inline entity recognized in reply templates.
type span struct {
	delim string // delimiter in the template
	emit  string // delimiter in MarkdownV2
	code  bool
}

var replySpans = []span{
	{delim: "`", emit: "`", code: true},
	{delim: "**", emit: "*"},
	{delim: "__", emit: "__"},
}

// FormatMarkdownV2 renders a reply template as MarkdownV2. Templates may
// use **bold**, __underline__, `code` and fenced code blocks; every other
// special character is escaped.
func FormatMarkdownV2(text string) string {
	lines := strings.Split(text, "\n")
	inFence := false
	for i, line := range lines {
		switch {
		case strings.HasPrefix(strings.TrimSpace(line), "```"):
			inFence = !inFence
		case inFence:
			lines[i] = escapeCode(line)
		default:
			lines[i] = formatInline(line)
		}
	}
	return strings.Join(lines, "\n")
}

func formatInline(line string) string {
	var b strings.Builder
	for i := 0; i < len(line); {
		if n := writeSpan(&b, line[i:]); n > 0 {
			i += n
			continue
		}
		r, size := utf8.DecodeRuneInString(line[i:])
		b.WriteString(EscapeMarkdownV2(string(r)))
		i += size
	}
	return b.String()
}

// writeSpan renders the entity starting at s, if any, and returns how many
// bytes of s it consumed. Unclosed or empty entities consume nothing.
func writeSpan(b *strings.Builder, s string) int {
	for _, sp := range replySpans {
		if !strings.HasPrefix(s, sp.delim) {
			continue
		}
		rest := s[len(sp.delim):]
		end := strings.Index(rest, sp.delim)
		if end <= 0 {
			continue
		}
		inner := rest[:end]
		b.WriteString(sp.emit)
		if sp.code {
			b.WriteString(escapeCode(inner))
		} else {
			b.WriteString(EscapeMarkdownV2(inner))
		}
		b.WriteString(sp.emit)
		return len(sp.delim)*2 + end
	}
	return 0
}
