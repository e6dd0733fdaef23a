package channel

import (
	"strings"
	"unicode/utf8"
)

const fenceMarker = "```"

// minFenceLength is the smallest MaxLength at which Splitter rebalances
// code fences; below it the reopened fence would crowd out the content.
const minFenceLength = 32

// Splitter breaks a reply into messages no longer than MaxLength bytes.
// It cuts at line ends first, then at the last space, and never inside a
// UTF-8 sequence.
type Splitter struct {
	// MaxLength is the byte limit per message. Zero or less disables splitting.
	MaxLength int

	// Fences closes a fenced code block at the end of a message and reopens
	// it at the start of the next, so every message renders on its own.
	Fences bool
}

// Split returns the messages for text. Text within the limit comes back as
// a single message; whitespace-only messages are dropped.
func (s Splitter) Split(text string) []string {
	if s.MaxLength <= 0 || len(text) <= s.MaxLength {
		return []string{text}
	}
	sp := splitState{max: s.MaxLength, fences: s.Fences && s.MaxLength >= minFenceLength, openedAt: -1}
	for _, line := range strings.SplitAfter(text, "\n") {
		sp.add(line)
	}
	sp.flush(true)
	return sp.out
}

type splitState struct {
	max    int
	fences bool

	out  []string
	cur  strings.Builder
	base int // bytes of reopened fence at the start of cur

	fence    string // opening line of the code block in progress
	openedAt int    // offset of that line in cur, or -1
}

// limit is the room for content in the current message, keeping space for
// a synthetic closing fence unless line closes the block itself.
func (sp *splitState) limit(line string) int {
	if !sp.fences || sp.fence == "" || isFence(line) {
		return sp.max
	}
	return sp.max - len("\n"+fenceMarker)
}

func (sp *splitState) add(line string) {
	for sp.cur.Len()+len(line) > sp.limit(line) {
		if sp.cur.Len() > sp.base {
			sp.flush(false)
			continue
		}
		n := cutPoint(line, sp.limit(line)-sp.cur.Len())
		sp.cur.WriteString(line[:n])
		line = line[n:]
		sp.flush(false)
	}
	if isFence(line) {
		if sp.fence == "" {
			sp.fence = strings.TrimSpace(line)
			sp.openedAt = sp.cur.Len()
		} else {
			sp.fence, sp.openedAt = "", -1
		}
	}
	sp.cur.WriteString(line)
}

// flush emits the current message. Unless final, a block still open is
// closed here and reopened in the next message.
func (sp *splitState) flush(final bool) {
	body := sp.cur.String()
	sp.cur.Reset()
	sp.base = 0

	open := sp.fences && sp.fence != ""
	switch {
	case open && !final && sp.openedAt >= 0 && strings.TrimSpace(body[sp.openedAt:]) == sp.fence:
		// The block opened on the last line: move its fence to the next message.
		sp.emit(body[:sp.openedAt])
	case open && !final:
		sp.emit(strings.TrimRight(body, " \n") + "\n" + fenceMarker)
	default:
		sp.emit(body)
	}
	sp.openedAt = -1

	if open && !final {
		reopen := sp.fence
		if len(reopen) > sp.max/4 {
			reopen = fenceMarker
		}
		sp.cur.WriteString(reopen + "\n")
		sp.base = sp.cur.Len()
	}
}

func (sp *splitState) emit(body string) {
	body = strings.TrimRight(body, " \n")
	if strings.TrimSpace(body) != "" {
		sp.out = append(sp.out, body)
	}
}

func isFence(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), fenceMarker)
}

// cutPoint returns how many bytes of s to take to fit room: up to the last
// space in the second half of the window, else the last rune boundary. It
// always takes at least one rune.
func cutPoint(s string, room int) int {
	if room >= len(s) {
		return len(s)
	}
	i := max(room, 0)
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	if i == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	if sp := strings.LastIndexByte(s[:i], ' '); sp > i/2 {
		return sp + 1
	}
	return i
}
