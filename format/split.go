package format

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// minSegmentLength leaves room for a reopened and a closing bold tag around
// the widest token.
const minSegmentLength = 16

var entityRe = regexp.MustCompile(`^&(?:[a-zA-Z]{2,8}|#[0-9]{1,7}|#[xX][0-9a-fA-F]{1,6});`)

type tokenKind int

const (
	tokText tokenKind = iota
	tokSpace
	tokNewline
	tokOpen
	tokClose
)

type token struct {
	text  string
	width int
	kind  tokenKind
}

// tokenize cuts formatted text into units that must never be split: bold
// tags, entities and single runes.
func tokenize(s string) []token {
	toks := make([]token, 0, len(s))
	for len(s) > 0 {
		switch {
		case strings.HasPrefix(s, "<b>"):
			toks = append(toks, token{text: "<b>", width: 3, kind: tokOpen})
			s = s[3:]
			continue
		case strings.HasPrefix(s, "</b>"):
			toks = append(toks, token{text: "</b>", width: 4, kind: tokClose})
			s = s[4:]
			continue
		case s[0] == '&':
			if m := entityRe.FindString(s); m != "" {
				toks = append(toks, token{text: m, width: len(m), kind: tokText})
				s = s[len(m):]
				continue
			}
		}

		r, size := utf8.DecodeRuneInString(s)
		t := token{text: s[:size], width: 1, kind: tokText}
		switch {
		case r == '\n':
			t.kind = tokNewline
		case unicode.IsSpace(r):
			t.kind = tokSpace
		}
		toks = append(toks, t)
		s = s[size:]
	}
	return toks
}

func (t token) blank() bool {
	return t.kind == tokSpace || t.kind == tokNewline
}

// Split breaks formatted text into segments of at most limit characters.
// Breaks prefer the last newline, then the last whitespace, and never fall
// inside a tag or an entity. Bold runs crossing a break are closed at the end
// of one segment and reopened at the start of the next, so every segment is
// valid on its own.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = MaxSegmentLength
	}
	if limit < minSegmentLength {
		limit = minSegmentLength
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	toks := tokenize(text)
	var segments []string
	bold := false

	for i := 0; i < len(toks); {
		for i < len(toks) && toks[i].blank() {
			i++
		}
		if i == len(toks) {
			break
		}

		width := 0
		if bold {
			width = len("<b>")
		}
		state := bold
		end, endBold := i, bold
		lastNewline, newlineBold := -1, false
		lastSpace, spaceBold := -1, false

		for j := i; j < len(toks); j++ {
			t := toks[j]
			next := state
			switch t.kind {
			case tokOpen:
				next = true
			case tokClose:
				next = false
			}
			closing := 0
			if next {
				closing = len("</b>")
			}
			if width+t.width+closing > limit {
				break
			}
			width += t.width
			state = next
			end, endBold = j+1, state

			switch t.kind {
			case tokNewline:
				lastNewline, newlineBold = j, state
			case tokSpace:
				lastSpace, spaceBold = j, state
			}
		}

		if end == i {
			// Unreachable with minSegmentLength, but never loop forever.
			end, endBold = i+1, bold
		}

		splitAt, splitBold := end, endBold
		if end < len(toks) {
			switch {
			case lastNewline > i:
				splitAt, splitBold = lastNewline, newlineBold
			case lastSpace > i:
				splitAt, splitBold = lastSpace, spaceBold
			}
		}

		var b strings.Builder
		if bold {
			b.WriteString("<b>")
		}
		for _, t := range toks[i:splitAt] {
			b.WriteString(t.text)
		}
		seg := strings.TrimRightFunc(b.String(), unicode.IsSpace)
		if splitBold {
			seg += "</b>"
		}
		if strings.TrimSpace(tagRe.ReplaceAllString(seg, "")) != "" {
			segments = append(segments, seg)
		}

		bold = splitBold
		i = splitAt
	}

	return segments
}

// PlainText renders a formatted segment without markup, for destinations
// that reject the HTML dialect.
func PlainText(segment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(segment))
	if err != nil {
		return strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(segment, "")))
	}
	return strings.TrimSpace(doc.Text())
}
