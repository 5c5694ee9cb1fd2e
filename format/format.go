// Package format turns portal notices into Telegram-safe HTML messages.
//
// The only markup that survives formatting is <b>. Everything else upstream
// sends is either converted (paragraphs, line breaks, strong, links) or
// stripped, and the remaining text is escaped for Telegram's HTML parse mode.
package format

import (
	"html"
	"notice-relay/pkg/notifier"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxSegmentLength is Telegram's limit on the text of one message, in characters.
const MaxSegmentLength = 4096

// Private-use runes stand in for <b> and </b> until the text is escaped.
// They are removed from the raw body and from every decoded entity, so
// nothing upstream can forge an allow-listed marker.
const (
	boldOpen  = '\uE000'
	boldClose = '\uE001'
)

var (
	nbspRe      = regexp.MustCompile(`(?i)&nbsp;|&#160;|&#xa0;|\x{00A0}`)
	boldTagRe   = regexp.MustCompile(`(?i)</?b(\s[^>]*)?/?>`)
	lineBreakRe = regexp.MustCompile(`(?i)</?p(\s[^>]*)?/?>|<br\s*/?>|</br\s*>`)
	newlinesRe  = regexp.MustCompile(`\n[ \t\r\n]*\n`)
	strongOpen  = regexp.MustCompile(`(?i)<strong(\s[^>]*)?>`)
	strongClose = regexp.MustCompile(`(?i)</strong\s*>`)
	anchorRe    = regexp.MustCompile(`(?is)<a\s[^>]*?href\s*=\s*(?:"([^"]*)"|'([^']*)')[^>]*>(.*?)</a\s*>`)
	tagRe       = regexp.MustCompile(`<[^<>]*>`)
	sentinelRe  = regexp.MustCompile(`[\x{E000}\x{E001}]`)

	escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	markers = strings.NewReplacer(string(boldOpen), "<b>", string(boldClose), "</b>")
)

// Formatter renders notices into length-bounded messages.
type Formatter struct {
	maxLength int
}

// New returns a formatter that splits messages at maxLength characters.
// A non-positive maxLength selects MaxSegmentLength.
func New(maxLength int) *Formatter {
	if maxLength <= 0 {
		maxLength = MaxSegmentLength
	}
	return &Formatter{maxLength: maxLength}
}

// Format builds the message for a notice and its details.
func (f *Formatter) Format(n *notifier.Notice, d *notifier.NoticeDetail) *notifier.Message {
	text := Render(n, d)
	return &notifier.Message{
		NoticeID: n.ID,
		Segments: Split(text, f.maxLength),
	}
}

// Render returns the full formatted text of a notice before splitting.
func Render(n *notifier.Notice, d *notifier.NoticeDetail) string {
	title := d.Title
	if strings.TrimSpace(title) == "" {
		title = n.Title
	}
	author := d.Author
	if author == "" {
		author = n.Author
	}

	var b strings.Builder
	b.WriteString(label("New Notice:"))
	b.WriteString("\n")
	b.WriteString(label("Title:"))
	b.WriteString(" ")
	b.WriteString(inline(title))
	b.WriteString("\n")
	if a := inline(author); a != "" {
		b.WriteString(label("Posted by:"))
		b.WriteString(" ")
		b.WriteString(a)
		b.WriteString("\n")
	}
	b.WriteString(label("Date:"))
	b.WriteString(" ")
	b.WriteString(inline(n.UpdatedAt))
	b.WriteString("\n\n")
	b.WriteString(label("Details:"))
	b.WriteString("\n")
	b.WriteString(Body(d.Body))

	return strings.TrimSpace(b.String())
}

func label(s string) string {
	return "<b>" + escaper.Replace(s) + "</b>"
}

// Body sanitizes an upstream HTML body into the minimal bold-only dialect.
func Body(raw string) string {
	s := sentinelRe.ReplaceAllString(raw, "")
	s = nbspRe.ReplaceAllString(s, " ")
	s = boldTagRe.ReplaceAllString(s, "")

	s = lineBreakRe.ReplaceAllString(s, "\n")
	s = newlinesRe.ReplaceAllString(s, "\n")

	s = strongOpen.ReplaceAllString(s, string(boldOpen))
	s = strongClose.ReplaceAllString(s, string(boldClose))

	s = anchorRe.ReplaceAllStringFunc(s, expandAnchor)
	s = tagRe.ReplaceAllString(s, "")
	s = newlinesRe.ReplaceAllString(s, "\n")

	s = balance(s)
	s = escapeAround(s)
	s = markers.Replace(s)
	return strings.TrimSpace(s)
}

// escapeAround decodes and escapes the text between bold markers, leaving the
// markers themselves in place.
func escapeAround(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	start := 0
	for i, r := range s {
		if r != boldOpen && r != boldClose {
			continue
		}
		b.WriteString(escapeText(s[start:i]))
		b.WriteRune(r)
		start = i + utf8.RuneLen(r)
	}
	b.WriteString(escapeText(s[start:]))
	return b.String()
}

// escapeText decodes entities once and escapes the result. Decoded marker
// runes are dropped.
func escapeText(s string) string {
	return escaper.Replace(sentinelRe.ReplaceAllString(html.UnescapeString(s), ""))
}

// inline sanitizes single-line fields: the title, author and date.
func inline(raw string) string {
	s := sentinelRe.ReplaceAllString(raw, "")
	s = nbspRe.ReplaceAllString(s, " ")
	s = anchorRe.ReplaceAllStringFunc(s, expandAnchor)
	s = tagRe.ReplaceAllString(s, "")
	s = sentinelRe.ReplaceAllString(html.UnescapeString(s), "")
	s = strings.Join(strings.Fields(s), " ")
	return escaper.Replace(s)
}

func expandAnchor(m string) string {
	sub := anchorRe.FindStringSubmatch(m)
	href := strings.TrimSpace(sub[1])
	if href == "" {
		href = strings.TrimSpace(sub[2])
	}
	text := strings.TrimSpace(tagRe.ReplaceAllString(sub[3], ""))
	switch {
	case href == "":
		return sub[3]
	case text == "" || text == href:
		return href
	default:
		return sub[3] + " (" + href + ")"
	}
}

// balance drops bold markers that would leave the text unbalanced and closes
// any still open at the end. Nested openers collapse into a single bold run.
func balance(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	depth := 0
	for _, r := range s {
		switch r {
		case boldOpen:
			if depth == 0 {
				b.WriteRune(r)
			}
			depth++
		case boldClose:
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				b.WriteRune(r)
			}
		default:
			b.WriteRune(r)
		}
	}
	if depth > 0 {
		b.WriteRune(boldClose)
	}
	return b.String()
}
