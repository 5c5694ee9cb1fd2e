package format

import (
	"html"
	"math/rand"
	"notice-relay/pkg/notifier"
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

func TestBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "paragraphs entities and strong",
			in:   "<p>Hello &amp; welcome</p><br><strong>Bold</strong>",
			want: "Hello &amp; welcome\n<b>Bold</b>",
		},
		{
			name: "empty body",
			in:   "",
			want: "",
		},
		{
			name: "non-breaking spaces",
			in:   "Venue:&nbsp;Hall&#160;A",
			want: "Venue: Hall A",
		},
		{
			name: "existing bold is stripped",
			in:   "<b>Important</b> update",
			want: "Important update",
		},
		{
			name: "collapses blank lines",
			in:   "<p>one</p>\n\n<p>&nbsp;</p>\n<p>two</p>",
			want: "one\ntwo",
		},
		{
			name: "link becomes inline text",
			in:   `Register <a href="https://forms.example/x" target="_blank">here</a> today`,
			want: "Register here (https://forms.example/x) today",
		},
		{
			name: "link whose text is the url",
			in:   `<a href='https://x.example'>https://x.example</a>`,
			want: "https://x.example",
		},
		{
			name: "unknown tags are stripped",
			in:   `<div class="x"><span style="color:red">Red</span> <em>text</em></div><script>alert(1)</script>`,
			want: "Red textalert(1)",
		},
		{
			name: "escaped markup stays text",
			in:   "&lt;b&gt;not bold&lt;/b&gt; 5 &lt; 6",
			want: "&lt;b&gt;not bold&lt;/b&gt; 5 &lt; 6",
		},
		{
			name: "raw ampersand and brackets",
			in:   "Q&A for 10 > 5",
			want: "Q&amp;A for 10 &gt; 5",
		},
		{
			name: "unclosed strong is closed",
			in:   "<strong>Deadline: Friday",
			want: "<b>Deadline: Friday</b>",
		},
		{
			name: "stray closing strong is dropped",
			in:   "done</strong> here",
			want: "done here",
		},
		{
			name: "nested strong collapses",
			in:   "<strong>a <strong>b</strong> c</strong>",
			want: "<b>a b c</b>",
		},
		{
			name: "malformed tag does not crash",
			in:   "<p>broken <a href=\"x\">link<p>next <",
			want: "broken link\nnext &lt;",
		},
		{
			name: "sentinel runes are removed",
			in:   "a\uE000b\uE001",
			want: "ab",
		},
		{
			name: "decimal entity cannot open bold",
			in:   "price &#57344;10 today",
			want: "price 10 today",
		},
		{
			name: "hex entity cannot close bold",
			in:   "done &#xE001; here",
			want: "done  here",
		},
		{
			name: "marker entities next to real strong",
			in:   "<strong>a&#xe001;</strong>&#57344;b",
			want: "<b>a</b>b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Body(tt.in); got != tt.want {
				t.Errorf("Body(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	n := &notifier.Notice{ID: "N2", UpdatedAt: "2024-08-02T10:00:00.000Z", Title: "ignored"}
	d := &notifier.NoticeDetail{
		ID:     "N2",
		Title:  "Campus Drive &amp; <b>Test</b>",
		Body:   "<p>Hello &amp; welcome</p><br><strong>Bold</strong>",
		Author: "TPO",
	}

	want := "<b>New Notice:</b>\n" +
		"<b>Title:</b> Campus Drive &amp; Test\n" +
		"<b>Posted by:</b> TPO\n" +
		"<b>Date:</b> 2024-08-02T10:00:00.000Z\n\n" +
		"<b>Details:</b>\n" +
		"Hello &amp; welcome\n<b>Bold</b>"

	if diff := cmp.Diff(want, Render(n, d)); diff != "" {
		t.Errorf("Render() mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderFallbacks(t *testing.T) {
	n := &notifier.Notice{ID: "N1", UpdatedAt: "today", Title: "List title", Author: "Admin"}
	d := &notifier.NoticeDetail{ID: "N1"}

	got := Render(n, d)
	if !strings.Contains(got, "<b>Title:</b> List title") {
		t.Errorf("Render() should fall back to list title, got %q", got)
	}
	if !strings.Contains(got, "<b>Posted by:</b> Admin") {
		t.Errorf("Render() should fall back to list author, got %q", got)
	}
	if !strings.HasSuffix(got, "<b>Details:</b>") {
		t.Errorf("Render() with empty body should end with Details label, got %q", got)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	f := New(0)
	msg := f.Format(
		&notifier.Notice{ID: "N1", UpdatedAt: "2024-08-01"},
		&notifier.NoticeDetail{ID: "N1", Title: "Welcome", Body: "<p>Hello &amp; welcome</p><br><strong>Bold</strong>"},
	)

	if msg.NoticeID != "N1" {
		t.Errorf("NoticeID = %q, want N1", msg.NoticeID)
	}
	if len(msg.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(msg.Segments))
	}
	seg := msg.Segments[0]

	plain := PlainText(seg)
	if !strings.Contains(plain, "\nHello & welcome\n") {
		t.Errorf("plain text %q missing %q on its own line", plain, "Hello & welcome")
	}
	if !strings.Contains(seg, "Hello &amp; welcome\n<b>Bold</b>") {
		t.Errorf("segment %q missing bold text after greeting line", seg)
	}
	if strings.Contains(seg, "&amp;amp;") {
		t.Errorf("segment %q is double escaped", seg)
	}
	if stripped := strings.NewReplacer("<b>", "", "</b>", "").Replace(seg); strings.ContainsAny(stripped, "<>") {
		t.Errorf("segment %q contains markup other than <b>", seg)
	}
}

func TestFormatMarkerEntitiesStayBalanced(t *testing.T) {
	f := New(0)
	msg := f.Format(
		&notifier.Notice{ID: "N9", UpdatedAt: "2024-08-09"},
		&notifier.NoticeDetail{ID: "N9", Title: "Fee &#57344;update", Body: "price &#57344;10 today, done &#xE001; here"},
	)
	for i, seg := range msg.Segments {
		if open, closed := strings.Count(seg, "<b>"), strings.Count(seg, "</b>"); open != closed {
			t.Errorf("segment %d has %d <b> and %d </b>: %q", i, open, closed, seg)
		}
		if !strings.Contains(seg, "price 10 today") {
			t.Errorf("segment %d = %q, want body text without markup", i, seg)
		}
	}
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "<b>Title:</b> a &amp; b", want: "Title: a & b"},
		{in: "5 &lt; 6\n<b>x</b>", want: "5 < 6\nx"},
		{in: "plain", want: "plain"},
	}
	for _, tt := range tests {
		if got := PlainText(tt.in); got != tt.want {
			t.Errorf("PlainText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{name: "empty", in: "  ", limit: 20, want: nil},
		{name: "fits", in: "hello world", limit: 20, want: []string{"hello world"}},
		{
			name:  "prefers newline",
			in:    "first line\nsecond line here",
			limit: 20,
			want:  []string{"first line", "second line here"},
		},
		{
			name:  "prefers whitespace",
			in:    "aaaa bbbb cccc dddd eeee",
			limit: 16,
			want:  []string{"aaaa bbbb cccc", "dddd eeee"},
		},
		{
			name:  "hard split without whitespace",
			in:    strings.Repeat("x", 40),
			limit: 16,
			want:  []string{strings.Repeat("x", 16), strings.Repeat("x", 16), strings.Repeat("x", 8)},
		},
		{
			name:  "bold reopened across boundary",
			in:    "<b>" + strings.Repeat("a", 20) + "</b>",
			limit: 16,
			want:  []string{"<b>aaaaaaaaa</b>", "<b>aaaaaaaaa</b>", "<b>aa</b>"},
		},
		{
			name:  "entity never cut",
			in:    strings.Repeat("y", 14) + "&amp;" + "zz",
			limit: 16,
			want:  []string{strings.Repeat("y", 14), "&amp;zz"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.in, tt.limit)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Split() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSplitMultiByte(t *testing.T) {
	in := strings.Repeat("🙂", MaxSegmentLength-1) + "\n" + "🙂"
	got := Split(in, MaxSegmentLength)
	want := []string{strings.Repeat("🙂", MaxSegmentLength-1), "🙂"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Split() mismatch (-want +got):\n%s", diff)
	}
}

func stripMarkup(s string) string {
	s = html.UnescapeString(strings.NewReplacer("<b>", "", "</b>", "").Replace(s))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// TestSplitLengthLaw checks that every segment fits and that no text is lost
// or reordered, on randomized bodies.
func TestSplitLengthLaw(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	words := []string{"alpha", "beta", "<strong>gamma</strong>", "&amp;", "<p>", "</p>", "<br>", "δέλτα", "&nbsp;",
		`<a href="https://example.com/x">link</a>`, "<strong>open", "</strong>", strings.Repeat("w", 70), "<i>it</i>", "5 < 6"}

	for _, limit := range []int{16, 37, 100, MaxSegmentLength} {
		for round := 0; round < 50; round++ {
			var b strings.Builder
			n := rng.Intn(3000)
			for i := 0; i < n; i++ {
				b.WriteString(words[rng.Intn(len(words))])
				if rng.Intn(3) > 0 {
					b.WriteString(" ")
				}
			}
			text := Render(&notifier.Notice{ID: "N", UpdatedAt: "d"}, &notifier.NoticeDetail{Title: "t", Body: b.String()})

			segs := Split(text, limit)
			var joined strings.Builder
			for i, seg := range segs {
				if l := utf8.RuneCountInString(seg); l > limit {
					t.Fatalf("limit %d: segment %d has %d characters", limit, i, l)
				}
				if strings.Count(seg, "<b>") != strings.Count(seg, "</b>") {
					t.Fatalf("limit %d: segment %d has unbalanced bold: %q", limit, i, seg)
				}
				joined.WriteString(seg)
			}
			if got, want := stripMarkup(joined.String()), stripMarkup(text); got != want {
				t.Fatalf("limit %d: content changed after split", limit)
			}
		}
	}
}
