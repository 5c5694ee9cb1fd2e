package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"notice-relay/pkg/notifier"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sent struct {
	Text string
	Rich bool
}

// fakeProvider records every attempt and fails according to fail.
type fakeProvider struct {
	calls []sent
	fail  func(text string, rich bool) error
}

func (f *fakeProvider) Send(_ context.Context, text string, rich bool) error {
	f.calls = append(f.calls, sent{Text: text, Rich: rich})
	if f.fail != nil {
		return f.fail(text, rich)
	}
	return nil
}

func TestSendSegmentRich(t *testing.T) {
	p := &fakeProvider{}
	d := NewDeliverer(p, discardLogger())

	fallback, err := d.SendSegment(context.Background(), "N1", 0, "<b>Title:</b> x")
	if err != nil {
		t.Fatalf("SendSegment() error = %v", err)
	}
	if fallback {
		t.Error("SendSegment() reported fallback for accepted rich message")
	}
	if diff := cmp.Diff([]sent{{Text: "<b>Title:</b> x", Rich: true}}, p.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSendSegmentFallback(t *testing.T) {
	p := &fakeProvider{fail: func(_ string, rich bool) error {
		if rich {
			return errors.New("can't parse entities")
		}
		return nil
	}}
	d := NewDeliverer(p, discardLogger())

	fallback, err := d.SendSegment(context.Background(), "N1", 0, "<b>Q&amp;A</b> &lt;today&gt;")
	if err != nil {
		t.Fatalf("SendSegment() error = %v", err)
	}
	if !fallback {
		t.Error("SendSegment() did not report fallback")
	}
	want := []sent{
		{Text: "<b>Q&amp;A</b> &lt;today&gt;", Rich: true},
		{Text: "Q&A <today>", Rich: false},
	}
	if diff := cmp.Diff(want, p.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSendSegmentBothFail(t *testing.T) {
	richErr := errors.New("rich rejected")
	plainErr := errors.New("plain rejected")
	p := &fakeProvider{fail: func(_ string, rich bool) error {
		if rich {
			return richErr
		}
		return plainErr
	}}
	d := NewDeliverer(p, discardLogger())

	_, err := d.SendSegment(context.Background(), "N7", 2, "text")
	if !IsDeliveryError(err) {
		t.Fatalf("SendSegment() error = %v, want DeliveryError", err)
	}
	if !errors.Is(err, richErr) || !errors.Is(err, plainErr) {
		t.Errorf("DeliveryError should wrap both attempts, got %v", err)
	}
	var de *DeliveryError
	errors.As(err, &de)
	if de.NoticeID != "N7" || de.Segment != 2 {
		t.Errorf("DeliveryError = %+v, want notice N7 segment 2", de)
	}
	if len(p.calls) != 2 {
		t.Errorf("got %d attempts, want exactly 2", len(p.calls))
	}
}

func TestSendSegmentCancelledSkipsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{fail: func(string, bool) error {
		cancel()
		return context.Canceled
	}}
	d := NewDeliverer(p, discardLogger())

	if _, err := d.SendSegment(ctx, "N1", 0, "x"); err == nil {
		t.Fatal("SendSegment() succeeded after cancellation")
	}
	if len(p.calls) != 1 {
		t.Errorf("got %d attempts, want 1", len(p.calls))
	}
}

func TestDeliverContinuesPastFailure(t *testing.T) {
	p := &fakeProvider{fail: func(text string, _ bool) error {
		if strings.Contains(text, "second") {
			return errors.New("too long")
		}
		return nil
	}}
	d := NewDeliverer(p, discardLogger())

	r := d.Deliver(context.Background(), &notifier.Message{
		NoticeID: "N1",
		Segments: []string{"first", "second", "third"},
	})

	if r.Delivered != 2 || r.Failed != 1 || r.Fallbacks != 0 {
		t.Errorf("Report = %+v, want 2 delivered 1 failed", r)
	}
	if len(r.Errors) != 1 || !IsDeliveryError(r.Errors[0]) {
		t.Errorf("Report.Errors = %v, want one DeliveryError", r.Errors)
	}

	var order []string
	for _, c := range p.calls {
		order = append(order, c.Text)
	}
	want := []string{"first", "second", "second", "third"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("send order mismatch (-want +got):\n%s", diff)
	}
}

type botServer struct {
	*httptest.Server
	calls    atomic.Int32
	mu       sync.Mutex
	requests []sendMessageRequest
	paths    []string
}

func (s *botServer) request(i int) (string, sendMessageRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[i], s.requests[i]
}

func newBotServer(t *testing.T, handler func(n int32, w http.ResponseWriter)) *botServer {
	t.Helper()
	s := &botServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.calls.Add(1)
		var req sendMessageRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handler(n, w)
	}))
	t.Cleanup(s.Close)
	return s
}

func okResponse(w http.ResponseWriter, result string) {
	_, _ = io.WriteString(w, `{"ok":true,"result":`+result+`}`)
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		Token:              "123:secret",
		ChatID:             "-1001",
		APIURL:             url,
		DisableLinkPreview: true,
		Attempts:           3,
		RetryDelay:         time.Millisecond,
		Logger:             discardLogger(),
	})
}

func TestClientSendRich(t *testing.T) {
	s := newBotServer(t, func(_ int32, w http.ResponseWriter) {
		okResponse(w, `{"message_id":42}`)
	})
	c := newTestClient(s.URL)

	if err := c.Send(context.Background(), "<b>hi</b>", true); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	path, got := s.request(0)
	if want := "/bot123:secret/sendMessage"; path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	want := sendMessageRequest{
		ChatID:             "-1001",
		Text:               "<b>hi</b>",
		ParseMode:          "HTML",
		LinkPreviewOptions: &linkPreviewOptions{IsDisabled: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestClientSendPlainOmitsParseMode(t *testing.T) {
	s := newBotServer(t, func(_ int32, w http.ResponseWriter) {
		okResponse(w, `{"message_id":1}`)
	})
	c := newTestClient(s.URL)

	if err := c.Send(context.Background(), "hi", false); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, req := s.request(0); req.ParseMode != "" {
		t.Errorf("parse_mode = %q, want empty", req.ParseMode)
	}
}

func TestClientBadRequestNotRetried(t *testing.T) {
	s := newBotServer(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
	})
	c := newTestClient(s.URL)

	err := c.Send(context.Background(), "<b>broken", true)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Send() error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || !strings.Contains(apiErr.Description, "parse entities") {
		t.Errorf("APIError = %+v", apiErr)
	}
	if got := s.calls.Load(); got != 1 {
		t.Errorf("server called %d times, want 1", got)
	}
}

func TestClientRetriesTransientErrors(t *testing.T) {
	s := newBotServer(t, func(n int32, w http.ResponseWriter) {
		switch n {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":0}}`)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"ok":false}`)
		default:
			okResponse(w, `{"message_id":7}`)
		}
	})
	c := newTestClient(s.URL)

	if err := c.Send(context.Background(), "hi", true); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := s.calls.Load(); got != 3 {
		t.Errorf("server called %d times, want 3", got)
	}
}

func TestClientErrorHidesToken(t *testing.T) {
	c := NewClient(Config{
		Token:      "123:secret",
		ChatID:     "1",
		APIURL:     "http://127.0.0.1:1",
		Attempts:   1,
		RetryDelay: time.Millisecond,
		Logger:     discardLogger(),
	})

	err := c.Send(context.Background(), "hi", false)
	if err == nil {
		t.Fatal("Send() to closed port succeeded")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("error leaks bot token: %v", err)
	}
}

func TestClientGetMe(t *testing.T) {
	s := newBotServer(t, func(_ int32, w http.ResponseWriter) {
		okResponse(w, `{"id":1,"is_bot":true,"username":"notice_bot"}`)
	})
	c := newTestClient(s.URL)

	name, err := c.GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe() error = %v", err)
	}
	if name != "notice_bot" {
		t.Errorf("GetMe() = %q, want notice_bot", name)
	}
	if path, _ := s.request(0); path != "/bot123:secret/getMe" {
		t.Errorf("path = %q, want %q", path, "/bot123:secret/getMe")
	}
}
