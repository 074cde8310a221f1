package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type recSender struct {
	name   string
	err    error
	titles []string
}

func (s *recSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recSender) Name() string { return s.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersEvents(t *testing.T) {
	s := &recSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{EventInstanceHalted, " "}, 0, quietLogger())

	_ = n.Notify(context.Background(), EventTradeClosed, "closed", "")
	_ = n.Notify(context.Background(), EventInstanceHalted, "halted", "")
	_ = n.NotifyAll(context.Background(), "all", "")

	if len(s.titles) != 2 || s.titles[0] != "halted" || s.titles[1] != "all" {
		t.Errorf("titles = %v", s.titles)
	}
}

func TestNotifySuppressesRepeats(t *testing.T) {
	s := &recSender{name: "a"}
	n := NewNotifier([]Sender{s}, nil, time.Minute, quietLogger())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	ctx := context.Background()
	_ = n.Notify(ctx, EventFeedDown, "feed down", "")
	_ = n.Notify(ctx, EventFeedDown, "feed down", "")
	_ = n.Notify(ctx, EventFeedDown, "other", "")
	now = now.Add(2 * time.Minute)
	_ = n.Notify(ctx, EventFeedDown, "feed down", "")

	if len(s.titles) != 3 {
		t.Errorf("titles = %v, want 3 sends", s.titles)
	}
}

func TestDispatchContinuesPastFailures(t *testing.T) {
	bad := &recSender{name: "bad", err: errors.New("boom")}
	good := &recSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, 0, quietLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(good.titles) != 1 {
		t.Error("good sender skipped")
	}
	if got := n.Senders(); len(got) != 2 || got[0] != "bad" {
		t.Errorf("Senders = %v", got)
	}
}

func TestTelegramSender(t *testing.T) {
	var path string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", "tok", "42")
	if err := s.Send(context.Background(), "halted", "btc-1"); err != nil {
		t.Fatal(err)
	}
	if path != "/bottok/sendMessage" {
		t.Errorf("path = %s", path)
	}
	if body["chat_id"] != "42" || body["text"] != "*halted*\nbtc-1" {
		t.Errorf("body = %v", body)
	}
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "microflow" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewDiscordSender(srv.URL, "microflow").Send(context.Background(), "t", "m"); err != nil {
		t.Errorf("Send = %v", err)
	}
	if err := NewDiscordSender(srv.URL, "").Send(context.Background(), "t", "m"); err == nil {
		t.Error("expected status error")
	}
}
