package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	goredis "github.com/redis/go-redis/v9"
)

type recordingSink struct {
	events []Event
	err    error
}

func (s *recordingSink) Notify(_ context.Context, e Event) error {
	s.events = append(s.events, e)
	return s.err
}

func TestFanoutDeliversToAll(t *testing.T) {
	failing := &recordingSink{err: errors.New("smtp down")}
	ok := &recordingSink{}

	err := Fanout{failing, ok}.Notify(context.Background(), Event{Type: EventLoaded})
	if err == nil || !strings.Contains(err.Error(), "smtp down") {
		t.Errorf("err = %v, want joined smtp error", err)
	}
	if len(failing.events) != 1 || len(ok.events) != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", len(failing.events), len(ok.events))
	}
}

func TestFanoutEmpty(t *testing.T) {
	if err := (Fanout{}).Notify(context.Background(), Event{}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := s.Notify(context.Background(), Event{
		Type:          EventRejected,
		Audience:      AudienceOffice,
		ReleaseID:     "r1",
		ReleaseNumber: "REL-1",
		Message:       "count mismatch",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["type"] != EventRejected {
		t.Errorf("type = %v, want %s", entry["type"], EventRejected)
	}
	if entry["release_number"] != "REL-1" {
		t.Errorf("release_number = %v, want REL-1", entry["release_number"])
	}
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message any) *goredis.IntCmd {
	p.channel = channel
	p.payload, _ = message.([]byte)
	cmd := goredis.NewIntCmd(ctx)
	if p.err != nil {
		cmd.SetErr(p.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	s := &RedisSink{client: pub, channel: "releaseflow.events"}

	err := s.Notify(context.Background(), Event{Type: EventStaged, ReleaseID: "r1", Message: "ready"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if pub.channel != "releaseflow.events" {
		t.Errorf("channel = %q, want releaseflow.events", pub.channel)
	}

	var got Event
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Type != EventStaged || got.ReleaseID != "r1" {
		t.Errorf("payload = %+v, want staged event for r1", got)
	}
}

func TestRedisSinkPublishError(t *testing.T) {
	s := &RedisSink{client: &fakePublisher{err: errors.New("connection refused")}, channel: "c"}
	if err := s.Notify(context.Background(), Event{Type: EventLoaded}); err == nil {
		t.Error("expected publish error")
	}
}

func TestNewRedisSinkValidation(t *testing.T) {
	if _, err := NewRedisSink(context.Background(), "", "c"); err == nil {
		t.Error("expected error for empty addr")
	}
	if _, err := NewRedisSink(context.Background(), "localhost:6379", ""); err == nil {
		t.Error("expected error for empty channel")
	}
}
