package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/vocalprobe/internal/session"
)

type setCall struct {
	key   string
	value []byte
	ttl   time.Duration
}

// fakeRedis records writes in memory.
type fakeRedis struct {
	mu         sync.Mutex
	sets       []setCall
	published  [][]byte
	publishErr error
	closed     bool
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, setCall{key: key, value: value.([]byte), ttl: ttl})
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if channel != EventsChannel {
		return redis.NewIntResult(0, errors.New("unexpected channel "+channel))
	}
	if f.publishErr != nil {
		return redis.NewIntResult(0, f.publishErr)
	}
	f.published = append(f.published, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd { return redis.NewStatusResult("PONG", nil) }

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRedisPublisher_PublishesEvents(t *testing.T) {
	t.Parallel()
	client := &fakeRedis{}
	p := NewRedisPublisher(client, RedisOptions{LiveTTL: 30 * time.Second})

	p.Notify(session.Event{Kind: session.EventStateChange, SessionID: "s1", Message: "Calibrating... 50%"})
	p.Notify(session.Event{
		Kind:      session.EventDataUpdate,
		SessionID: "s1",
		Data:      &session.LiveData{StressLevel: 3.5},
	})
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p.Notify(session.Event{Kind: session.EventLogged})

	if !client.closed {
		t.Error("client not closed")
	}
	if len(client.published) != 2 {
		t.Fatalf("published %d events, want 2", len(client.published))
	}
	var first map[string]any
	if err := json.Unmarshal(client.published[0], &first); err != nil {
		t.Fatal(err)
	}
	if first["kind"] != "state-change" || first["message"] != "Calibrating... 50%" {
		t.Errorf("first event = %v", first)
	}

	if len(client.sets) != 1 {
		t.Fatalf("set %d keys, want 1", len(client.sets))
	}
	set := client.sets[0]
	if set.key != "vocalprobe:live:s1" || set.ttl != 30*time.Second {
		t.Errorf("set = %s ttl %v", set.key, set.ttl)
	}
	var live session.LiveData
	if err := json.Unmarshal(set.value, &live); err != nil || live.StressLevel != 3.5 {
		t.Errorf("live payload = %s, %v", set.value, err)
	}
}

func TestRedisPublisher_SurvivesWriteErrors(t *testing.T) {
	t.Parallel()
	client := &fakeRedis{publishErr: errors.New("connection refused")}
	p := NewRedisPublisher(client, RedisOptions{})
	for range 3 {
		p.Notify(session.Event{Kind: session.EventStateChange})
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if len(client.published) != 0 {
		t.Errorf("published %d events through a failing client", len(client.published))
	}
}
