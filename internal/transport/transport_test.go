package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryPublishAndPoll(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	if err := bus.Publish(ctx, "a", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected without subscribers, got %v", err)
	}

	var got []string
	sub, err := bus.Subscribe("a", func(p []byte) { got = append(got, string(p)) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for _, p := range []string{"1", "2"} {
		if err := bus.Publish(ctx, "a", []byte(p)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if n := sub.Poll(); n != 2 {
		t.Fatalf("expected 2 fragments, got %d", n)
	}
	if n := sub.Poll(); n != 0 {
		t.Fatalf("second poll must be empty, got %d", n)
	}
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("unexpected order %v", got)
	}

	_ = sub.Close()
	if err := bus.Publish(ctx, "a", []byte("3")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after close, got %v", err)
	}
}

func TestMemoryFailNext(t *testing.T) {
	bus := NewMemory()
	if _, err := bus.Subscribe("a", func([]byte) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.FailNext("a", ErrAdminBusy, errors.New("boom"))

	ctx := context.Background()
	if err := bus.Publish(ctx, "a", nil); !errors.Is(err, ErrAdminBusy) {
		t.Fatalf("expected ErrAdminBusy, got %v", err)
	}
	if err := bus.Publish(ctx, "a", nil); err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := bus.Publish(ctx, "a", nil); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func newRedisTransport(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return mr, NewRedis(client, 10, nil)
}

func TestRedisPublishAndPoll(t *testing.T) {
	_, tr := newRedisTransport(t)
	ctx := context.Background()

	if err := tr.Publish(ctx, "gate.input", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected without subscribers, got %v", err)
	}

	var got []string
	sub, err := tr.Subscribe("gate.input", func(p []byte) { got = append(got, string(p)) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := tr.Publish(ctx, "gate.input", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		if sub.Poll() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected messages %v", got)
	}
}

func TestRedisBusyReplyIsAdminBusy(t *testing.T) {
	mr, tr := newRedisTransport(t)
	mr.SetError("LOADING Redis is loading the dataset in memory")
	defer mr.SetError("")

	if err := tr.Publish(context.Background(), "gate.input", []byte("x")); !errors.Is(err, ErrAdminBusy) {
		t.Fatalf("expected ErrAdminBusy, got %v", err)
	}
}

func TestRedisOtherErrorIsPassedThrough(t *testing.T) {
	mr, tr := newRedisTransport(t)
	mr.SetError("ERR something else")
	defer mr.SetError("")

	err := tr.Publish(context.Background(), "gate.input", []byte("x"))
	if err == nil || errors.Is(err, ErrAdminBusy) || errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected other error, got %v", err)
	}
}
