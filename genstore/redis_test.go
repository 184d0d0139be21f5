package genstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestParseGen(t *testing.T) {
	cases := []struct {
		in      any
		want    uint64
		wantErr bool
	}{
		{nil, 0, false},
		{"7", 7, false},
		{[]byte("12"), 12, false},
		{int64(3), 3, false},
		{"-1", 0, true},
		{"seven", 0, true},
	}
	for _, tc := range cases {
		got, err := parseGen(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("parseGen(%#v)=%d,%v want %d (err=%v)", tc.in, got, err, tc.want, tc.wantErr)
		}
	}
}

func TestRedisGenStoreSurfacesTransportErrors(t *testing.T) {
	// nothing listens on port 1; the dial fails fast
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewRedisGenStoreWithTTL(rdb, "dashsync", time.Hour)
	ctx := context.Background()

	if got, err := s.SnapshotMany(ctx, nil); err != nil || len(got) != 0 {
		t.Fatalf("empty SnapshotMany=%v,%v want no round-trip", got, err)
	}
	if _, err := s.Snapshot(ctx, "portfolio"); err == nil {
		t.Fatal("Snapshot: want transport error, got nil")
	}
	if _, err := s.BumpMany(ctx, []string{"portfolio", "chain"}); err == nil {
		t.Fatal("BumpMany: want transport error, got nil")
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close=%v", err)
	}
	if err := rdb.Ping(ctx).Err(); errors.Is(err, redis.ErrClosed) {
		t.Fatal("Close must leave the shared client open")
	}
}
