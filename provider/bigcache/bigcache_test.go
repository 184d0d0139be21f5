package bigcache

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{LifeWindow: time.Minute, MaxEntriesInWindow: 1000, MaxEntrySize: 512})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(ctx) })

	if _, hit, err := p.Get(ctx, "missing"); hit || err != nil {
		t.Fatalf("miss expected, hit=%v err=%v", hit, err)
	}
	if ok, err := p.Set(ctx, "snap:proposals", []byte{1, 2, 3}, 1, 0); !ok || err != nil {
		t.Fatalf("Set ok=%v err=%v", ok, err)
	}
	got, hit, err := p.Get(ctx, "snap:proposals")
	if err != nil || !hit || !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("Get = %v hit=%v err=%v", got, hit, err)
	}
	if err := p.Del(ctx, "snap:proposals"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := p.Del(ctx, "snap:proposals"); err != nil {
		t.Fatalf("Del of missing key should be nil, got %v", err)
	}
}

func TestRequiresLifeWindow(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without LifeWindow")
	}
}
