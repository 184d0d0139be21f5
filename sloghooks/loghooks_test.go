package sloghooks

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	qs "github.com/unkn0wn-root/querysync"
	"github.com/unkn0wn-root/querysync/key"
)

func newBuf() (*bytes.Buffer, *slog.Logger) {
	var buf bytes.Buffer
	return &buf, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestKeysAreRedacted(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{})
	k := key.MustMake("portfolio", "terra1secretaddr")
	h.FetchFailed(k, qs.KindClient, errors.New("not found"))

	out := buf.String()
	if strings.Contains(out, "terra1secretaddr") {
		t.Fatalf("raw key leaked: %s", out)
	}
	if !strings.Contains(out, k.Digest()) || !strings.Contains(out, "kind=client") {
		t.Fatalf("unexpected line: %s", out)
	}
}

func TestRetrySampling(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{RetryEvery: 3})
	k := key.MustMake("chain", "height")
	for i := 0; i < 9; i++ {
		h.FetchRetried(k, i+1, 0, errors.New("timeout"))
	}
	if n := strings.Count(buf.String(), "querysync.fetch_retried"); n != 3 {
		t.Fatalf("logged %d retries, want 3", n)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	h := New(nil, Options{})
	h.RolledBack("invest", 2, errors.New("x"))
	h.PersistRejected(key.MustMake("a"), errors.New("x"))
}
