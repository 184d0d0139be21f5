package main

import (
	"strings"
	"testing"

	"github.com/unkn0wn-root/querysync/config"
	"github.com/unkn0wn-root/querysync/dashboard"
)

func TestPortfolioCodec(t *testing.T) {
	in := dashboard.Portfolio{Address: "addrA", TotalInvested: 500, CurrentValue: 540}
	for _, name := range []string{"cbor", "json"} {
		t.Run(name, func(t *testing.T) {
			cfg := &config.Config{PersistCodec: name, PersistMaxValue: 1 << 20}
			c := portfolioCodec(cfg)
			b, err := c.Encode(in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if got := strings.Contains(string(b), `"address":"addrA"`); got != (name == "json") {
				t.Fatalf("%s payload readable as JSON=%v: %q", name, got, b)
			}
			out, err := c.Decode(b)
			if err != nil || out.Address != in.Address || out.CurrentValue != in.CurrentValue {
				t.Fatalf("Decode = %+v, %v", out, err)
			}

			cfg.PersistMaxValue = len(b) - 1
			if _, err := portfolioCodec(cfg).Decode(b); err == nil {
				t.Fatalf("oversized payload decoded")
			}
		})
	}
}
