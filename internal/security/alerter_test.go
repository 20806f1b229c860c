package security

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestAlerter(t *testing.T) *AuditAlerter {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	alerter := NewAuditAlerter(client, "test:alerts")
	if alerter == nil {
		t.Fatalf("expected alerter")
	}
	return alerter
}

func TestAuditAlerterTriggersOnceOnCrossing(t *testing.T) {
	alerter := newTestAlerter(t)
	ctx := context.Background()
	triggered := 0
	for i := 0; i < 12; i++ {
		result, err := alerter.Observe(ctx, EventLogin, OutcomeFail, "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if result.Triggered {
			triggered++
			if result.Count != 10 {
				t.Fatalf("expected trigger at threshold, got count %d", result.Count)
			}
		}
	}
	if triggered != 1 {
		t.Fatalf("expected exactly one trigger, got %d", triggered)
	}
}

func TestAuditAlerterIgnoresUnknownRule(t *testing.T) {
	alerter := newTestAlerter(t)
	result, err := alerter.Observe(context.Background(), "auth.custom", "success", "127.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Triggered || result.Count != 0 {
		t.Fatalf("unexpected result for unknown rule: %+v", result)
	}
}

func TestNilAuditAlerterIsNoop(t *testing.T) {
	var alerter *AuditAlerter = NewAuditAlerter(nil, "")
	if _, err := alerter.Observe(context.Background(), EventLogin, OutcomeFail, "x"); err != nil {
		t.Fatalf("nil alerter should not fail: %v", err)
	}
}
