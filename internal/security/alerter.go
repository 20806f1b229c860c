package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Security event names observed by the API.
const (
	EventLogin         = "auth.login"
	EventRegister      = "auth.register"
	EventPasswordReset = "auth.password.reset"
	EventAdminAccess   = "auth.admin.authorize"
	EventDocumentProbe = "document.lookup"
)

// Outcomes attached to events.
const (
	OutcomeFail        = "fail"
	OutcomeNotFound    = "not_found"
	OutcomeRateLimited = "rate_limited"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter counts security events per subject and reports when a
// threshold is crossed within the rule window.
type AuditAlerter struct {
	redisClient *redis.Client
	prefix      string
}

// NewAuditAlerter creates an alerter backed by Redis counters. A nil client
// yields a nil alerter whose Observe is a no-op.
func NewAuditAlerter(client *redis.Client, prefix string) *AuditAlerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "medscribe:alerts"
	}
	return &AuditAlerter{redisClient: client, prefix: prefix}
}

// Observe records a security event for subject (client IP or user id).
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, subject string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil || a.redisClient == nil {
		return result, nil
	}
	threshold, window, ok := alertRule(event, outcome)
	if !ok {
		return result, nil
	}
	windowMs := window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(subject), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.redisClient, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	// fire once per window, on the crossing
	result.Triggered = count == threshold
	return result, nil
}

func alertRule(event, outcome string) (threshold int64, window time.Duration, ok bool) {
	event = strings.TrimSpace(event)
	outcome = strings.TrimSpace(outcome)
	if outcome == OutcomeRateLimited {
		return 20, time.Minute, true
	}
	switch {
	case outcome == OutcomeFail && (event == EventLogin || event == EventRegister):
		return 10, 5 * time.Minute, true
	case outcome == OutcomeFail && event == EventPasswordReset:
		return 5, 15 * time.Minute, true
	case outcome == OutcomeFail && event == EventAdminAccess:
		return 5, 5 * time.Minute, true
	case outcome == OutcomeNotFound && event == EventDocumentProbe:
		return 30, 5 * time.Minute, true
	default:
		return 0, 0, false
	}
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
