// Package ratelimit implements per-organization request limiting using
// sliding window counters, backed by Redis (atomic Lua script) or process
// memory. Policies are parsed from the Helicone-RateLimit-Policy header
// format and fall back to the free-tier default.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UnitRequests is the only admission unit currently supported. Policies
// naming another unit are rejected at parse time.
const UnitRequests = "requests"

// DefaultPolicy is the free-tier limit applied when an organization has no
// explicit policy: 1000 requests per 60 seconds.
var DefaultPolicy = Policy{MaxCount: 1000, WindowSeconds: 60, Unit: UnitRequests}

// Policy is a parsed rate-limit policy: at most MaxCount admissions per
// sliding window of WindowSeconds.
type Policy struct {
	MaxCount      int
	WindowSeconds int
	Unit          string
}

// ParsePolicy parses the "<quota>;w=<window>;u=<unit>" policy format, e.g.
// "100;w=60;u=requests". The u segment is optional and defaults to requests.
// An empty string yields DefaultPolicy.
func ParsePolicy(s string) (Policy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultPolicy, nil
	}

	parts := strings.Split(s, ";")

	quota, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || quota <= 0 {
		return Policy{}, fmt.Errorf("ratelimit: invalid quota in policy %q", s)
	}

	p := Policy{MaxCount: quota, Unit: UnitRequests}

	for _, seg := range parts[1:] {
		seg = strings.TrimSpace(seg)
		key, val, ok := strings.Cut(seg, "=")
		if !ok {
			return Policy{}, fmt.Errorf("ratelimit: malformed segment %q in policy %q", seg, s)
		}
		switch key {
		case "w":
			w, err := strconv.Atoi(val)
			if err != nil || w <= 0 {
				return Policy{}, fmt.Errorf("ratelimit: invalid window in policy %q", s)
			}
			p.WindowSeconds = w
		case "u":
			if val != UnitRequests {
				return Policy{}, fmt.Errorf("ratelimit: unsupported unit %q in policy %q", val, s)
			}
		default:
			return Policy{}, fmt.Errorf("ratelimit: unknown segment %q in policy %q", key, s)
		}
	}

	if p.WindowSeconds == 0 {
		p.WindowSeconds = DefaultPolicy.WindowSeconds
	}

	return p, nil
}

// String renders the policy back into header form.
func (p Policy) String() string {
	return fmt.Sprintf("%d;w=%d;u=%s", p.MaxCount, p.WindowSeconds, p.Unit)
}

// Window returns the policy window as a duration.
func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Decision is the outcome of a single admission check. Limit, Remaining and
// Reset feed the rate-limit response headers on every response, limited or
// not.
type Decision struct {
	Limited   bool
	Limit     int
	Remaining int
	// Reset is the number of seconds until the oldest counted admission
	// leaves the window.
	Reset int64
}
