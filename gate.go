package main

import (
	"sync"
	"time"
)

// GateCache holds the latest resolution of the gate poller. The poller is the
// only writer; readers never wait for a new value.
type GateCache struct {
	lock sync.RWMutex

	record     *PublicIPRecord
	observedAt time.Time

	lastErr             error
	lastAttemptAt       time.Time
	consecutiveFailures int
	detached            bool
}

type GateSnapshot struct {
	Record              *PublicIPRecord
	ObservedAt          time.Time
	LastErr             error
	LastAttemptAt       time.Time
	ConsecutiveFailures int
	Detached            bool
}

func NewGateCache() *GateCache {
	return &GateCache{}
}

// Store replaces the cached record.
func (c *GateCache) Store(record PublicIPRecord, at time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.record = &record
	c.observedAt = at
	c.lastAttemptAt = at
	c.lastErr = nil
	c.consecutiveFailures = 0
}

// StoreFailure records a failed cycle and keeps the last good record.
func (c *GateCache) StoreFailure(err error, at time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.lastErr = err
	c.lastAttemptAt = at
	c.consecutiveFailures++
}

// Detach marks the cache as no longer fed by a poller.
func (c *GateCache) Detach() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.detached = true
}

func (c *GateCache) Snapshot() GateSnapshot {
	c.lock.RLock()
	defer c.lock.RUnlock()

	s := GateSnapshot{
		ObservedAt:          c.observedAt,
		LastErr:             c.lastErr,
		LastAttemptAt:       c.lastAttemptAt,
		ConsecutiveFailures: c.consecutiveFailures,
		Detached:            c.detached,
	}
	if c.record != nil {
		record := *c.record
		s.Record = &record
	}
	return s
}

type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictAllow
	VerdictDeny
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	default:
		return "unknown"
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

type Decision struct {
	Verdict    Verdict         `json:"verdict"`
	Reason     string          `json:"reason"`
	Stale      bool            `json:"stale"`
	Record     *PublicIPRecord `json:"record,omitempty"`
	ObservedAt time.Time       `json:"observed_at,omitempty"`
	Age        time.Duration   `json:"age_ns,omitempty"`
}

// Gate applies a GateRule to whatever the cache currently holds.
type Gate struct {
	cache     *GateCache
	rule      GateRule
	freshness time.Duration
	now       func() time.Time
}

func NewGate(cache *GateCache, rule GateRule, freshness time.Duration) *Gate {
	return &Gate{
		cache:     cache,
		rule:      rule,
		freshness: freshness,
		now:       time.Now,
	}
}

func (g *Gate) Rule() GateRule {
	return g.rule
}

func (g *Gate) Cache() *GateCache {
	return g.cache
}

// Decide is fail-closed: only a fresh record that satisfies the rule is allowed.
func (g *Gate) Decide() Decision {
	s := g.cache.Snapshot()
	if s.Detached {
		return Decision{Verdict: VerdictUnknown, Reason: "gate cache is not fed by a poller"}
	}
	if s.Record == nil {
		reason := ErrNoRecord.Error()
		if s.LastErr != nil {
			reason += ": " + s.LastErr.Error()
		}
		return Decision{Verdict: VerdictUnknown, Reason: reason}
	}

	d := Decision{
		Record:     s.Record,
		ObservedAt: s.ObservedAt,
		Age:        g.now().Sub(s.ObservedAt),
	}
	switch {
	case g.freshness > 0 && d.Age > g.freshness:
		d.Verdict = VerdictDeny
		d.Stale = true
		d.Reason = "record is stale (observed " + d.Age.Round(time.Second).String() + " ago)"
	case !g.rule.Allows(*s.Record):
		d.Verdict = VerdictDeny
		d.Reason = "asn " + displayASN(s.Record.ASN) + " does not match " + g.rule.String()
	default:
		d.Verdict = VerdictAllow
		d.Reason = "asn " + displayASN(s.Record.ASN) + " matches " + g.rule.String()
	}
	return d
}

func displayASN(asn string) string {
	if asn == "" {
		return "<none>"
	}
	return "AS" + asn
}
