package main

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func newTestGate(freshness time.Duration) (*Gate, *GateCache, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cache := NewGateCache()
	gate := NewGate(cache, GateRule{ExpectedASN: "9009"}, freshness)
	gate.now = func() time.Time { return now }
	return gate, cache, &now
}

func TestGateDecide(t *testing.T) {
	gate, cache, now := newTestGate(30 * time.Second)

	d := gate.Decide()
	assert.Equal(t, VerdictUnknown, d.Verdict)
	assert.Contains(t, d.Reason, ErrNoRecord.Error())

	cache.Store(recordWithASN("AS9009"), now.Add(-10*time.Second))
	d = gate.Decide()
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.False(t, d.Stale)
	assert.Equal(t, 10*time.Second, d.Age)

	cache.Store(recordWithASN("3320"), now.Add(-10*time.Second))
	d = gate.Decide()
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.False(t, d.Stale)

	cache.Store(recordWithASN("9009"), now.Add(-time.Minute))
	d = gate.Decide()
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.True(t, d.Stale)
}

func TestGateFailureKeepsLastRecord(t *testing.T) {
	gate, cache, now := newTestGate(30 * time.Second)

	cache.Store(recordWithASN("9009"), *now)
	cache.StoreFailure(errors.New("timeout"), *now)
	cache.StoreFailure(errors.New("timeout"), *now)

	assert.Equal(t, VerdictAllow, gate.Decide().Verdict)
	s := cache.Snapshot()
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.EqualError(t, s.LastErr, "timeout")

	cache.Store(recordWithASN("9009"), *now)
	assert.Equal(t, 0, cache.Snapshot().ConsecutiveFailures)
}

func TestGateFailureWithoutRecord(t *testing.T) {
	gate, cache, now := newTestGate(30 * time.Second)
	cache.StoreFailure(errors.New("dns failure"), *now)

	d := gate.Decide()
	assert.Equal(t, VerdictUnknown, d.Verdict)
	assert.Contains(t, d.Reason, "dns failure")
}

func TestGateDetached(t *testing.T) {
	gate, cache, now := newTestGate(30 * time.Second)
	cache.Store(recordWithASN("9009"), *now)
	cache.Detach()

	assert.Equal(t, VerdictUnknown, gate.Decide().Verdict)
}

func TestGateSnapshotIsACopy(t *testing.T) {
	_, cache, now := newTestGate(0)
	cache.Store(recordWithASN("9009"), *now)

	s := cache.Snapshot()
	s.Record.ASN = "1"
	assert.Equal(t, "9009", cache.Snapshot().Record.ASN)
}
