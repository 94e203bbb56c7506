package protocol

import "time"

// eventTTL bounds how long a published event stays worth delivering.
var eventTTL = map[string]time.Duration{
	TypeStationHeartbeat:    90 * time.Second,
	TypeStationLocked:       10 * time.Minute,
	TypeStationUnlocked:     10 * time.Minute,
	TypeOperationCreated:    30 * time.Minute,
	TypeOperationDispatched: 30 * time.Minute,
	TypeOperationCompleted:  time.Hour,
}

// FallbackTTL applies to event types without an entry.
const FallbackTTL = 10 * time.Minute

func DefaultTTLFor(msgType string) time.Duration {
	if ttl, ok := eventTTL[msgType]; ok {
		return ttl
	}
	return FallbackTTL
}

func expiredAt(exp, now time.Time) bool {
	return !exp.IsZero() && now.After(exp)
}

// Expired reports whether the envelope is past its expiry at now. A zero
// expiry never expires.
func (e *Envelope) Expired(now time.Time) bool { return expiredAt(e.ExpiresAt, now) }

// Expired is Envelope.Expired for a decoded header.
func (h *RawHeader) Expired(now time.Time) bool { return expiredAt(h.ExpiresAt, now) }
