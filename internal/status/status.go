// Package status derives the read-time flags the dashboard relies on:
// whether a machine is online (fresh heartbeat) and whether it has reported
// during the current calendar month. Everything here is a pure function of
// the stored last_seen and the caller's clock.
package status

import "time"

// HeartbeatWindow is the freshness threshold for a machine to count as online.
const HeartbeatWindow = 5 * time.Minute

// Status holds the derived flags for one machine.
type Status struct {
	Online       bool `json:"online"`
	InCompliance bool `json:"in_compliance"`
}

// Evaluate applies the default heartbeat window.
func Evaluate(lastSeen, now time.Time) Status {
	return EvaluateWindow(lastSeen, now, HeartbeatWindow)
}

// EvaluateWindow derives Status with a caller-supplied heartbeat window.
// A zero lastSeen means the record has no usable timestamp: neither online
// nor compliant.
func EvaluateWindow(lastSeen, now time.Time, window time.Duration) Status {
	if lastSeen.IsZero() {
		return Status{}
	}
	return Status{
		Online:       now.Sub(lastSeen) <= window,
		InCompliance: sameMonth(lastSeen, now),
	}
}

// sameMonth compares year and month in now's location, so January of last
// year never matches this January.
func sameMonth(lastSeen, now time.Time) bool {
	ls := lastSeen.In(now.Location())
	return ls.Year() == now.Year() && ls.Month() == now.Month()
}

// ReferenceMonth formats the compliance month as "YYYY-MM".
func ReferenceMonth(now time.Time) string {
	return now.Format("2006-01")
}

// DaysInactive counts whole days since lastSeen; 0 for a zero or future lastSeen.
func DaysInactive(lastSeen, now time.Time) int {
	if lastSeen.IsZero() || now.Before(lastSeen) {
		return 0
	}
	return int(now.Sub(lastSeen).Hours() / 24)
}
