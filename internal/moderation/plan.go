package moderation

import "time"

// Verdict is the consequence set for a single send, decided purely from the
// mute state and the classifier decision before any effect runs. Keeping
// this a pure function of its inputs lets the state machine be tested
// without a transport or database.
type Verdict struct {
	Blocked bool   // reject before persistence; nothing else happens
	Warn    bool   // persist, then record a strike and a bot warning
	Reason  string // strike reason when Warn, blocked reason otherwise
}

// Evaluate computes the verdict for a send. An active mute blocks before
// evaluation and records nothing — repeated sends from a muted user are
// silently blocked rather than accumulating further strikes, so a mute
// never extends itself. Otherwise the classifier decision maps directly:
// WARN means persist-first plus consequences, OK means persist only.
func Evaluate(muted bool, d Decision) Verdict {
	if muted {
		return Verdict{Blocked: true}
	}
	if d.Action == ActionWarn {
		return Verdict{Warn: true, Reason: d.Reason}
	}
	return Verdict{}
}

// ShouldEscalate reports whether a windowed strike sum has crossed the
// escalation threshold. A threshold of zero or less disables escalation.
func ShouldEscalate(sum, threshold int) bool {
	return threshold > 0 && sum >= threshold
}

// WindowStart returns the start of the current escalation window: midnight
// of the calendar day containing now, in the given location.
func WindowStart(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// WindowEnd returns the end of the current escalation window: midnight of
// the next calendar day in the given location. A mute issued on escalation
// runs to the window end, so the restriction and the strike window expire
// together. AddDate handles DST transitions where the day is not 24h.
func WindowEnd(now time.Time, loc *time.Location) time.Time {
	return WindowStart(now, loc).AddDate(0, 0, 1)
}
