package tcpengine

import (
	"time"

	"netshim/internal/flow"
)

// Timer intervals named in spec.md §4.3's timer semantics table.
const (
	AckInterval     = 10 * time.Millisecond
	SynTimeout      = 10 * time.Second
	AckTimeout      = 2 * time.Second
	FinTimeout      = 60 * time.Second
	ActivityTimeout = 7200 * time.Second

	// MaxRetrans is the retransmit budget referenced by the
	// ACK_FROM_TAP_DUE timer-fire rule.
	MaxRetrans = 3
)

// NextDeadline is the pure function of events/flags from spec.md §4.3's
// timer semantics table, evaluated top to bottom.
func NextDeadline(c *flow.TCPConn) time.Duration {
	switch {
	case c.Flags&flow.FlagAckToTapDue != 0:
		return AckInterval
	case c.Flags&flow.FlagAckFromTapDue != 0 && c.Events&flow.EventEstablished == 0:
		return SynTimeout
	case c.Flags&flow.FlagAckFromTapDue != 0:
		return AckTimeout
	case c.Events&flow.EventSockFinSent != 0 && c.Events&flow.EventTapFinAcked != 0:
		return FinTimeout
	default:
		return ActivityTimeout
	}
}

// FireAction is what a connection's timer fire should do, decided by
// TimerFireAction per spec.md §4.3's "On timer fire" rules.
type FireAction int

const (
	FireReschedule FireAction = iota // deadline was still in the future; swallow
	FireAckToTap
	FireReset
	FireRetransmit
)

// TimerFireAction decides the action for a connection whose timer fired at
// now, given the deadline it was last scheduled for.
func TimerFireAction(c *flow.TCPConn, deadline time.Time, now time.Time) FireAction {
	if now.Before(deadline) {
		return FireReschedule
	}
	if c.Flags&flow.FlagAckToTapDue != 0 {
		return FireAckToTap
	}
	if c.Flags&flow.FlagAckFromTapDue != 0 {
		preEstablished := c.Events&flow.EventEstablished == 0
		preFinWait := c.Events&flow.EventTapFinSent == 0 && c.Events&flow.EventSockFinSent == 0
		if preEstablished || preFinWait || c.Retrans == MaxRetrans {
			return FireReset
		}
		return FireRetransmit
	}
	return FireReset
}

// ApplyRetransmit performs the state change spec.md §4.3 describes for the
// retransmit path: "retrans++, roll seq_to_tap back to seq_ack_from_tap".
func ApplyRetransmit(c *flow.TCPConn) {
	c.Retrans++
	c.SeqToTap = c.SeqAckFromTap
}
