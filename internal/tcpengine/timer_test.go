package tcpengine

import (
	"testing"
	"time"

	"netshim/internal/flow"
)

func TestNextDeadlinePriority(t *testing.T) {
	c := &flow.TCPConn{Flags: flow.FlagAckToTapDue | flow.FlagAckFromTapDue}
	if d := NextDeadline(c); d != AckInterval {
		t.Fatalf("expected ACK_TO_TAP_DUE to take priority, got %v", d)
	}
}

func TestNextDeadlineSynVsAck(t *testing.T) {
	c := &flow.TCPConn{Flags: flow.FlagAckFromTapDue}
	if d := NextDeadline(c); d != SynTimeout {
		t.Fatalf("expected SYN timeout pre-establishment, got %v", d)
	}
	c.Events = flow.EventEstablished
	if d := NextDeadline(c); d != AckTimeout {
		t.Fatalf("expected ACK timeout once established, got %v", d)
	}
}

func TestNextDeadlineActivityFallback(t *testing.T) {
	c := &flow.TCPConn{Events: flow.EventEstablished}
	if d := NextDeadline(c); d != ActivityTimeout {
		t.Fatalf("expected activity timeout fallback, got %v", d)
	}
}

func TestTimerFireActionReschedulesIfDeadlineFuture(t *testing.T) {
	c := &flow.TCPConn{}
	now := time.Unix(100, 0)
	future := time.Unix(200, 0)
	if a := TimerFireAction(c, future, now); a != FireReschedule {
		t.Fatalf("expected reschedule, got %v", a)
	}
}

func TestTimerFireActionRetransmitThenReset(t *testing.T) {
	c := &flow.TCPConn{Events: flow.EventEstablished, Flags: flow.FlagAckFromTapDue}
	now := time.Unix(200, 0)
	past := time.Unix(100, 0)
	if a := TimerFireAction(c, past, now); a != FireRetransmit {
		t.Fatalf("expected retransmit, got %v", a)
	}
	c.Retrans = MaxRetrans
	if a := TimerFireAction(c, past, now); a != FireReset {
		t.Fatalf("expected reset once MaxRetrans reached, got %v", a)
	}
}
