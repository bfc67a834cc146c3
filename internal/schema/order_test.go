package schema

import (
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusFilled, StatusCancelled, StatusExpired, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	live := []Status{StatusPending, StatusOpen, StatusPartiallyFilled}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestOrderRemaining(t *testing.T) {
	o := &Order{Size: 10, FilledSize: 4}
	if got := o.Remaining(); got != 6 {
		t.Errorf("remaining = %v, want 6", got)
	}

	o.FilledSize = 12
	if got := o.Remaining(); got != 0 {
		t.Errorf("overfilled remaining = %v, want 0", got)
	}
}

func TestOrderExpired(t *testing.T) {
	now := time.Now()

	o := &Order{}
	if o.Expired(now) {
		t.Error("order without deadline should never expire")
	}

	o.ExpiresAt = now.Add(-time.Second)
	if !o.Expired(now) {
		t.Error("expected past deadline to expire")
	}

	o.ExpiresAt = now.Add(time.Second)
	if o.Expired(now) {
		t.Error("expected future deadline to stay live")
	}
}

func TestBookStateMid(t *testing.T) {
	b := BookState{BestBid: 99, BestAsk: 101}
	if got := b.Mid(); got != 100 {
		t.Errorf("mid = %v, want 100", got)
	}
	if !b.Valid() {
		t.Error("expected two-sided book to be valid")
	}

	crossed := BookState{BestBid: 101, BestAsk: 99}
	if crossed.Valid() {
		t.Error("expected crossed book to be invalid")
	}
}

func TestNewOrderID(t *testing.T) {
	a, b := NewOrderID(), NewOrderID()
	if len(a) != 8 {
		t.Errorf("id length = %d, want 8", len(a))
	}
	if a == b {
		t.Error("expected distinct ids")
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("side opposite mismatch")
	}
}
