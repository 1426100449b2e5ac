package workitem

import "testing"

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusOpen, StatusAssigned},
		{StatusOpen, StatusCancelled},
		{StatusAssigned, StatusInProgress},
		{StatusAssigned, StatusCancelled},
		{StatusInProgress, StatusUnderReview},
		{StatusInProgress, StatusDisputed},
		{StatusUnderReview, StatusCompleted},
		{StatusUnderReview, StatusDisputed},
		{StatusCompleted, StatusDisputed},
		{StatusDisputed, StatusCompleted},
		{StatusDisputed, StatusCancelled},
	}
	for _, e := range legal {
		if !CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be legal", e.from, e.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusOpen, StatusInProgress},
		{StatusOpen, StatusCompleted},
		{StatusAssigned, StatusUnderReview},
		{StatusInProgress, StatusOpen},
		{StatusInProgress, StatusCancelled},
		{StatusUnderReview, StatusCancelled},
		{StatusCompleted, StatusOpen},
		{StatusCancelled, StatusOpen},
		{StatusCancelled, StatusDisputed},
		{StatusCompleted, StatusCompleted},
	}
	for _, e := range illegal {
		if CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be illegal", e.from, e.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled} {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusOpen, StatusAssigned, StatusInProgress, StatusUnderReview, StatusDisputed} {
		if IsTerminal(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}
