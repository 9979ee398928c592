package ids

import (
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	prev := NewAt(at)
	for i := 0; i < 100; i++ {
		next := NewAt(at)
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
	if !Valid(prev) || Valid("not-a-key") {
		t.Fatal("Valid misclassified keys")
	}
	if Request() == Request() {
		t.Fatal("request ids must be unique")
	}
}
