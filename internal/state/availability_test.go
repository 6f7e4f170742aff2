package state

import (
	"sync"
	"testing"
	"time"
)

func TestAvailabilityDerivation(t *testing.T) {
	tests := []struct {
		name   string
		loaded bool
		busy   bool
		want   bool
	}{
		{"Not loaded, idle", false, false, false},
		{"Not loaded, busy", false, true, false},
		{"Loaded, busy", true, true, false},
		{"Loaded, idle", true, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAvailability()
			a.SetModelLoaded(tt.loaded)
			a.SetBusy(tt.busy)
			if got := a.Get(); got != tt.want {
				t.Errorf("Get() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestObserversReceiveEveryChangeSynchronously(t *testing.T) {
	a := NewAvailability()

	var seen []bool
	a.Subscribe(func(v bool) {
		// Calling back into Get must not deadlock and must not be stale.
		if a.Get() != v {
			t.Errorf("Observer saw %v but Get() returned %v", v, a.Get())
		}
		seen = append(seen, v)
	})

	a.SetModelLoaded(true) // true
	a.SetBusy(true)        // false
	a.SetBusy(false)       // true
	a.SetModelLoaded(false)

	want := []bool{true, false, true, false}
	if len(seen) != len(want) {
		t.Fatalf("Expected %d notifications, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Notification %d: got %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	a := NewAvailability()
	calls := 0
	unsubscribe := a.Subscribe(func(bool) { calls++ })

	a.SetBusy(true)
	unsubscribe()
	a.SetBusy(false)

	if calls != 1 {
		t.Errorf("Expected 1 call before unsubscribe, got %d", calls)
	}
}

func TestNoStaleReadsUnderConcurrency(t *testing.T) {
	a := NewAvailability()
	a.SetModelLoaded(true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				a.SetBusy((i+j)%2 == 0)
			}
		}(i)
	}
	wg.Wait()

	a.SetBusy(false)
	if !a.Get() {
		t.Error("Expected available after final SetBusy(false)")
	}
	a.SetBusy(true)
	if a.Get() {
		t.Error("Expected unavailable after final SetBusy(true)")
	}
}

func TestObserverMayReadAndUnsubscribe(t *testing.T) {
	a := NewAvailability()

	var seen []bool
	var unsubscribe func()
	unsubscribe = a.Subscribe(func(v bool) {
		// Reads and removal are allowed from inside the callback
		seen = append(seen, a.Get() && a.ModelLoaded() && !a.Busy())
		unsubscribe()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.SetModelLoaded(true)
		a.SetBusy(true)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observer reading state deadlocked the setter")
	}
	if len(seen) != 1 || !seen[0] {
		t.Errorf("Expected exactly one observation of true, got %v", seen)
	}
}
