package netmon

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCheck_FirstObservationNotifies(t *testing.T) {
	m := New(CheckerFunc(func(context.Context) bool { return false }), time.Second)
	var got []bool
	m.OnChange(func(online bool) { got = append(got, online) })

	if m.Check(context.Background()) {
		t.Error("Check should report offline")
	}
	if len(got) != 1 || got[0] {
		t.Errorf("notifications = %v, want [false]", got)
	}
	if m.Online() {
		t.Error("Online should report the observed state")
	}
}

func TestReport_NotifiesOnlyOnTransition(t *testing.T) {
	m := New(nil, time.Second)
	var got []bool
	m.OnChange(func(online bool) { got = append(got, online) })

	m.Report(true)
	m.Report(true)
	m.Report(false)
	m.Report(false)
	m.Report(true)

	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d = %v, want %v", i, got[i], want[i])
		}
	}
	if !m.Online() {
		t.Error("Online should be true")
	}
}

func TestReport_ConcurrentUpdatesNotifyInOrder(t *testing.T) {
	m := New(nil, time.Second)
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var got []bool
	m.OnChange(func(online bool) {
		mu.Lock()
		got = append(got, online)
		mu.Unlock()
		if online {
			close(entered)
			<-release
		}
	})

	first := make(chan struct{})
	go func() {
		m.Report(true)
		close(first)
	}()
	<-entered

	second := make(chan struct{})
	go func() {
		m.Report(false)
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second report finished while the first was still notifying")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-first
	<-second

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("notifications = %v, want [true false]", got)
	}
	if m.Online() {
		t.Error("final state should be offline, matching the last notification")
	}
}

func TestNotify_PanicIsolated(t *testing.T) {
	m := New(nil, time.Second)
	var called bool
	m.OnChange(func(bool) { panic("boom") })
	m.OnChange(func(bool) { called = true })

	m.Report(true)
	if !called {
		t.Error("second callback should run after the first panics")
	}
}

func TestRun_ProbesPeriodically(t *testing.T) {
	var probes atomic.Int32
	var mu sync.Mutex
	var states []bool

	m := New(CheckerFunc(func(context.Context) bool {
		// Offline for the first probe, online afterwards.
		return probes.Add(1) > 1
	}), 5*time.Millisecond)
	m.OnChange(func(online bool) {
		mu.Lock()
		states = append(states, online)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !m.Online() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] || !states[1] {
		t.Errorf("states = %v, want [false true]", states)
	}
}

func TestRun_NilCheckerReturns(t *testing.T) {
	m := New(nil, time.Millisecond)
	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately without a checker")
	}
}
