package sleeplock_test

import (
	"sync"
	"testing"

	"xk/sleeplock"
)

func TestHoldingTracksOwner(t *testing.T) {
	var l sleeplock.Sleeplock_t
	if l.Holding() {
		t.Fatalf("unheld lock reports held")
	}
	l.Acquire()
	if !l.Holding() {
		t.Fatalf("holder not recognized")
	}

	otherSaw := make(chan bool)
	go func() {
		otherSaw <- l.Holding()
	}()
	if <-otherSaw {
		t.Fatalf("non-holder recognized as holder")
	}
	l.Release()
	if l.Locked() {
		t.Fatalf("released lock still locked")
	}
}

func TestMutualExclusion(t *testing.T) {
	var l sleeplock.Sleeplock_t
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Acquire()
				counter++
				l.Release()
			}
		}()
	}
	wg.Wait()
	if counter != 800 {
		t.Fatalf("lost updates: %v", counter)
	}
}

func TestReleaseOfUnlockedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("no panic")
		}
	}()
	var l sleeplock.Sleeplock_t
	l.Release()
}
