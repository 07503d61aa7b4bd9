package util

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMPSCPushRecvInOrder(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		v := i
		if !q.Push(&v) {
			t.Fatalf("push %d failed", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case v := <-q.Recv():
			if *v != i {
				t.Errorf("expected %d, got %d", i, *v)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for item %d", i)
		}
	}

	select {
	case v := <-q.Recv():
		t.Errorf("queue should be empty, got %v", *v)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestMPSCRejectsNil(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	if q.Push(nil) {
		t.Error("nil push should be rejected")
	}
}

func TestMPSCConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	const producers = 8
	const perProducer = 1000
	total := producers * perProducer

	seen := make([]bool, total)
	done := make(chan int)
	go func() {
		count := 0
		for count < total {
			select {
			case v := <-q.Recv():
				if seen[*v] {
					t.Errorf("duplicate item %d", *v)
				}
				seen[*v] = true
				count++
			case <-time.After(5 * time.Second):
				done <- count
				return
			}
		}
		done <- count
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				v := p*perProducer + i
				if !q.Push(&v) {
					t.Errorf("producer %d: push %d failed", p, i)
				}
			}
		}(p)
	}
	wg.Wait()

	if got := <-done; got != total {
		t.Fatalf("expected %d items, got %d", total, got)
	}
}

func TestMPSCCloseDeliversQueuedItems(t *testing.T) {
	q := NewLockFreeMPSC[int]()

	for i := 0; i < 5; i++ {
		v := i
		q.Push(&v)
	}
	q.Close()

	if !q.IsClosed() {
		t.Error("queue should report closed")
	}
	v := 100
	if q.Push(&v) {
		t.Error("push after close should fail")
	}

	got := 0
	for range q.Recv() {
		got++
	}
	if got != 5 {
		t.Errorf("expected 5 queued items after close, got %d", got)
	}
	q.Wait()
}

func TestMPSCLen(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 3; i++ {
		v := i
		q.Push(&v)
	}
	// the forwarding goroutine may already hold one item in the unbuffered send
	if l := q.Len(); l < 2 || l > 3 {
		t.Errorf("expected Len 2..3, got %d", l)
	}
	for i := 0; i < 3; i++ {
		<-q.Recv()
	}
	if l := q.Len(); l != 0 {
		t.Errorf("expected Len 0 after draining, got %d", l)
	}
}

func BenchmarkMPSCPush(b *testing.B) {
	q := NewLockFreeMPSC[int]()
	go func() {
		for range q.Recv() {
		}
	}()
	defer q.Close()

	v := 1
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			q.Push(&v)
		}
	})
}

// TestMPSCPushRacingClose closes the queue while producers push. Every push
// that reports success must be delivered before Recv() is closed.
func TestMPSCPushRacingClose(t *testing.T) {
	for round := 0; round < 200; round++ {
		q := NewLockFreeMPSC[int]()

		const producers = 4
		var (
			wg       sync.WaitGroup
			accepted atomic.Int64
		)
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					v := i
					if !q.Push(&v) {
						return
					}
					accepted.Add(1)
				}
			}()
		}
		go func() {
			time.Sleep(time.Duration(round%5) * 10 * time.Microsecond)
			q.Close()
		}()

		received := 0
		for range q.Recv() {
			received++
		}
		wg.Wait()
		q.Wait()
		if int64(received) != accepted.Load() {
			t.Fatalf("round %d: %d pushes accepted, %d delivered", round, accepted.Load(), received)
		}
	}
}
