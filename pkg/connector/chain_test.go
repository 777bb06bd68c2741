// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDeliveryChainsPreserveOrder(t *testing.T) {
	t.Parallel()
	chains := NewDeliveryChains(zerolog.Nop())

	const n = 50
	var (
		mu  sync.Mutex
		got []int
	)
	results := make([]<-chan error, 0, n)
	for i := range n {
		delay := time.Duration(rand.IntN(2000)) * time.Microsecond
		results = append(results, chains.Enqueue(context.Background(), "chan", func(ctx context.Context) error {
			time.Sleep(delay)
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, r := range results {
		if err := <-r; err != nil {
			t.Fatalf("task failed: %v", err)
		}
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("delivery order = %v, want ascending", got)
		}
	}
}

func TestDeliveryChainsNeverOverlap(t *testing.T) {
	t.Parallel()
	chains := NewDeliveryChains(zerolog.Nop())

	var running, maxRunning atomic.Int32
	for range 20 {
		chains.Enqueue(context.Background(), "chan", func(ctx context.Context) error {
			cur := running.Add(1)
			for {
				prev := maxRunning.Load()
				if cur <= prev || maxRunning.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			running.Add(-1)
			return nil
		})
	}
	chains.Wait()
	if maxRunning.Load() != 1 {
		t.Errorf("max concurrent tasks on one chain = %d, want 1", maxRunning.Load())
	}
}

func TestDeliveryChainsRunDestinationsInParallel(t *testing.T) {
	t.Parallel()
	chains := NewDeliveryChains(zerolog.Nop())

	release := make(chan struct{})
	blocked := chains.Enqueue(context.Background(), "slow", func(ctx context.Context) error {
		<-release
		return nil
	})
	other := chains.Enqueue(context.Background(), "fast", func(ctx context.Context) error {
		return nil
	})

	select {
	case err := <-other:
		if err != nil {
			t.Fatalf("fast task: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fast destination blocked behind slow destination")
	}
	close(release)
	if err := <-blocked; err != nil {
		t.Fatalf("slow task: %v", err)
	}
}

func TestDeliveryChainsFailureDoesNotStopChain(t *testing.T) {
	t.Parallel()
	chains := NewDeliveryChains(zerolog.Nop())

	errSend := errors.New("send failed")
	first := chains.Enqueue(context.Background(), "chan", func(ctx context.Context) error { return errSend })
	second := chains.Enqueue(context.Background(), "chan", func(ctx context.Context) error { panic("boom") })
	third := chains.Enqueue(context.Background(), "chan", func(ctx context.Context) error { return nil })

	if err := <-first; !errors.Is(err, errSend) {
		t.Errorf("first = %v, want %v", err, errSend)
	}
	if err := <-second; err == nil {
		t.Error("expected panic to surface as an error")
	}
	if err := <-third; err != nil {
		t.Errorf("third = %v, want nil", err)
	}
}

func TestDeliveryChainsIgnoreCallerCancellation(t *testing.T) {
	t.Parallel()
	chains := NewDeliveryChains(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := chains.Enqueue(ctx, "chan", func(ctx context.Context) error { return ctx.Err() })
	if err := <-done; err != nil {
		t.Errorf("task saw cancelled context: %v", err)
	}
}

func TestDeliveryChainsRetire(t *testing.T) {
	t.Parallel()
	chains := NewDeliveryChains(zerolog.Nop())

	release := make(chan struct{})
	inFlight := chains.Enqueue(context.Background(), "chan", func(ctx context.Context) error {
		<-release
		return nil
	})
	chains.Retire("chan")
	if !chains.IsRetired("chan") {
		t.Fatal("chain not retired")
	}

	if err := <-chains.Enqueue(context.Background(), "chan", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrChainRetired) {
		t.Errorf("enqueue after retire = %v, want ErrChainRetired", err)
	}

	close(release)
	if err := <-inFlight; err != nil {
		t.Errorf("in-flight task = %v, want nil", err)
	}

	chains.Reopen("chan")
	if err := <-chains.Enqueue(context.Background(), "chan", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("enqueue after reopen = %v", err)
	}
}

func TestDeliveryChainsPending(t *testing.T) {
	t.Parallel()
	chains := NewDeliveryChains(zerolog.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	chains.Enqueue(context.Background(), "a", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	chains.Enqueue(context.Background(), "a", func(ctx context.Context) error { return nil })
	<-started

	if got := chains.Pending()["a"]; got != 2 {
		t.Errorf("pending[a] = %d, want 2", got)
	}
	if got := chains.Total(); got != 2 {
		t.Errorf("total = %d, want 2", got)
	}

	close(release)
	chains.Wait()
	if got := chains.Pending(); len(got) != 0 {
		t.Errorf("pending after drain = %v, want empty", got)
	}
}
