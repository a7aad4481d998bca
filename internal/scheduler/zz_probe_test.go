package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestZZProbe(t *testing.T) {
	var mu sync.Mutex
	runs := map[string]int{}
	run := func(_ context.Context, id string) error {
		mu.Lock()
		runs[id]++
		mu.Unlock()
		return nil
	}
	s := New(run, 4, discardLog())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Add("a1", time.Hour)
	s.Add("a2", time.Hour)
	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	fmt.Printf("PROBE runs=%v\n", runs)
	mu.Unlock()
	d1, ok1 := s.NextDue("a1")
	d2, ok2 := s.NextDue("a2")
	fmt.Printf("PROBE nextdue a1=%v %v a2=%v %v\n", d1, ok1, d2, ok2)
}
