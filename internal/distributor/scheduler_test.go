package distributor

import (
	"context"
	"sync"
	"time"
)

// manualScheduler is a test double for Scheduler that runs a task only
// when Fire is called, so tests control timing exactly rather than
// racing real tickers.
type manualScheduler struct {
	mu    sync.Mutex
	tasks map[string]func(ctx context.Context)
	order []string
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{tasks: make(map[string]func(ctx context.Context))}
}

func (s *manualScheduler) Schedule(_, _ time.Duration, task func(ctx context.Context)) func() {
	s.mu.Lock()
	name := "task"
	if len(s.order) == 0 {
		name = "peers"
	} else {
		name = "partitions"
	}
	s.order = append(s.order, name)
	s.tasks[name] = task
	s.mu.Unlock()
	return func() {}
}

func (s *manualScheduler) fire(name string) {
	s.mu.Lock()
	task := s.tasks[name]
	s.mu.Unlock()
	if task != nil {
		task(context.Background())
	}
}

func (s *manualScheduler) firePeers()      { s.fire("peers") }
func (s *manualScheduler) firePartitions() { s.fire("partitions") }
