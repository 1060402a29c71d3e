package callflow

import "sync"

// serializer runs functions submitted under the same key one at a time, in submission
// order. Different keys run concurrently. A key's goroutine exits once its queue drains.
type serializer struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func newSerializer() *serializer {
	return &serializer{queues: map[string][]func(){}}
}

// Go queues fn behind everything already submitted for key.
func (s *serializer) Go(key string, fn func()) {
	s.mu.Lock()
	q, running := s.queues[key]
	s.queues[key] = append(q, fn)
	s.mu.Unlock()
	if running {
		return
	}
	s.wg.Add(1)
	go s.drain(key)
}

// Do queues fn and waits for it to finish.
func (s *serializer) Do(key string, fn func()) {
	done := make(chan struct{})
	s.Go(key, func() {
		defer close(done)
		fn()
	})
	<-done
}

func (s *serializer) drain(key string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		fn := q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()
		fn()
	}
}

// Wait blocks until every queue has drained.
func (s *serializer) Wait() { s.wg.Wait() }
