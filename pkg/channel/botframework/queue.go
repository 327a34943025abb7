package botframework

import "sync"

// conversationQueue runs jobs one at a time per key, in submission order.
type conversationQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	wg      sync.WaitGroup
}

func newConversationQueue() *conversationQueue {
	return &conversationQueue{pending: make(map[string][]func())}
}

// Enqueue schedules job after every job already queued for key.
func (q *conversationQueue) Enqueue(key string, job func()) {
	q.mu.Lock()
	jobs, draining := q.pending[key]
	q.pending[key] = append(jobs, job)
	q.mu.Unlock()

	if draining {
		return
	}

	q.wg.Add(1)
	go q.drain(key)
}

// Wait blocks until every queued job has finished.
func (q *conversationQueue) Wait() {
	q.wg.Wait()
}

func (q *conversationQueue) drain(key string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		jobs := q.pending[key]
		if len(jobs) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		q.pending[key] = jobs[1:]
		q.mu.Unlock()

		job()
	}
}
