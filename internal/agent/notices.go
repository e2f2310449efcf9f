package agent

import "sync"

// dispatcher forwards notices to a Notifier without blocking the sender.
// Delivery order matches send order; close delivers what is queued, then
// returns.
type dispatcher struct {
	notifier Notifier

	mu     sync.Mutex
	queue  []string
	closed bool

	signal chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newDispatcher(n Notifier) *dispatcher {
	d := &dispatcher{
		notifier: n,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) send(text string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, text)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
	})
	<-d.exited
}

func (d *dispatcher) run() {
	defer close(d.exited)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, text := range batch {
			d.notifier.Inform(text)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-d.signal:
		case <-d.done:
			d.mu.Lock()
			rest := d.queue
			d.queue = nil
			d.mu.Unlock()
			for _, text := range rest {
				d.notifier.Inform(text)
			}
			return
		}
	}
}
