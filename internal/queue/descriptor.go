package queue

import (
	"fmt"
	"sync"
	"time"
)

// Descriptor declares a queue's handler contract: payload schema, retry
// budget, timeout, and retention policy. Every queue name the manager
// dispatches on must be registered before the first enqueue.
type Descriptor struct {
	Name string

	// NewPayload returns a fresh payload struct for the runner to decode and
	// validate into before the handler runs.
	NewPayload func() interface{}

	// MaxRetries is the default retry budget for jobs on this queue.
	// A job with max_retries=2 gets three attempts total.
	MaxRetries int

	// Timeout bounds a single handler invocation.
	Timeout time.Duration

	// Concurrency is the worker count the runner starts for this queue.
	Concurrency int

	// KeepFailed retains exhausted jobs as failed rows instead of deleting them.
	KeepFailed bool

	// KeepCompleted retains finished jobs as completed rows instead of deleting them.
	KeepCompleted bool
}

type descriptorRegistry struct {
	mu    sync.RWMutex
	descs map[string]Descriptor
}

func newDescriptorRegistry() *descriptorRegistry {
	return &descriptorRegistry{
		descs: make(map[string]Descriptor),
	}
}

func (r *descriptorRegistry) register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("queue descriptor requires a name")
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("queue descriptor %s requires a positive timeout", d.Name)
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descs[d.Name]; exists {
		return fmt.Errorf("queue %s already registered", d.Name)
	}
	r.descs[d.Name] = d
	return nil
}

func (r *descriptorRegistry) get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[name]
	return d, ok
}

func (r *descriptorRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descs))
	for name := range r.descs {
		names = append(names, name)
	}
	return names
}
