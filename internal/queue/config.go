package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/phrazzld/syncwarden/internal/config"
)

// QueueConfig is the retry and throughput policy of a single queue. Both
// backends read it: the worker backend for retries and worker concurrency,
// the push dispatcher for retries, dispatch rate and in-flight limits.
type QueueConfig struct {
	MaxAttempts  int           `json:"maxAttempts"  yaml:"maxAttempts"`
	MinBackoff   time.Duration `json:"minBackoff"   yaml:"minBackoff"`
	MaxBackoff   time.Duration `json:"maxBackoff"   yaml:"maxBackoff"`
	MaxDoublings int           `json:"maxDoublings" yaml:"maxDoublings"`
	// MaxDispatchesPerSecond of zero means unlimited.
	MaxDispatchesPerSecond float64 `json:"maxDispatchesPerSecond,omitempty" yaml:"maxDispatchesPerSecond,omitempty"`
	// MaxConcurrentDispatches of zero means unlimited.
	MaxConcurrentDispatches int `json:"maxConcurrentDispatches,omitempty" yaml:"maxConcurrentDispatches,omitempty"`
	WorkerConcurrency       int `json:"workerConcurrency"                 yaml:"workerConcurrency"`
}

// DefaultQueueConfigs returns the built-in policy for every queue. Sync and
// maintenance queues run a single worker so that per-user API work is
// serialized; the lightweight notification queues run five.
func DefaultQueueConfigs() map[QueueName]QueueConfig {
	heavy := func(attempts int, minB, maxB time.Duration, doublings int, rate float64, inflight int) QueueConfig {
		return QueueConfig{
			MaxAttempts:             attempts,
			MinBackoff:              minB,
			MaxBackoff:              maxB,
			MaxDoublings:            doublings,
			MaxDispatchesPerSecond:  rate,
			MaxConcurrentDispatches: inflight,
			WorkerConcurrency:       1,
		}
	}
	light := func(attempts int, minB, maxB time.Duration, doublings int, rate float64, inflight int) QueueConfig {
		c := heavy(attempts, minB, maxB, doublings, rate, inflight)
		c.WorkerConcurrency = 5
		return c
	}

	return map[QueueName]QueueConfig{
		TokenRefresh:           heavy(3, time.Minute, time.Hour, 3, 10, 5),
		CalendarSync:           heavy(5, 30*time.Second, 30*time.Minute, 4, 5, 10),
		ContactsSync:           heavy(5, 30*time.Second, 30*time.Minute, 4, 5, 10),
		AdaptiveSync:           heavy(3, time.Minute, 10*time.Minute, 2, 1, 1),
		WebhookRenewal:         heavy(3, 5*time.Minute, time.Hour, 2, 1, 1),
		SuggestionRegeneration: heavy(3, time.Minute, 30*time.Minute, 3, 2, 2),
		BatchNotifications:     light(3, 30*time.Second, 10*time.Minute, 3, 10, 5),
		SuggestionGeneration:   heavy(3, time.Minute, 30*time.Minute, 3, 2, 2),
		WebhookHealthCheck:     heavy(3, 5*time.Minute, time.Hour, 2, 1, 1),
		NotificationReminder:   light(3, 30*time.Second, 10*time.Minute, 3, 10, 5),
		TokenHealthReminder:    heavy(3, 5*time.Minute, time.Hour, 2, 1, 1),
	}
}

// Registry holds the effective configuration of every queue. It is built
// once at startup and shared by reference; overrides may be applied later
// when the config file is reloaded.
type Registry struct {
	mu        sync.RWMutex
	configs   map[QueueName]QueueConfig
	listeners []func(QueueName, QueueConfig)
}

// NewRegistry returns a registry holding DefaultQueueConfigs.
func NewRegistry() *Registry {
	return &Registry{configs: DefaultQueueConfigs()}
}

// Config returns the effective configuration of q. Unknown queues get a
// conservative single-attempt policy.
func (r *Registry) Config(q QueueName) QueueConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.configs[q]; ok {
		return c
	}
	return QueueConfig{MaxAttempts: 1, MinBackoff: time.Minute, MaxBackoff: time.Minute, WorkerConcurrency: 1}
}

// All returns a copy of every queue's effective configuration.
func (r *Registry) All() map[QueueName]QueueConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[QueueName]QueueConfig, len(r.configs))
	for q, c := range r.configs {
		out[q] = c
	}
	return out
}

// OnChange registers fn to be called for every queue whose configuration
// changes in a later ApplyOverrides call.
func (r *Registry) OnChange(fn func(QueueName, QueueConfig)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// ApplyOverrides merges overrides keyed by queue name on top of the built-in
// defaults. Either every override applies or none does. Queues absent from
// overrides revert to their defaults.
func (r *Registry) ApplyOverrides(overrides map[string]config.QueueOverride) error {
	next := DefaultQueueConfigs()
	for name, o := range overrides {
		q, err := ParseQueueName(name)
		if err != nil {
			return err
		}
		c := next[q]
		if o.MaxAttempts != nil {
			c.MaxAttempts = *o.MaxAttempts
		}
		if o.MinBackoff != nil {
			c.MinBackoff = *o.MinBackoff
		}
		if o.MaxBackoff != nil {
			c.MaxBackoff = *o.MaxBackoff
		}
		if o.MaxDoublings != nil {
			c.MaxDoublings = *o.MaxDoublings
		}
		if o.MaxDispatchesPerSecond != nil {
			c.MaxDispatchesPerSecond = *o.MaxDispatchesPerSecond
		}
		if o.MaxConcurrentDispatches != nil {
			c.MaxConcurrentDispatches = *o.MaxConcurrentDispatches
		}
		if o.WorkerConcurrency != nil {
			c.WorkerConcurrency = *o.WorkerConcurrency
		}
		if c.MinBackoff > c.MaxBackoff {
			return fmt.Errorf("queue %s: min backoff %s exceeds max backoff %s", q, c.MinBackoff, c.MaxBackoff)
		}
		next[q] = c
	}

	r.mu.Lock()
	changed := make(map[QueueName]QueueConfig)
	for q, c := range next {
		if r.configs[q] != c {
			changed[q] = c
		}
	}
	r.configs = next
	listeners := append([]func(QueueName, QueueConfig){}, r.listeners...)
	r.mu.Unlock()

	for q, c := range changed {
		for _, fn := range listeners {
			fn(q, c)
		}
	}
	return nil
}

// Backoff returns the delay before the attempt following attempt number
// attempt (1-based). The delay starts at MinBackoff, doubles MaxDoublings
// times, then grows linearly by the last doubled interval, and never exceeds
// MaxBackoff. It is non-decreasing in attempt.
func Backoff(c QueueConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if c.MinBackoff <= 0 {
		return 0
	}
	maxB := c.MaxBackoff
	if maxB < c.MinBackoff {
		maxB = c.MinBackoff
	}

	n := attempt - 1
	doublings := c.MaxDoublings
	if doublings < 0 {
		doublings = 0
	}

	if n <= doublings {
		d := c.MinBackoff
		for i := 0; i < n; i++ {
			d *= 2
			if d >= maxB {
				return maxB
			}
		}
		return d
	}

	step := c.MinBackoff
	for i := 0; i < doublings; i++ {
		step *= 2
		if step >= maxB {
			return maxB
		}
	}
	// step plus one further step per attempt past the doubling phase.
	extra := n - doublings
	if time.Duration(extra) > (maxB-step)/step {
		return maxB
	}
	d := step + time.Duration(extra)*step
	if d > maxB {
		return maxB
	}
	return d
}
