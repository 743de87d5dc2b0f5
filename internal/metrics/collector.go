// Package metrics keeps a bounded, process-wide buffer of timing and count samples.
package metrics

import (
	"sync"
	"time"
)

type Sample struct {
	Name   string            `json:"nome"`
	Value  float64           `json:"valor"`
	Labels map[string]string `json:"labels,omitempty"`
	At     time.Time         `json:"em"`
}

type Snapshot struct {
	Capacity int      `json:"capacidade"`
	Dropped  uint64   `json:"descartadas"`
	Samples  []Sample `json:"amostras"`
}

// Collector is a fixed-size ring buffer. When full, the oldest sample is overwritten and counted
// as dropped. A nil *Collector discards everything.
type Collector struct {
	mu      sync.Mutex
	buf     []Sample
	start   int
	count   int
	dropped uint64
	now     func() time.Time
}

func NewCollector(capacity int) *Collector {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Collector{buf: make([]Sample, capacity), now: time.Now}
}

func (c *Collector) Record(name string, value float64, labels map[string]string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Sample{Name: name, Value: value, Labels: labels, At: c.now().UTC()}
	if c.count < len(c.buf) {
		c.buf[(c.start+c.count)%len(c.buf)] = s
		c.count++
		return
	}
	c.buf[c.start] = s
	c.start = (c.start + 1) % len(c.buf)
	c.dropped++
}

// Observe records the milliseconds elapsed since start.
func (c *Collector) Observe(name string, start time.Time, labels map[string]string) {
	if c == nil {
		return
	}
	c.Record(name, float64(c.now().Sub(start).Microseconds())/1000, labels)
}

// Snapshot copies the buffer, oldest first, without consuming it.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Capacity: len(c.buf), Dropped: c.dropped, Samples: c.ordered()}
}

// Drain returns every buffered sample, oldest first, and empties the buffer.
func (c *Collector) Drain() []Sample {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.ordered()
	for i := range c.buf {
		c.buf[i] = Sample{}
	}
	c.start, c.count = 0, 0
	return out
}

func (c *Collector) Dropped() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Collector) ordered() []Sample {
	out := make([]Sample, 0, c.count)
	for i := 0; i < c.count; i++ {
		out = append(out, c.buf[(c.start+i)%len(c.buf)])
	}
	return out
}
