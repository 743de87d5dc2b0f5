package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorOverwritesOldestWhenFull(t *testing.T) {
	c := NewCollector(3)
	for i := 1; i <= 5; i++ {
		c.Record("lote", float64(i), nil)
	}

	snap := c.Snapshot()
	assert.Equal(t, 3, snap.Capacity)
	assert.Equal(t, uint64(2), snap.Dropped)
	require.Len(t, snap.Samples, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{snap.Samples[0].Value, snap.Samples[1].Value, snap.Samples[2].Value})

	assert.Len(t, c.Snapshot().Samples, 3, "snapshot does not consume")
}

func TestCollectorDrainEmptiesBuffer(t *testing.T) {
	c := NewCollector(4)
	c.Record("a", 1, map[string]string{"k": "v"})
	c.Record("b", 2, nil)

	got := c.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "v", got[0].Labels["k"])
	assert.Empty(t, c.Drain())

	c.Record("c", 3, nil)
	assert.Equal(t, "c", c.Snapshot().Samples[0].Name)
}

func TestCollectorObserveMeasuresElapsed(t *testing.T) {
	c := NewCollector(2)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base.Add(1500 * time.Millisecond) }

	c.Observe("analise.item_ms", base, nil)
	snap := c.Snapshot()
	require.Len(t, snap.Samples, 1)
	assert.InDelta(t, 1500, snap.Samples[0].Value, 1e-9)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Record("x", 1, nil)
	c.Observe("x", time.Now(), nil)
	assert.Empty(t, c.Drain())
	assert.Zero(t, c.Dropped())
	assert.Empty(t, c.Snapshot().Samples)
}

func TestCollectorConcurrentRecord(t *testing.T) {
	c := NewCollector(50)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				c.Record(fmt.Sprintf("g%d", g), float64(i), nil)
			}
		}(g)
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Len(t, snap.Samples, 50)
	assert.Equal(t, uint64(150), snap.Dropped)
}
