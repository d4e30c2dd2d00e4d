package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylehofer/garage-door/frame"
)

func TestOrder(t *testing.T) {
	q := New()
	in := []frame.Command{frame.Poll{}, frame.SetPosition{Percent: 10}, frame.SetPosition{Percent: 20}}
	for _, c := range in {
		q.Enqueue(c)
	}
	require.Equal(t, 3, q.Len())
	var out []frame.Command
	for {
		c, ok := q.TryDequeue()
		if !ok {
			break
		}
		out = append(out, c)
	}
	assert.Equal(t, in, out)
	assert.Equal(t, 0, q.Len())
}

func TestReadySignal(t *testing.T) {
	q := New()
	select {
	case <-q.Ready():
		t.Fatal("ready before enqueue")
	default:
	}
	q.Enqueue(frame.Poll{})
	q.Enqueue(frame.Poll{})
	select {
	case <-q.Ready():
	default:
		t.Fatal("no ready signal after enqueue")
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := New()
	const producers, each = 8, 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Enqueue(frame.SetPosition{Percent: uint8(p)})
			}
		}(p)
	}
	wg.Wait()
	assert.Equal(t, producers*each, q.Len())
	// every producer's commands arrive
	counts := map[uint8]int{}
	for {
		c, ok := q.TryDequeue()
		if !ok {
			break
		}
		counts[c.(frame.SetPosition).Percent]++
	}
	for p := 0; p < producers; p++ {
		assert.Equal(t, each, counts[uint8(p)])
	}
}
