package util

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorker(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"tasks run in queue order and drain on stop": func(t *testing.T) {
			var wg sync.WaitGroup
			var mu sync.Mutex
			var seen []int
			release := make(chan struct{})
			w := NewWorker("ordered", &wg, func(task Task) error {
				<-release
				mu.Lock()
				seen = append(seen, task.(int))
				mu.Unlock()
				return nil
			}, 10)
			w.Start()
			for i := 0; i < 5; i++ {
				require.True(t, w.TrySend(i))
			}
			close(release)
			w.Stop()
			wg.Wait()
			require.Equal(t, []int{0, 1, 2, 3, 4}, seen)
		},
		"try send reports a full queue": func(t *testing.T) {
			var wg sync.WaitGroup
			w := NewWorker("full", &wg, func(task Task) error { return nil }, 2)
			require.True(t, w.TrySend(1))
			require.True(t, w.TrySend(2))
			require.False(t, w.TrySend(3))
			require.Equal(t, 2, w.Pending())
			require.Equal(t, 2, w.Capacity())
		},
		"handler errors do not stop the worker": func(t *testing.T) {
			var wg sync.WaitGroup
			var calls int32
			w := NewWorker("errors", &wg, func(task Task) error {
				atomic.AddInt32(&calls, 1)
				return errors.New("boom")
			}, 4)
			w.Start()
			w.Sender() <- 1
			w.Sender() <- 2
			w.Stop()
			wg.Wait()
			require.Equal(t, int32(2), atomic.LoadInt32(&calls))
		},
	} {
		t.Run(scenario, fn)
	}
}

func TestTickWorker(t *testing.T) {
	var wg sync.WaitGroup
	var ticks int32
	tw := NewTickWorker("ticker", 10*time.Millisecond, func() {
		atomic.AddInt32(&ticks, 1)
	}, &wg)
	tw.Start()
	require.True(t, tw.IsRunning())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ticks) >= 2 }, time.Second, 5*time.Millisecond)
	tw.Stop()
	wg.Wait()
	require.False(t, tw.IsRunning())
}

func TestClone(t *testing.T) {
	type doc struct {
		Name string         `json:"name"`
		Tags map[string]any `json:"tags"`
	}
	codec := NewJsonEncoderDecoder[doc]()
	in := doc{Name: "a", Tags: map[string]any{"k": "v"}}
	out, err := Clone[doc](codec, in)
	require.NoError(t, err)
	out.Tags["k"] = "changed"
	require.Equal(t, "v", in.Tags["k"])

	_, err = codec.Decode([]byte("{"))
	require.Error(t, err)
}
