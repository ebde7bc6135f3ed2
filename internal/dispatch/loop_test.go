package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoopRunsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New()
	l.Start(ctx)

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Call(func() {})

	require.Len(t, got, 50)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestLoopPostFromManyGoroutines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New()
	l.Start(ctx)

	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()
	l.Call(func() {})
	require.Equal(t, 200, count)
}

func TestLoopPostAfterStopIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New()
	l.Start(ctx)
	cancel()
	<-l.Done()

	l.Post(func() { t.Fatal("ran after stop") })
	l.Call(func() { t.Fatal("ran after stop") })
}
