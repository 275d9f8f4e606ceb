package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/InsulaLabs/fact/intercom"
	"github.com/InsulaLabs/fact/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	*intercom.Local
	done chan struct{}
	once sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{Local: intercom.NewLocal(4), done: make(chan struct{})}
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) drop() { c.once.Do(func() { close(c.done) }) }

func (c *fakeConn) Close() error {
	c.drop()
	return c.Local.Close()
}

func TestReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conns := make(chan *fakeConn, 2)
	conns <- newFakeConn()
	conns <- newFakeConn()

	var mu sync.Mutex
	dials := 0
	dialed := make(chan *fakeConn, 2)
	dial := func(ctx context.Context) (Connection, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("connection refused")
		}
		select {
		case c := <-conns:
			dialed <- c
			return c, nil
		default:
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	stopped := make(chan error, 1)
	go func() {
		stopped <- Reconnect(runCtx, ReconnectConfig{
			Logger:     testLogger(),
			Dial:       dial,
			Size:       2,
			Worker:     Config{Logger: testLogger(), Registry: testRegistry(t), DefaultTimeout: time.Second},
			MinBackoff: 10 * time.Millisecond,
			MaxBackoff: 20 * time.Millisecond,
		})
	}()

	roundTrip := func(c *fakeConn) {
		require.NoError(t, c.Send(ctx, task("size")))
		res, err := c.ReceiveResult(ctx, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, models.AnalysisStatusDone, res.Status)
	}

	first := <-dialed
	roundTrip(first)
	first.drop()

	second := <-dialed
	roundTrip(second)

	stop()
	require.NoError(t, <-stopped)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, dials, 3)
}
