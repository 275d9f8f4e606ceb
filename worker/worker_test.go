package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/InsulaLabs/fact/intercom"
	"github.com/InsulaLabs/fact/models"
	"github.com/InsulaLabs/fact/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *plugins.Registry {
	t.Helper()
	r := plugins.NewRegistry(testLogger())
	require.NoError(t, r.Register(&plugins.FuncPlugin{
		Desc: plugins.Descriptor{Name: "size", Version: "1.0"},
		Fn: func(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error) {
			return models.AnalysisResult{"len": len(fo.Binary)}, nil
		},
	}))
	require.NoError(t, r.Register(&plugins.FuncPlugin{
		Desc: plugins.Descriptor{Name: "boom", Version: "0.1"},
		Fn: func(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error) {
			panic("corrupt header")
		},
	}))
	require.NoError(t, r.Register(&plugins.FuncPlugin{
		Desc: plugins.Descriptor{Name: "err", Version: "0.1"},
		Fn: func(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error) {
			return nil, errors.New("unsupported format")
		},
	}))
	require.NoError(t, r.Register(&plugins.FuncPlugin{
		Desc: plugins.Descriptor{Name: "hang", Version: "0.1"},
		Fn: func(ctx context.Context, fo *models.FileObject) (models.AnalysisResult, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return nil, ctx.Err()
		},
	}))
	return r
}

func task(plugin string) intercom.Task {
	fo := models.NewFileObject("f.bin", []byte("12345"))
	return intercom.Task{ID: "t-" + plugin, RunID: "r", Plugin: plugin, Object: fo, Binary: fo.Binary}
}

func TestExecute(t *testing.T) {
	w := New(Config{Logger: testLogger(), Name: "w", Registry: testRegistry(t), DefaultTimeout: time.Second})
	ctx := context.Background()

	t.Run("done", func(t *testing.T) {
		res := w.Execute(ctx, task("size"))
		assert.Equal(t, models.AnalysisStatusDone, res.Status)
		assert.Equal(t, 5, res.Result["len"])
		assert.Equal(t, "1.0", res.PluginVersion)
		assert.Equal(t, "w", res.Worker)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		res := w.Execute(ctx, task("boom"))
		assert.Equal(t, models.AnalysisStatusFailed, res.Status)
		assert.Equal(t, models.CausePluginError, res.Cause)
		assert.Contains(t, res.Error, "corrupt header")
		assert.Nil(t, res.Result)
	})

	t.Run("error", func(t *testing.T) {
		res := w.Execute(ctx, task("err"))
		assert.Equal(t, models.AnalysisStatusFailed, res.Status)
		assert.Contains(t, res.Error, "unsupported format")
	})

	t.Run("timeout", func(t *testing.T) {
		tk := task("hang")
		tk.Timeout = 20 * time.Millisecond
		res := w.Execute(ctx, tk)
		assert.Equal(t, models.AnalysisStatusFailed, res.Status)
		assert.Equal(t, models.CauseTimeout, res.Cause)
	})

	t.Run("unknown plugin", func(t *testing.T) {
		res := w.Execute(ctx, task("nope"))
		assert.Equal(t, models.AnalysisStatusFailed, res.Status)
		assert.Contains(t, res.Error, "nope")
	})
}

func TestPool_DrainsLocalChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	local := intercom.NewLocal(16)
	pool := NewPool(3, Config{Logger: testLogger(), Binding: local, Registry: testRegistry(t)})
	assert.Equal(t, 3, pool.Size())

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	for _, p := range []string{"size", "boom", "err", "size"} {
		tk := task(p)
		tk.ID = tk.ID + "-" + time.Now().String()
		require.NoError(t, local.Send(ctx, tk))
	}

	statuses := map[models.AnalysisStatus]int{}
	for range 4 {
		res, err := local.ReceiveResult(ctx, 2*time.Second)
		require.NoError(t, err)
		statuses[res.Status]++
	}
	assert.Equal(t, 2, statuses[models.AnalysisStatusDone])
	assert.Equal(t, 2, statuses[models.AnalysisStatusFailed])

	require.NoError(t, local.Close())
	require.NoError(t, <-errCh)
}
