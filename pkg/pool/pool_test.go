package pool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSize(t *testing.T) {
	assert.Equal(t, 0, Size(0))
	assert.Equal(t, 4, Size(4))
	assert.Greater(t, Size(-1), 0, "auto resolves to at least one worker")
}

func TestSynchronousMatchesParallel(t *testing.T) {
	// the same jobs through a synchronous pool and a parallel pool must
	// produce identical results
	jobs := make([]Job, 50)
	for i := range jobs {
		i := i
		jobs[i] = func() any { return i * i }
	}

	runAll := func(p *Pool) []any {
		handles := make([]*Handle, len(jobs))
		for i, j := range jobs {
			handles[i] = p.Submit(j)
		}
		out := make([]any, len(handles))
		for i, h := range handles {
			res, err := h.Wait()
			require.NoError(t, err)
			out[i] = res
		}
		return out
	}

	sync := New(0)
	par := New(4)
	defer par.Close()

	assert.Equal(t, runAll(sync), runAll(par))
}

func TestPanicRetriesOnceThenErrors(t *testing.T) {
	p := New(2)
	defer p.Close()

	t.Run("Transient Panic Recovers", func(t *testing.T) {
		var calls atomic.Int64
		h := p.Submit(func() any {
			if calls.Add(1) == 1 {
				panic("flaky")
			}
			return "ok"
		})
		res, err := h.Wait()
		require.NoError(t, err)
		assert.Equal(t, "ok", res)
		assert.Equal(t, int64(2), calls.Load(), "retried exactly once")
	})

	t.Run("Persistent Panic Errors", func(t *testing.T) {
		var calls atomic.Int64
		h := p.Submit(func() any {
			calls.Add(1)
			panic("broken")
		})
		_, err := h.Wait()
		require.Error(t, err)
		assert.Equal(t, int64(2), calls.Load())

		// a second Wait must not run the job again
		_, err2 := h.Wait()
		require.Error(t, err2)
		assert.Equal(t, int64(2), calls.Load())
	})
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(2)
	p.Submit(func() any { return nil }).Wait()
	p.Close()

	h := p.Submit(func() any { return "late" })
	_, err := h.Wait()
	assert.Error(t, err)
}

func TestManyJobs(t *testing.T) {
	p := New(8)
	defer p.Close()

	var sum atomic.Int64
	handles := make([]*Handle, 500)
	for i := range handles {
		i := i
		handles[i] = p.Submit(func() any {
			sum.Add(1)
			return i
		})
	}
	for i, h := range handles {
		res, err := h.Wait()
		require.NoError(t, err)
		assert.Equal(t, i, res)
	}
	assert.Equal(t, int64(500), sum.Load())
}
