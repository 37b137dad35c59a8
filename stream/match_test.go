package stream

import (
	"context"
	"errors"
	"io"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var devServerRunning = regexp.MustCompile(`dev server running at (\S+)`)

func waitFuture(t *testing.T, f *MatchFuture) (Match, error) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for match")
	}
	return f.Result()
}

func TestWaitForMatchResolvesOnFirstMatch(t *testing.T) {
	r := NewReader(&chunkReader{chunks: []string{"Compiling...\n", "dev server running at http://x\n"}})
	var chunks int
	r.OnChunk(func([]byte) { chunks++ })
	f := r.WaitForMatch(devServerRunning)
	r.Start()

	m, err := waitFuture(t, f)
	require.NoError(t, err)
	assert.Equal(t, "dev server running at http://x\n", m.Line)
	assert.Equal(t, []string{"dev server running at http://x", "http://x"}, m.Groups)

	waitDone(t, r)
	assert.Equal(t, 2, chunks)
}

func TestWaitForMatchFailsAtEndOfStream(t *testing.T) {
	r := NewReader(&chunkReader{chunks: []string{"error: cannot find module\n"}})
	c := NewCollector(r)
	defer c.Close()
	f := r.WaitForMatch(devServerRunning)
	r.Start()

	_, err := waitFuture(t, f)
	require.ErrorIs(t, err, ErrEndOfStream)
	waitDone(t, r)
	assert.Equal(t, "error: cannot find module\n", c.String())
}

func TestWaitForMatchReadError(t *testing.T) {
	readErr := errors.New("connection reset")
	r := NewReader(&chunkReader{chunks: []string{"partial"}, err: readErr})
	f := r.WaitForMatch(devServerRunning)
	r.Start()

	_, err := waitFuture(t, f)
	assert.ErrorIs(t, err, ErrEndOfStream)
	assert.ErrorIs(t, err, readErr)
	waitDone(t, r)
}

func TestWaitForMatchOnFlushedTail(t *testing.T) {
	r := NewReader(&chunkReader{chunks: []string{"foo\n", "dev server running at http://y"}})
	f := r.WaitForMatch(devServerRunning)
	r.Start()

	m, err := waitFuture(t, f)
	require.NoError(t, err)
	assert.Equal(t, "dev server running at http://y", m.Line)
	waitDone(t, r)
}

func TestWaitForMatchAfterClose(t *testing.T) {
	r := NewReader(&chunkReader{chunks: []string{"dev server running at http://x\n"}})
	r.Start()
	waitDone(t, r)

	// lines published before the call are not considered
	f := r.WaitForMatch(devServerRunning)
	_, err := waitFuture(t, f)
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestWaitForMatchDeregistersHandlers(t *testing.T) {
	r := NewReader(&chunkReader{chunks: []string{"dev server running at http://x\n", "dev server running at http://z\n"}})
	f := r.WaitForMatch(devServerRunning)

	var lines int
	r.OnLine(func(string) { lines++ })
	r.Start()
	m, err := waitFuture(t, f)
	require.NoError(t, err)
	waitDone(t, r)

	// the second matching line does not change the result
	assert.Equal(t, "http://x", m.Groups[1])
	assert.Equal(t, 2, lines)
}

func TestWaitForMatchEndAnchoredPattern(t *testing.T) {
	readyIn := regexp.MustCompile(`ready in (\d+) ms$`)
	cases := []struct {
		name  string
		chunk string
	}{
		{name: "lf", chunk: "  ready in 300 ms\n"},
		{name: "crlf", chunk: "  ready in 300 ms\r\n"},
		{name: "unterminated tail", chunk: "  ready in 300 ms"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := NewReader(&chunkReader{chunks: []string{"Compiling...\n", c.chunk}})
			f := r.WaitForMatch(readyIn)
			r.Start()

			m, err := waitFuture(t, f)
			require.NoError(t, err)
			assert.Equal(t, c.chunk, m.Line)
			assert.Equal(t, []string{"ready in 300 ms", "300"}, m.Groups)
			waitDone(t, r)
		})
	}
}

func TestMatchFutureResultWhilePending(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewReader(pr)
	r.Start()
	defer func() {
		pw.Close()
		waitDone(t, r)
	}()

	f := r.WaitForMatch(devServerRunning)
	m, err := f.Result()
	assert.ErrorIs(t, err, ErrPending)
	assert.Empty(t, m.Line)

	_, err = pw.Write([]byte("dev server running at http://x\n"))
	require.NoError(t, err)
	m, err = waitFuture(t, f)
	require.NoError(t, err)
	assert.Equal(t, "dev server running at http://x\n", m.Line)
}

func TestWaitForMatchContextTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewReader(pr)
	r.Start()
	defer func() {
		pw.Close()
		waitDone(t, r)
	}()

	f := r.WaitForMatch(devServerRunning)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.Result()
	assert.ErrorIs(t, err, ErrCanceled)

	r.m.Lock()
	assert.Empty(t, r.lines)
	assert.Empty(t, r.closes)
	r.m.Unlock()

	// a match arriving after the timeout is ignored
	_, err = pw.Write([]byte("dev server running at http://late\n"))
	require.NoError(t, err)
	_, err = f.Result()
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestWaitForMatchWaitReturnsMatch(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewReader(pr)
	r.Start()

	f := r.WaitForMatch(devServerRunning)
	go func() {
		pw.Write([]byte("vite v2.9.9 dev server running at http://localhost:5173/\n"))
		pw.Close()
	}()

	m, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5173/", m.Groups[1])
	assert.False(t, f.Cancel())
	waitDone(t, r)
}

func TestMatchFutureResolvesExactlyOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		pr, pw := io.Pipe()
		r := NewReader(pr)
		f := r.WaitForMatch(devServerRunning)

		var outcomes atomic.Int32
		go func() {
			<-f.Done()
			outcomes.Add(1)
		}()
		r.Start()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			pw.Write([]byte("dev server running at http://x\n"))
			pw.Close()
		}()
		go func() {
			defer wg.Done()
			f.Cancel()
		}()
		wg.Wait()
		waitDone(t, r)

		m, err := f.Result()
		if err != nil {
			assert.ErrorIs(t, err, ErrCanceled)
			assert.Empty(t, m.Line)
		} else {
			assert.Equal(t, "dev server running at http://x\n", m.Line)
		}
		// the result does not change once resolved
		m2, err2 := f.Result()
		assert.Equal(t, m, m2)
		assert.Equal(t, err, err2)
		require.Eventually(t, func() bool { return outcomes.Load() == 1 }, time.Second, time.Millisecond)
	}
}

func TestMatchFutureConcurrentResolve(t *testing.T) {
	r := NewReader(&chunkReader{})
	f := r.WaitForMatch(devServerRunning)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var won bool
			if i%2 == 0 {
				won = f.resolve(Match{Line: "x"}, nil)
			} else {
				won = f.resolve(Match{}, ErrEndOfStream)
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	r.Start()
	waitDone(t, r)
}
