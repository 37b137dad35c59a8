package stream

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

const readBufSize = 8 * 1024

// Reader reads a stream in chunks, reassembles lines, and publishes chunk, line, and closed events to subscribers.
//
// Handlers run synchronously on the read goroutine, in registration order, so a handler that blocks stalls the stream.
// Lines include their trailing "\n". Trailing text without a terminator is delivered as a final line right before the closed event.
// After the closed event no further events of any kind are published.
type Reader struct {
	r io.Reader

	startOnce sync.Once
	done      chan struct{}

	// buf is only touched by the read goroutine
	buf bytes.Buffer

	m        sync.Mutex
	closed   bool
	closeErr error
	chunks   []*handler[[]byte]
	lines    []*handler[string]
	closes   []*handler[error]
}

type handler[T any] struct {
	fn     func(T)
	active atomic.Bool
}

// NewReader returns a reader over r. Nothing is read until Start is called.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:    r,
		done: make(chan struct{}),
	}
}

// Start launches the read loop. Subsequent calls are no-ops.
func (r *Reader) Start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

// Done is closed once the closed event has been published to all subscribers.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Err returns the read error that closed the stream, or nil if the stream ended with io.EOF or is still open.
func (r *Reader) Err() error {
	r.m.Lock()
	defer r.m.Unlock()
	return r.closeErr
}

// OnChunk subscribes fn to raw chunks. The slice is only valid for the duration of the call.
func (r *Reader) OnChunk(fn func(chunk []byte)) *Subscription {
	return subscribe(r, &r.chunks, fn)
}

// OnLine subscribes fn to complete lines.
func (r *Reader) OnLine(fn func(line string)) *Subscription {
	return subscribe(r, &r.lines, fn)
}

// OnClosed subscribes fn to stream closure. err is nil if the stream ended cleanly.
// If the stream has already closed, fn is called immediately on the calling goroutine.
func (r *Reader) OnClosed(fn func(err error)) *Subscription {
	r.m.Lock()
	if r.closed {
		err := r.closeErr
		r.m.Unlock()
		fn(err)
		return &Subscription{}
	}
	defer r.m.Unlock()
	return subscribeLocked(r, &r.closes, fn)
}

func subscribe[T any](r *Reader, list *[]*handler[T], fn func(T)) *Subscription {
	r.m.Lock()
	defer r.m.Unlock()
	return subscribeLocked(r, list, fn)
}

func subscribeLocked[T any](r *Reader, list *[]*handler[T], fn func(T)) *Subscription {
	h := &handler[T]{fn: fn}
	h.active.Store(true)
	*list = append(*list, h)
	return &Subscription{unsubscribe: func() {
		h.active.Store(false)
		r.m.Lock()
		defer r.m.Unlock()
		// copy rather than filter in place, since a dispatch may be iterating over the old slice
		hs := make([]*handler[T], 0, len(*list))
		for _, other := range *list {
			if other != h {
				hs = append(hs, other)
			}
		}
		*list = hs
	}}
}

func publish[T any](r *Reader, list *[]*handler[T], v T) {
	r.m.Lock()
	snapshot := *list
	r.m.Unlock()
	for _, h := range snapshot {
		if h.active.Load() {
			h.fn(v)
		}
	}
}

func (r *Reader) run() {
	buf := make([]byte, readBufSize)
	for {
		n, err := r.r.Read(buf)
		if n > 0 {
			r.handleChunk(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			r.close(err)
			return
		}
	}
}

func (r *Reader) handleChunk(chunk []byte) {
	publish(r, &r.chunks, chunk)

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			r.buf.Write(chunk)
			return
		}
		r.buf.Write(chunk[:i+1])
		line := r.buf.String()
		r.buf.Reset()
		publish(r, &r.lines, line)
		chunk = chunk[i+1:]
	}
}

func (r *Reader) close(err error) {
	if r.buf.Len() > 0 {
		line := r.buf.String()
		r.buf.Reset()
		publish(r, &r.lines, line)
	}

	r.m.Lock()
	r.closed = true
	r.closeErr = err
	closes := r.closes
	r.closes = nil
	r.chunks = nil
	r.lines = nil
	r.m.Unlock()

	for _, h := range closes {
		if h.active.Load() {
			h.fn(err)
		}
	}
	close(r.done)
}
