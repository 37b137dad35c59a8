package stream

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var (
	// ErrEndOfStream is the failure of a MatchFuture whose stream closed before any line matched.
	ErrEndOfStream = errors.New("end of stream")
	// ErrCanceled is the failure of a MatchFuture that was canceled while pending.
	ErrCanceled = errors.New("match canceled")
	// ErrPending is returned by Result while the future has not resolved yet.
	ErrPending = errors.New("match pending")
)

// Match is a line that matched a pattern.
type Match struct {
	// Line is the full line, including its terminator if it had one.
	Line string
	// Groups holds the leftmost match and its submatches, as returned by regexp.FindStringSubmatch.
	Groups []string
}

// MatchFuture is the pending result of WaitForMatch. It resolves exactly once.
type MatchFuture struct {
	re   *regexp.Regexp
	done chan struct{}

	m         sync.Mutex
	resolved  bool
	match     Match
	err       error
	lineSub   *Subscription
	closedSub *Subscription
}

// WaitForMatch returns a future that resolves with the first line matching re,
// or fails with ErrEndOfStream if the stream closes first.
// Only lines published after the call are considered.
func (r *Reader) WaitForMatch(re *regexp.Regexp) *MatchFuture {
	f := &MatchFuture{
		re:   re,
		done: make(chan struct{}),
	}

	lineSub := r.OnLine(f.onLine)
	// this may resolve the future immediately if the reader has already closed
	closedSub := r.OnClosed(f.onClosed)

	f.m.Lock()
	defer f.m.Unlock()
	if f.resolved {
		lineSub.Unsubscribe()
		closedSub.Unsubscribe()
		return f
	}
	f.lineSub = lineSub
	f.closedSub = closedSub
	return f
}

// The pattern sees the line without its terminator, so $ anchors at the end of the text.
func (f *MatchFuture) onLine(line string) {
	groups := f.re.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if groups == nil {
		return
	}
	f.resolve(Match{Line: line, Groups: groups}, nil)
}

func (f *MatchFuture) onClosed(err error) {
	if err != nil {
		f.resolve(Match{}, fmt.Errorf("%w: %w", ErrEndOfStream, err))
		return
	}
	f.resolve(Match{}, ErrEndOfStream)
}

// resolve records the outcome if the future is still pending; later calls are discarded.
func (f *MatchFuture) resolve(match Match, err error) bool {
	f.m.Lock()
	defer f.m.Unlock()
	if f.resolved {
		return false
	}
	f.resolved = true
	f.match = match
	f.err = err
	f.lineSub.Unsubscribe()
	f.closedSub.Unsubscribe()
	close(f.done)
	return true
}

// Done is closed when the future leaves the pending state.
func (f *MatchFuture) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome, or ErrPending if Done is not closed yet.
func (f *MatchFuture) Result() (Match, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if !f.resolved {
		return Match{}, ErrPending
	}
	return f.match, f.err
}

// Cancel fails the future with ErrCanceled and removes its handlers from the reader, if it is still pending.
// It reports whether the future was pending.
func (f *MatchFuture) Cancel() bool {
	return f.resolve(Match{}, ErrCanceled)
}

// Wait blocks until the future resolves or ctx is done. If ctx finishes first the future is canceled
// and ctx.Err() is returned, unless the future resolved in the meantime.
func (f *MatchFuture) Wait(ctx context.Context) (Match, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		if f.Cancel() {
			return Match{}, ctx.Err()
		}
		return f.Result()
	}
}
