/*
Package stream turns a byte stream, typically a child process's stdout or stderr, into chunk, line, and closed events.

A Reader is inert until Start is called, at which point a single goroutine reads the stream until it ends
and invokes subscribers synchronously. Subscriptions can be added and removed from any goroutine, including from within a handler.

WaitForMatch builds on this to wait for the first line matching a regular expression. The returned MatchFuture
resolves exactly once. If the stream closes before any line matches, it fails with ErrEndOfStream.
*/
package stream
