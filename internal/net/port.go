package net

import (
	"errors"
	"fmt"
	"net"
)

// ErrPortAllocation is returned when no ephemeral listener could be bound.
var ErrPortAllocation = errors.New("allocating port")

// Allocator hands out OS-assigned TCP ports.
// A port is only reserved while its listener is open, which is not beyond the Reserve call,
// so another process may take it before the caller binds it.
type Allocator struct {
	// Listen defaults to net.Listen.
	Listen func(network, addr string) (net.Listener, error)
	// Addr defaults to 127.0.0.1:0.
	Addr string
}

func (a *Allocator) listen() (net.Listener, error) {
	listen := a.Listen
	if listen == nil {
		listen = net.Listen
	}
	addr := a.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return listen("tcp", addr)
}

// Reserve returns a free port. If excluding is > 0, the result is never that port.
func (a *Allocator) Reserve(excluding int) (int, error) {
	for {
		l, err := a.listen()
		if err != nil {
			return 0, fmt.Errorf("%w: listening to acquire port: %w", ErrPortAllocation, err)
		}
		tcpAddr, ok := l.Addr().(*net.TCPAddr)
		l.Close()
		if !ok {
			return 0, fmt.Errorf("%w: unexpected listener addr type %T", ErrPortAllocation, l.Addr())
		}
		if excluding > 0 && tcpAddr.Port == excluding {
			continue
		}
		return tcpAddr.Port, nil
	}
}

// ReservePair returns two distinct ports, the second excluding the first.
func (a *Allocator) ReservePair() (int, int, error) {
	first, err := a.Reserve(0)
	if err != nil {
		return 0, 0, err
	}
	second, err := a.Reserve(first)
	if err != nil {
		return 0, 0, err
	}
	return first, second, nil
}

func GetEphemeralTCPPort() (int, error) {
	var a Allocator
	return a.Reserve(0)
}
