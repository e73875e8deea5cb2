// Package events implements the readiness multiplexer that drives the whole
// gadget: devices register handlers for file descriptors and every callback
// runs on the single goroutine executing the loop.
package events

import (
	"errors"
	"strings"
)

var (
	ErrAlreadyWatched = errors.New("descriptor already watched for this interest")
	ErrNotWatched     = errors.New("descriptor not watched for this interest")
	ErrClosed         = errors.New("event loop closed")
)

// Interest is a set of readiness conditions.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
	Except
)

func (i Interest) String() string {
	var parts []string
	if i&Read != 0 {
		parts = append(parts, "read")
	}
	if i&Write != 0 {
		parts = append(parts, "write")
	}
	if i&Except != 0 {
		parts = append(parts, "except")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Handler is called when a watched descriptor becomes ready. ready holds the
// single interest the handler was registered for. Handlers must not block.
type Handler interface {
	HandleEvent(fd int, ready Interest)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(fd int, ready Interest)

func (f HandlerFunc) HandleEvent(fd int, ready Interest) { f(fd, ready) }

// Notifier is the registration side of an event loop.
type Notifier interface {
	Watch(fd int, interest Interest, h Handler) error
	Unwatch(fd int, interest Interest) error
}
