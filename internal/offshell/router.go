package offshell

import (
	"context"
	"fmt"
	"net/http"
)

// EventKind names the inbound events the layer reacts to.
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
	EventSync     EventKind = "sync"
	EventPush     EventKind = "push"
)

// Event is one dispatched occurrence. Writer and Request are set for fetch
// and message events; Data carries control-channel payloads.
type Event struct {
	Kind    EventKind
	Writer  http.ResponseWriter
	Request *http.Request
	Data    []byte
}

// Handler handles one dispatched event.
type Handler func(ctx context.Context, ev Event) error

// Router maps each event kind to exactly one handler. It is the single
// process-wide listener registration: handlers are wired once at startup and
// every inbound event goes through Dispatch.
type Router struct {
	handlers map[EventKind]Handler
}

func newRouter() *Router {
	return &Router{handlers: map[EventKind]Handler{}}
}

func (r *Router) on(kind EventKind, h Handler) {
	r.handlers[kind] = h
}

func (r *Router) Dispatch(ctx context.Context, ev Event) error {
	h, ok := r.handlers[ev.Kind]
	if !ok {
		return fmt.Errorf("no handler for event %q", ev.Kind)
	}
	return h(ctx, ev)
}
