// Package dispatch routes decoded requests to the first capable handler,
// authenticating them against the identity store when the handler asks for it.
package dispatch

import (
	"context"

	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/session"
)

// Handler serves one or more request kinds.
//
// Handlers are compared with == during registration, so implementations
// must have comparable dynamic types; pointers are the usual choice.
type Handler interface {
	// CanHandle reports whether the handler accepts req.
	CanHandle(req *protocol.Request) bool
	// NeedsAuthentication reports whether req must carry a valid identity.
	NeedsAuthentication(req *protocol.Request) bool
	// Handle serves req. An error wrapping protocol.ErrBadRequest becomes a
	// 400 response; any other error becomes a 500 response.
	Handle(ctx context.Context, req *protocol.Request, src protocol.Source) (*protocol.Response, error)
}

// SessionHandler is a Handler that can use a push session and wants to
// know when sessions close.
type SessionHandler interface {
	Handler
	// RequiresSession reports whether the handler may only run when the
	// request arrived on a session.
	RequiresSession() bool
	// HandleSession serves req received on sess. It is used instead of
	// Handle whenever a session is present.
	HandleSession(ctx context.Context, sess *session.Session, req *protocol.Request, src protocol.Source) (*protocol.Response, error)
	// OnSessionClosed is called once when sess terminates.
	OnSessionClosed(sess *session.Session)
}

// HandleFunc serves a request without a session.
type HandleFunc func(ctx context.Context, req *protocol.Request, src protocol.Source) (*protocol.Response, error)

// Func builds a Handler from closures. Use it by pointer.
type Func struct {
	Match func(req *protocol.Request) bool
	Auth  bool
	Fn    HandleFunc
}

// KindFunc returns a Func that accepts requests of the given kind.
func KindFunc(kind protocol.Kind, auth bool, fn HandleFunc) *Func {
	return &Func{
		Match: func(req *protocol.Request) bool { return req.Kind == kind },
		Auth:  auth,
		Fn:    fn,
	}
}

// CanHandle implements Handler.
func (f *Func) CanHandle(req *protocol.Request) bool { return f.Match(req) }

// NeedsAuthentication implements Handler.
func (f *Func) NeedsAuthentication(*protocol.Request) bool { return f.Auth }

// Handle implements Handler.
func (f *Func) Handle(ctx context.Context, req *protocol.Request, src protocol.Source) (*protocol.Response, error) {
	return f.Fn(ctx, req, src)
}

// SessionFunc builds a SessionHandler from closures. Use it by pointer.
type SessionFunc struct {
	Func
	Required bool
	// Session serves requests that arrived on a session. When nil,
	// Func.Fn is used.
	Session func(ctx context.Context, sess *session.Session, req *protocol.Request, src protocol.Source) (*protocol.Response, error)
	Closed  func(sess *session.Session)
}

// RequiresSession implements SessionHandler.
func (f *SessionFunc) RequiresSession() bool { return f.Required }

// HandleSession implements SessionHandler.
func (f *SessionFunc) HandleSession(ctx context.Context, sess *session.Session, req *protocol.Request, src protocol.Source) (*protocol.Response, error) {
	if f.Session == nil {
		return f.Func.Handle(ctx, req, src)
	}
	return f.Session(ctx, sess, req, src)
}

// OnSessionClosed implements SessionHandler.
func (f *SessionFunc) OnSessionClosed(sess *session.Session) {
	if f.Closed != nil {
		f.Closed(sess)
	}
}
