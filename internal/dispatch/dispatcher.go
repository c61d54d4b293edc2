package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchmaking/internal/identity"
	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/session"
)

// Messages carried by the error responses the dispatcher generates itself.
const (
	MsgNoResponse        = "No response generated by server"
	MsgUnknownConnection = "The specified connection id is not known to the server"
	MsgIncorrectPassword = "Incorrect password"
)

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Dispatcher matches requests to registered handlers in registration order.
// All methods are safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler

	store  identity.Store
	logger *zap.Logger
}

// New creates a Dispatcher that authenticates against store.
//
// Precondition: store must be non-nil.
func New(store identity.Store, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: store, logger: logger}
}

// ErrUncomparableHandler is returned by Register for a nil handler or one
// whose dynamic type cannot be compared with ==, such as a struct value
// holding func fields. Register such handlers by pointer.
var ErrUncomparableHandler = errors.New("handler is nil or not comparable")

func isComparable(h Handler) bool {
	return h != nil && reflect.TypeOf(h).Comparable()
}

// Register appends h. Registering the same handler twice is a no-op.
// Handlers are identified with ==, so h must be comparable.
func (d *Dispatcher) Register(h Handler) error {
	if !isComparable(h) {
		return fmt.Errorf("registering %T: %w", h, ErrUncomparableHandler)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.Contains(d.handlers, h) {
		return nil
	}
	d.handlers = append(d.handlers, h)
	return nil
}

// IsRegistered reports whether h is registered.
func (d *Dispatcher) IsRegistered(h Handler) bool {
	if !isComparable(h) {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Contains(d.handlers, h)
}

// Unregister removes h and reports whether it was registered.
func (d *Dispatcher) Unregister(h Handler) bool {
	if !isComparable(h) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.Index(d.handlers, h)
	if i < 0 {
		return false
	}
	d.handlers = slices.Delete(d.handlers, i, i+1)
	return true
}

// Clear removes every handler.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = nil
}

// Handlers returns the registered handlers in registration order.
func (d *Dispatcher) Handlers() []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.handlers)
}

// match returns the first handler that accepts req given whether a
// session is present.
func (d *Dispatcher) match(req *protocol.Request, sess *session.Session) Handler {
	for _, h := range d.Handlers() {
		if !h.CanHandle(req) {
			continue
		}
		if sh, ok := h.(SessionHandler); ok && sh.RequiresSession() && sess == nil {
			continue
		}
		return h
	}
	return nil
}

// Dispatch authenticates req if the matched handler requires it and
// invokes the handler. sess may be nil.
//
// Postcondition: Returns (nil, nil) when no handler matches. Handler
// errors and panics are returned, not translated.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request, src protocol.Source, sess *session.Session) (*protocol.Response, error) {
	h := d.match(req, sess)
	if h == nil {
		return nil, nil
	}

	if h.NeedsAuthentication(req) {
		result, err := d.store.IsAuthorized(ctx, identity.ID{
			ConnectionID: req.ConnectionID,
			Password:     req.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("authorizing %q: %w", req.ConnectionID, err)
		}
		switch result {
		case identity.NotFound:
			return protocol.NewUnknownConnectionID(MsgUnknownConnection), nil
		case identity.NotAuthorized:
			return protocol.NewAuthorizationError(MsgIncorrectPassword), nil
		}
	}

	if sh, ok := h.(SessionHandler); ok && sess != nil {
		return sh.HandleSession(ctx, sess, req, src)
	}
	return h.Handle(ctx, req, src)
}

// DispatchOrCreateError dispatches req and translates every outcome into
// exactly one response.
//
// Postcondition: The returned response is non-nil and its ResponseTo is
// req.RequestID.
func (d *Dispatcher) DispatchOrCreateError(ctx context.Context, req *protocol.Request, src protocol.Source, sess *session.Session) *protocol.Response {
	if req == nil {
		return protocol.NewBadRequest("request is nil")
	}
	resp, err := d.dispatchRecover(ctx, req, src, sess)

	logger := d.logger.With(
		zap.String("kind", string(req.Kind)),
		zap.String("request_id", req.RequestID),
		zap.String("connection", req.ConnectionID),
		zap.Stringer("source", src),
	)
	switch {
	case err != nil && errors.Is(err, protocol.ErrBadRequest):
		logger.Debug("bad request", zap.Error(err))
		resp = protocol.NewBadRequest(err.Error())
	case err != nil:
		logger.Error("request failed", zap.Error(err))
		resp = protocol.NewInternalServerError(errorType(err), err.Error())
	case resp == nil:
		logger.Warn("no response generated")
		resp = protocol.NewInternalServerError("", MsgNoResponse)
	default:
		logger.Debug("request dispatched", zap.Int("status", resp.StatusCode))
	}
	resp.ResponseTo = req.RequestID
	return resp
}

func (d *Dispatcher) dispatchRecover(ctx context.Context, req *protocol.Request, src protocol.Source, sess *session.Session) (resp *protocol.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp = nil
			if perr, ok := p.(error); ok {
				err = perr
				return
			}
			err = &PanicError{Value: p}
		}
	}()
	return d.Dispatch(ctx, req, src, sess)
}

// SessionClosed notifies every SessionHandler, in registration order,
// that sess terminated. A panicking handler does not stop the others.
func (d *Dispatcher) SessionClosed(sess *session.Session) {
	for _, h := range d.Handlers() {
		sh, ok := h.(SessionHandler)
		if !ok {
			continue
		}
		d.notifyClosed(sh, sess)
	}
}

func (d *Dispatcher) notifyClosed(sh SessionHandler, sess *session.Session) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("session close handler panicked",
				zap.String("session", sess.ID()),
				zap.String("handler", fmt.Sprintf("%T", sh)),
				zap.Any("panic", p),
			)
		}
	}()
	sh.OnSessionClosed(sess)
}

// errorType names the innermost error's dynamic type.
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
