// Package matchserver assembles the matchmaking request handlers around a
// shared identity store, room registry and dispatcher.
package matchserver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchmaking/internal/dispatch"
	"github.com/cory-johannsen/matchmaking/internal/identity"
	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/room"
	"github.com/cory-johannsen/matchmaking/internal/scripting"
	"github.com/cory-johannsen/matchmaking/internal/session"
)

// Options tune a Context.
type Options struct {
	HostPolicy     room.HostPolicy
	DefaultMaxSize int
	// Admission, when set, is consulted for every join.
	Admission         *scripting.AdmissionPolicy
	SessionBufferSize int
}

// Context owns the server's collaborators. Construct it once at startup
// and pass it to the transports.
type Context struct {
	Identity   identity.Store
	Rooms      *room.Registry
	Dispatcher *dispatch.Dispatcher
	Sessions   *session.Manager
	Notifier   *Notifier

	logger *zap.Logger
}

// NewContext wires the collaborators and registers the default handlers.
//
// Precondition: store must be non-nil.
func NewContext(store identity.Store, opts Options, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := NewNotifier(logger.Named("notifier"))

	roomOpts := []room.Option{
		room.WithHostPolicy(opts.HostPolicy),
		room.WithDefaultMaxSize(opts.DefaultMaxSize),
		room.WithChangeListener(notifier.RoomChanged),
	}
	if opts.Admission != nil {
		roomOpts = append(roomOpts, room.WithAdmitter(admitter(opts.Admission)))
	}

	c := &Context{
		Identity:   store,
		Rooms:      room.NewRegistry(logger.Named("rooms"), roomOpts...),
		Dispatcher: dispatch.New(store, logger.Named("dispatch")),
		Sessions:   session.NewManager(logger.Named("sessions"), opts.SessionBufferSize),
		Notifier:   notifier,
		logger:     logger,
	}
	c.Sessions.OnClose(c.Dispatcher.SessionClosed)
	c.ResetHandlers()
	return c
}

// ResetHandlers removes every handler and registers the defaults.
func (c *Context) ResetHandlers() {
	c.Dispatcher.Clear()
	for _, h := range c.DefaultHandlers() {
		if err := c.Dispatcher.Register(h); err != nil {
			c.logger.Error("registering handler", zap.Error(err))
		}
	}
	c.logger.Debug("handlers registered", zap.Int("count", len(c.Dispatcher.Handlers())))
}

// DefaultHandlers returns fresh instances of the standard handlers in
// dispatch order.
func (c *Context) DefaultHandlers() []dispatch.Handler {
	return []dispatch.Handler{
		NewGetConnectionIDHandler(c.Identity),
		NewJoinOrCreateRoomHandler(c.Rooms),
		NewDestroyRoomHandler(c.Rooms),
		NewDisconnectHandler(c.Rooms),
		NewGetRoomDataHandler(c.Rooms),
		NewSendDataToHostHandler(c.Rooms),
		NewStartGameHandler(c.Rooms),
		NewSubscribeToRoomHandler(c.Rooms, c.Notifier),
		NewUpdateGameStateHandler(c.Rooms),
	}
}

// DispatchOrCreateError forwards to the dispatcher. Transports call it for
// every decoded request.
func (c *Context) DispatchOrCreateError(ctx context.Context, req *protocol.Request, src protocol.Source, sess *session.Session) *protocol.Response {
	return c.Dispatcher.DispatchOrCreateError(ctx, req, src, sess)
}

// OpenSession creates a push session for a new persistent connection.
func (c *Context) OpenSession(remote string) *session.Session {
	return c.Sessions.Open(remote)
}

// CloseSession terminates a session and notifies the handlers.
func (c *Context) CloseSession(sess *session.Session) {
	c.Sessions.Close(sess.ID())
}

func admitter(p *scripting.AdmissionPolicy) room.Admitter {
	return room.AdmitterFunc(func(ctx context.Context, cand room.Candidate) error {
		ok, reason, err := p.Allow(ctx, scripting.AdmissionRequest{
			RoomID:       cand.RoomID,
			ConnectionID: cand.ConnectionID,
			UserName:     cand.UserName,
			MemberCount:  cand.MemberCount,
		})
		if err != nil {
			return err
		}
		if !ok {
			if reason == "" {
				reason = "rejected by admission policy"
			}
			return fmt.Errorf("%w: %s", room.ErrAdmissionDenied, reason)
		}
		return nil
	})
}
