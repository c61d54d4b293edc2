// Package transport holds what every wire transport shares: the server
// surface they drive and the decode, dispatch, encode round trip.
package transport

import (
	"context"
	"fmt"

	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/session"
)

// Handler is the server surface a transport drives.
type Handler interface {
	// DispatchOrCreateError produces exactly one response for req.
	DispatchOrCreateError(ctx context.Context, req *protocol.Request, src protocol.Source, sess *session.Session) *protocol.Response
	// OpenSession creates a push session for a persistent connection.
	OpenSession(remote string) *session.Session
	// CloseSession terminates sess and notifies interested handlers.
	CloseSession(sess *session.Session)
}

// RoundTrip decodes data with codec, dispatches the request and encodes
// the response. Undecodable input yields an encoded BadRequestException,
// correlated with the request id when one could be decoded.
// sess may be nil.
//
// Postcondition: Returns encoded response bytes, or an error only when the
// response itself cannot be encoded.
func RoundTrip(ctx context.Context, h Handler, codec protocol.Codec, data []byte, src protocol.Source, sess *session.Session) ([]byte, error) {
	var resp *protocol.Response
	req, err := protocol.DecodeRequest(codec, data)
	if err != nil {
		resp = protocol.NewBadRequest(err.Error())
		if req != nil {
			resp.ResponseTo = req.RequestID
		}
	} else {
		resp = h.DispatchOrCreateError(ctx, req, src, sess)
	}
	out, err := codec.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding %s response: %w", resp.Kind, err)
	}
	return out, nil
}
