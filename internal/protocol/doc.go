// Package protocol defines the decoded request and response messages
// exchanged between matchmaking clients and the server, the stable status
// code taxonomy, and the codecs transports use to put them on the wire.
//
// Every message carries a Kind discriminant. A Request may carry a
// client-assigned RequestID which the server echoes as ResponseTo on the
// matching Response.
package protocol
