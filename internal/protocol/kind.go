package protocol

// Kind discriminates request and response messages on the wire.
type Kind string

// Request kinds.
const (
	KindGetConnectionIDRequest  Kind = "GetConnectionIdRequest"
	KindJoinOrCreateRoomRequest Kind = "JoinOrCreateRoomRequest"
	KindDestroyRoomRequest      Kind = "DestroyRoomRequest"
	KindDisconnectRequest       Kind = "DisconnectRequest"
	KindGetRoomDataRequest      Kind = "GetRoomDataRequest"
	KindSendDataToHostRequest   Kind = "SendDataToHostRequest"
	KindStartGameRequest        Kind = "StartGameRequest"
	KindSubscribeToRoomRequest  Kind = "SubscribeToRoomRequest"
	KindUpdateGameStateRequest  Kind = "UpdateGameStateRequest"
)

// Response kinds.
const (
	KindGetConnectionIDResponse  Kind = "GetConnectionIdResponse"
	KindJoinOrCreateRoomResponse Kind = "JoinOrCreateRoomResponse"
	KindDestroyRoomResponse      Kind = "DestroyRoomResponse"
	KindDisconnectResponse       Kind = "DisconnectResponse"
	KindGetRoomDataResponse      Kind = "GetRoomDataResponse"
	KindSendDataToHostResponse   Kind = "SendDataToHostResponse"
	KindStartGameResponse        Kind = "StartGameResponse"
	KindSubscribeToRoomResponse  Kind = "SubscribeToRoomResponse"
	KindUpdateGameStateResponse  Kind = "UpdateGameStateResponse"
)

// Error response kinds. The names are part of the external contract.
const (
	KindBadRequest          Kind = "BadRequestException"
	KindAuthorization       Kind = "AuthorizationException"
	KindUnknownConnectionID Kind = "UnknownConnectionIdException"
	KindInternalServerError Kind = "InternalServerErrorException"
)

// Status codes follow HTTP classes.
const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusInternalServerError = 500
)

var requestKinds = map[Kind]bool{
	KindGetConnectionIDRequest:  true,
	KindJoinOrCreateRoomRequest: true,
	KindDestroyRoomRequest:      true,
	KindDisconnectRequest:       true,
	KindGetRoomDataRequest:      true,
	KindSendDataToHostRequest:   true,
	KindStartGameRequest:        true,
	KindSubscribeToRoomRequest:  true,
	KindUpdateGameStateRequest:  true,
}

// IsRequestKind reports whether k names a request understood by the server.
func IsRequestKind(k Kind) bool {
	return requestKinds[k]
}
