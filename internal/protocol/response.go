package protocol

// JoinResult reports what a JoinOrCreateRoomRequest did.
type JoinResult string

const (
	RoomJoined  JoinResult = "RoomJoined"
	RoomCreated JoinResult = "RoomCreated"
	Nothing     JoinResult = "Nothing"
)

// Identity carries a freshly issued connection id and password.
type Identity struct {
	ConnectionID string `json:"connectionId"`
	Password     string `json:"password"`
}

// JoinOrCreateResult is the payload of a JoinOrCreateRoomResponse.
type JoinOrCreateResult struct {
	Result JoinResult `json:"result"`
	RoomID string     `json:"roomId,omitempty"`
}

// DestroyResult is the payload of a DestroyRoomResponse.
type DestroyResult struct {
	RoomID        string `json:"roomId"`
	RoomDestroyed bool   `json:"roomDestroyed"`
}

// DisconnectResult lists the rooms a DisconnectRequest left or destroyed.
type DisconnectResult struct {
	DisconnectedRooms []string `json:"disconnectedRooms"`
	DestroyedRooms    []string `json:"destroyedRooms"`
}

// User is a member of a room as seen by clients.
type User struct {
	ConnectionID string `json:"connectionId"`
	UserName     string `json:"userName"`
	IPv4         string `json:"ipv4,omitempty"`
	IPv6         string `json:"ipv6,omitempty"`
}

// HostMessage is data a member queued for the host.
type HostMessage struct {
	ID               string `json:"id"`
	FromConnectionID string `json:"fromConnectionId"`
	Data             []byte `json:"data"`
}

// RoomData is a client-visible snapshot of a room.
type RoomData struct {
	ID               string        `json:"id"`
	HostConnectionID string        `json:"hostConnectionId"`
	Members          []User        `json:"members"`
	Started          bool          `json:"started"`
	GameData         []byte        `json:"gameData,omitempty"`
	MinRoomSize      int           `json:"minRoomSize"`
	MaxRoomSize      int           `json:"maxRoomSize"`
	UserList         []string      `json:"userList,omitempty"`
	UserListMode     UserListMode  `json:"userListMode,omitempty"`
	DataForHost      []HostMessage `json:"dataForHost,omitempty"`
}

// RoomAck acknowledges a room-scoped mutation.
type RoomAck struct {
	RoomID string `json:"roomId"`
}

// StartGameResult is the payload of a StartGameResponse.
type StartGameResult struct {
	RoomID      string `json:"roomId"`
	GameStarted bool   `json:"gameStarted"`
}

// ErrorBody describes a failed request. Type is the Go type of the
// underlying failure for internal errors and empty otherwise.
type ErrorBody struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// Response is a server reply or push notification.
type Response struct {
	ResponseTo   string `json:"responseTo,omitempty"`
	StatusCode   int    `json:"statusCode"`
	Kind         Kind   `json:"kind"`
	ConnectionID string `json:"connectionId,omitempty"`

	Identity     *Identity           `json:"identity,omitempty"`
	JoinOrCreate *JoinOrCreateResult `json:"joinOrCreate,omitempty"`
	Destroy      *DestroyResult      `json:"destroy,omitempty"`
	Disconnect   *DisconnectResult   `json:"disconnect,omitempty"`
	Room         *RoomData           `json:"room,omitempty"`
	RoomAck      *RoomAck            `json:"roomAck,omitempty"`
	StartGame    *StartGameResult    `json:"startGame,omitempty"`
	Error        *ErrorBody          `json:"error,omitempty"`
}

// OK returns a 200 response of the given kind addressed to connectionID.
func OK(kind Kind, connectionID string) *Response {
	return &Response{StatusCode: StatusOK, Kind: kind, ConnectionID: connectionID}
}

// IsError reports whether the response is one of the error kinds.
func (r *Response) IsError() bool {
	return r != nil && r.Error != nil
}

// NewBadRequest reports malformed or invalid client input.
func NewBadRequest(message string) *Response {
	return &Response{
		StatusCode: StatusBadRequest,
		Kind:       KindBadRequest,
		Error:      &ErrorBody{Message: message},
	}
}

// NewAuthorizationError reports a password mismatch.
func NewAuthorizationError(message string) *Response {
	return &Response{
		StatusCode: StatusForbidden,
		Kind:       KindAuthorization,
		Error:      &ErrorBody{Message: message},
	}
}

// NewUnknownConnectionID reports a connection id the server never issued or has revoked.
func NewUnknownConnectionID(message string) *Response {
	return &Response{
		StatusCode: StatusNotFound,
		Kind:       KindUnknownConnectionID,
		Error:      &ErrorBody{Message: message},
	}
}

// NewInternalServerError reports a server-side fault. errType names the
// Go type of the failure for diagnostics.
func NewInternalServerError(errType, message string) *Response {
	return &Response{
		StatusCode: StatusInternalServerError,
		Kind:       KindInternalServerError,
		Error:      &ErrorBody{Type: errType, Message: message},
	}
}
