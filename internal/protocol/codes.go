package protocol

import "github.com/gorilla/websocket"

// Error codes carried in error frames. Clients rely on these being stable
// to decide between retrying, re-authenticating and surfacing the error.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeRegistrationFailed = "REGISTRATION_FAILED"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeHandlerError       = "HANDLER_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
)

// Close codes used when the server terminates a connection. Capacity,
// shutdown and kick are distinct so clients can tell retry-worthy closes
// from terminal ones.
const (
	CloseNormal    = websocket.CloseNormalClosure     // 1000, clean client close
	CloseShutdown  = websocket.CloseGoingAway         // 1001, server shutting down
	CloseKicked    = websocket.ClosePolicyViolation   // 1008, kicked by administrator
	CloseCapacity  = websocket.CloseTryAgainLater     // 1013, connection limit reached
	CloseOversized = websocket.CloseMessageTooBig   // 1009
	CloseAbnormal  = websocket.CloseAbnormalClosure // 1006
	CloseProtocol  = websocket.CloseUnsupportedData // 1003
)

// Frame size limits.
const (
	MaxMessageSize = 10 * 1024 * 1024 // largest frame accepted on the wire
	MaxTextLength  = 64 * 1024        // largest chat content accepted
)

// Version is the protocol version advertised in discovery TXT records
// and accepted from peers.
const Version = "1.0.0"

// EndpointPath is the websocket endpoint path, also published via discovery.
const EndpointPath = "/ws"
