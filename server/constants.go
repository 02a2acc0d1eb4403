package server

import "github.com/dotside-studios/tagengine/buildinfo"

// mDNS service discovery
var (
	MDNSServiceType = "_nfc-engine._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// WebSocket request types. Each is answered with the type plus ResponseSuffix.
const (
	WSMessageTypeRead   = "read"
	WSMessageTypeWrite  = "write"
	WSMessageTypeFormat = "format"
	WSMessageTypeLock   = "lock"
	WSMessageTypeUnlock = "unlock"
	WSMessageTypeCancel = "cancel"

	ResponseSuffix = "Response"
)

// Server initiated WebSocket messages.
const (
	WSMessageTypeSession   = "session"
	WSMessageTypeOperation = "operation"
	WSMessageTypeError     = "error"
)

// Error codes for requests that never reach the engine.
const (
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeSessionClaimed = "SESSION_CLAIMED"
)

// HeaderSessionToken carries the WebSocket session token on HTTP requests
// made while a WebSocket client holds the session.
const HeaderSessionToken = "X-Session-Token"

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization, " + HeaderSessionToken
)
