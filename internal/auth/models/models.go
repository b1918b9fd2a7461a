// Package models holds the auth wire DTOs. Byte fields are OPAQUE protocol
// messages or client-side ciphertext; JSON encodes them base64. The server
// forwards them without interpretation.
package models

// RegisterStartRequest opens a registration: the blinded password element.
type RegisterStartRequest struct {
	Username            string `json:"username"`
	RegistrationRequest []byte `json:"registrationRequest"`
}

type RegisterStartResponse struct {
	RegistrationResponse []byte `json:"registrationResponse"`
}

// RegisterFinishRequest completes a registration. Bundle is an optional
// client-encrypted key bundle stored verbatim and returned at login.
type RegisterFinishRequest struct {
	Username           string `json:"username"`
	RegistrationRecord []byte `json:"registrationRecord"`
	Bundle             []byte `json:"bundle,omitempty"`
}

type RegisterFinishResponse struct {
	ClientIdentifier string `json:"clientIdentifier"`
}

type LoginStartRequest struct {
	Username string `json:"username"`
	KE1      []byte `json:"credentialRequest"`
}

// LoginStartResponse carries KE2 plus an opaque state token the client must
// echo at finish. The token names the pending handshake; it grants nothing.
type LoginStartResponse struct {
	KE2        []byte `json:"credentialResponse"`
	StateToken string `json:"stateToken"`
}

type LoginFinishRequest struct {
	Username   string `json:"username"`
	StateToken string `json:"stateToken"`
	KE3        []byte `json:"credentialFinalization"`
}

// LoginFinishResponse returns the stored bundle and a transport session
// token. The export key never appears here; it exists only client-side.
type LoginFinishResponse struct {
	ClientIdentifier string `json:"clientIdentifier"`
	Bundle           []byte `json:"bundle,omitempty"`
	SessionToken     string `json:"sessionToken"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
