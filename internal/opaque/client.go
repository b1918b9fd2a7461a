package opaque

import (
	"context"

	enginerrors "kinvault/pkg/engine-errors"
)

// Transport carries the OPAQUE messages between client and server. The HTTP
// layer and the in-process test harness both satisfy it; the client never
// learns which one it is talking through.
type Transport interface {
	RegisterStart(ctx context.Context, username string, registrationRequest []byte) (registrationResponse []byte, err error)
	RegisterFinish(ctx context.Context, username string, registrationRecord, bundle []byte) error
	LoginStart(ctx context.Context, username string, ke1 []byte) (ke2 []byte, err error)
	LoginFinish(ctx context.Context, username string, ke3 []byte) (bundle []byte, token string, err error)
}

// Client runs the user's side of the protocol. The password never crosses
// the Transport; only OPAQUE messages do.
type Client struct {
	appSalt string
}

func NewClient(appSalt string) *Client {
	return &Client{appSalt: appSalt}
}

// Identifier returns the pseudonym this client is known by server-side.
func (c *Client) Identifier(username string) string {
	return ClientIdentifier(username, c.appSalt)
}

// Register runs the two-message registration flow and returns the export
// key. bundle, if non-nil, is an already-encrypted key bundle uploaded with
// the final message.
func (c *Client) Register(ctx context.Context, t Transport, username, password string, bundle []byte) ([]byte, error) {
	conf := Suite()
	client, err := conf.Client()
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "opaque client", err)
	}

	regReq := client.RegistrationInit([]byte(password))
	respBytes, err := t.RegisterStart(ctx, username, regReq.Serialize())
	if err != nil {
		return nil, err
	}

	deser, err := conf.Deserializer()
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "deserializer", err)
	}
	resp, err := deser.RegistrationResponse(respBytes)
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "malformed registration response", err)
	}

	record, exportKey := client.RegistrationFinalize(resp)
	if err := t.RegisterFinish(ctx, username, record.Serialize(), bundle); err != nil {
		return nil, err
	}
	return exportKey, nil
}

// Login runs the three-message login flow and returns the export key plus
// whatever the server handed back (encrypted bundle, transport token).
func (c *Client) Login(ctx context.Context, t Transport, username, password string) (exportKey, bundle []byte, token string, err error) {
	conf := Suite()
	client, err := conf.Client()
	if err != nil {
		return nil, nil, "", enginerrors.Wrap(enginerrors.CodeProtocolError, "opaque client", err)
	}

	ke1 := client.LoginInit([]byte(password))
	ke2Bytes, err := t.LoginStart(ctx, username, ke1.Serialize())
	if err != nil {
		return nil, nil, "", err
	}

	deser, err := conf.Deserializer()
	if err != nil {
		return nil, nil, "", enginerrors.Wrap(enginerrors.CodeProtocolError, "deserializer", err)
	}
	ke2, err := deser.KE2(ke2Bytes)
	if err != nil {
		return nil, nil, "", enginerrors.Wrap(enginerrors.CodeProtocolError, "malformed KE2", err)
	}

	// A wrong password and an unknown username both fail here or at the
	// server's finish with the same authentication error.
	ke3, exportKey, err := client.LoginFinish(ke2)
	if err != nil {
		return nil, nil, "", enginerrors.New(enginerrors.CodeAuthenticationFailed, "authentication failed")
	}

	bundle, token, err = t.LoginFinish(ctx, username, ke3.Serialize())
	if err != nil {
		return nil, nil, "", err
	}
	return exportKey, bundle, token, nil
}
