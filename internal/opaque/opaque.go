// Package opaque wraps the bytemare OPAQUE implementation with this
// system's fixed cipher configuration and identifier scheme. Nothing outside
// this package touches the library's message types directly.
package opaque

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	libopaque "github.com/bytemare/opaque"

	enginerrors "kinvault/pkg/engine-errors"
)

// Suite returns the one cipher configuration this system speaks: ristretto255
// OPRF and AKE, SHA-512 KDF/MAC, Argon2id stretching. There is no negotiation
// and no downgrade path; both sides either run this or fail.
func Suite() *libopaque.Configuration {
	return libopaque.DefaultConfiguration()
}

// ClientIdentifier derives the pseudonymous identifier a user is known by
// everywhere outside the login exchange: hex(SHA-256(username ∥ appSalt)),
// 64 lowercase hex characters. The storage backend never sees the username.
func ClientIdentifier(username, appSalt string) string {
	sum := sha256.Sum256(append([]byte(username), []byte(appSalt)...))
	return hex.EncodeToString(sum[:])
}

// Server owns the long-term OPAQUE server material: AKE key pair, OPRF seed,
// and a structurally valid fake registration record used to answer logins
// for usernames that were never registered.
type Server struct {
	conf       *libopaque.Configuration
	serverID   []byte
	privateKey []byte
	publicKey  []byte
	oprfSeed   []byte
	fakeRecord *libopaque.ClientRecord
}

// NewServer builds the server from generated-at-deploy key material. The
// fake record is produced by running a real registration against a random
// password and discarding the password, so unknown-user login responses are
// indistinguishable from real ones.
func NewServer(serverID string, privateKey, publicKey, oprfSeed []byte) (*Server, error) {
	conf := Suite()
	s := &Server{
		conf:       conf,
		serverID:   []byte(serverID),
		privateKey: privateKey,
		publicKey:  publicKey,
		oprfSeed:   oprfSeed,
	}
	fake, err := s.buildFakeRecord()
	if err != nil {
		return nil, err
	}
	s.fakeRecord = fake
	return s, nil
}

// GenerateKeyMaterial produces a fresh server AKE key pair and OPRF seed.
func GenerateKeyMaterial() (privateKey, publicKey, oprfSeed []byte, err error) {
	conf := Suite()
	privateKey, publicKey = conf.KeyGen()
	oprfSeed = conf.GenerateOPRFSeed()
	return privateKey, publicKey, oprfSeed, nil
}

// PublicKey returns the server's AKE public key.
func (s *Server) PublicKey() []byte { return s.publicKey }

func (s *Server) buildFakeRecord() (*libopaque.ClientRecord, error) {
	client, err := s.conf.Client()
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "building fake record client", err)
	}
	throwaway := make([]byte, 32)
	if _, err := rand.Read(throwaway); err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "fake record entropy", err)
	}
	regReq := client.RegistrationInit(throwaway)

	server, err := s.conf.Server()
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "building fake record server", err)
	}
	credID := []byte("fake-credential")
	deser, err := s.conf.Deserializer()
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "deserializer", err)
	}
	pks, err := deser.DecodeAkePublicKey(s.publicKey)
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "fake registration response", err)
	}
	regResp := server.RegistrationResponse(regReq, pks, credID, s.oprfSeed)
	record, _ := client.RegistrationFinalize(regResp)
	return &libopaque.ClientRecord{
		RegistrationRecord:   record,
		CredentialIdentifier: credID,
	}, nil
}

// RegistrationResponse evaluates a client's registration request.
func (s *Server) RegistrationResponse(clientID string, registrationRequest []byte) ([]byte, error) {
	deser, err := s.conf.Deserializer()
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "deserializer", err)
	}
	regReq, err := deser.RegistrationRequest(registrationRequest)
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "malformed registration request", err)
	}
	server, err := s.conf.Server()
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "opaque server", err)
	}
	pks, err := deser.DecodeAkePublicKey(s.publicKey)
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "registration response", err)
	}
	resp := server.RegistrationResponse(regReq, pks, []byte(clientID), s.oprfSeed)
	return resp.Serialize(), nil
}

// LoginState is the serialized AKE state between the two login messages,
// plus whether this login runs against the fake record.
type LoginState struct {
	AKEState []byte `json:"akeState"`
	Fake     bool   `json:"fake"`
}

// LoginResponse evaluates KE1 against a stored registration record, or
// against the fake record when storedRecord is nil. The returned state must
// come back through LoginFinish exactly once.
func (s *Server) LoginResponse(clientID string, ke1 []byte, storedRecord []byte) ([]byte, LoginState, error) {
	deser, err := s.conf.Deserializer()
	if err != nil {
		return nil, LoginState{}, enginerrors.Wrap(enginerrors.CodeProtocolError, "deserializer", err)
	}
	msg, err := deser.KE1(ke1)
	if err != nil {
		return nil, LoginState{}, enginerrors.Wrap(enginerrors.CodeProtocolError, "malformed KE1", err)
	}

	record := s.fakeRecord
	fake := true
	if storedRecord != nil {
		reg, err := deser.RegistrationRecord(storedRecord)
		if err != nil {
			return nil, LoginState{}, enginerrors.Wrap(enginerrors.CodeProtocolError, "corrupt stored record", err)
		}
		record = &libopaque.ClientRecord{
			RegistrationRecord:   reg,
			CredentialIdentifier: []byte(clientID),
		}
		fake = false
	}

	server, err := s.conf.Server()
	if err != nil {
		return nil, LoginState{}, enginerrors.Wrap(enginerrors.CodeProtocolError, "opaque server", err)
	}
	if err := server.SetKeyMaterial(s.serverID, s.privateKey, s.publicKey, s.oprfSeed); err != nil {
		return nil, LoginState{}, enginerrors.Wrap(enginerrors.CodeProtocolError, "server key material", err)
	}
	ke2, err := server.LoginInit(msg, record)
	if err != nil {
		return nil, LoginState{}, enginerrors.Wrap(enginerrors.CodeProtocolError, "login response", err)
	}
	return ke2.Serialize(), LoginState{AKEState: server.SerializeState(), Fake: fake}, nil
}

// LoginFinish verifies KE3 against a previous LoginResponse state. A fake
// state always fails, with the same error as a wrong password.
func (s *Server) LoginFinish(state LoginState, ke3 []byte) ([]byte, error) {
	deser, err := s.conf.Deserializer()
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "deserializer", err)
	}
	msg, err := deser.KE3(ke3)
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "malformed KE3", err)
	}
	server, err := s.conf.Server()
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "opaque server", err)
	}
	if err := server.SetKeyMaterial(s.serverID, s.privateKey, s.publicKey, s.oprfSeed); err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "server key material", err)
	}
	if err := server.SetAKEState(state.AKEState); err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeProtocolError, "restoring login state", err)
	}
	if err := server.LoginFinish(msg); err != nil || state.Fake {
		return nil, enginerrors.New(enginerrors.CodeAuthenticationFailed, "authentication failed")
	}
	return server.SessionKey(), nil
}
