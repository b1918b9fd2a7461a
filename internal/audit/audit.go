// Package audit implements the tamper-evident activity log: a per-subject
// hash chain of entries whose payloads are encrypted under a session-derived
// key and whose signatures each commit to the previous one.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kinvault/internal/keys"
	enginerrors "kinvault/pkg/engine-errors"
)

// EventType names what happened. The type is part of the signed material;
// rewriting history to soften an event is tamper evidence.
type EventType string

const (
	EventGrantCreated         EventType = "grant_created"
	EventGrantRevoked         EventType = "grant_revoked"
	EventSubjectKeyRotated    EventType = "subject_key_rotated"
	EventRecordAccessed       EventType = "record_accessed"
	EventIdentityVerified     EventType = "identity_verified"
	EventVerificationMismatch EventType = "verification_mismatch"
)

// Entry is one link of a subject's chain. Details are ciphertext: the log is
// readable only by key holders, while the chain structure stays verifiable
// by anyone with the MAC key.
type Entry struct {
	EntryID          string    `json:"entryId"`
	SubjectID        string    `json:"subjectId"`
	Type             EventType `json:"type"`
	ActorID          string    `json:"actorIdentifier"`
	TargetID         string    `json:"targetIdentifier,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
	EncryptedDetails []byte    `json:"encryptedDetails"`
	PrevEntryID      string    `json:"prevEntryId,omitempty"`
	PrevSignature    []byte    `json:"prevSignature"`
	Signature        []byte    `json:"signature"`
}

// Log appends to and verifies per-subject chains. Keys are derived from the
// session at construction so a locked session cannot keep writing.
type Log struct {
	store  EntryStore
	macKey []byte
	encKey []byte
	clock  func() time.Time
	newID  func() string
}

// Option configures a Log.
type Option func(*Log)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithIDGenerator injects a deterministic entry ID source for tests.
func WithIDGenerator(newID func() string) Option {
	return func(l *Log) { l.newID = newID }
}

// NewLog derives the MAC and payload-encryption keys from the session and
// binds them to the given store.
func NewLog(session *keys.Session, store EntryStore, opts ...Option) (*Log, error) {
	macKey, err := session.DeriveKey(keys.ContextAuditMAC, 32)
	if err != nil {
		return nil, err
	}
	encKey, err := session.DeriveKey(keys.ContextAuditEnc, 32)
	if err != nil {
		keys.Zeroize(macKey)
		return nil, err
	}
	l := &Log{
		store:  store,
		macKey: macKey,
		encKey: encKey,
		clock:  time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close zeroizes the log's derived keys.
func (l *Log) Close() {
	keys.Zeroize(l.macKey)
	keys.Zeroize(l.encKey)
}

// sign computes the chain MAC over every field a verifier must be able to
// trust: identity, type, actors, timestamp, ciphertext, and the link to the
// previous entry.
func (l *Log) sign(e Entry) []byte {
	mac := hmac.New(sha256.New, l.macKey)
	for _, field := range []string{e.EntryID, e.SubjectID, string(e.Type), e.ActorID, e.TargetID, e.PrevEntryID} {
		mac.Write([]byte(field))
		mac.Write([]byte{0})
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.OccurredAt.UnixNano()))
	mac.Write(ts[:])
	mac.Write(e.EncryptedDetails)
	mac.Write(e.PrevSignature)
	return mac.Sum(nil)
}

// Append seals the details, chains a new entry to the subject's current
// head, and persists it. The entry's signature covers the previous entry's
// signature, so any later edit or removal breaks the chain at that point.
// targetID is empty for events without a counterparty.
func (l *Log) Append(ctx context.Context, subjectID string, event EventType, actorID, targetID string, details any) (Entry, error) {
	if subjectID == "" {
		return Entry{}, enginerrors.New(enginerrors.CodeInvalidInput, "audit entry requires a subject")
	}
	if actorID == "" {
		return Entry{}, enginerrors.New(enginerrors.CodeInvalidInput, "audit entry requires an actor")
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return Entry{}, enginerrors.Wrap(enginerrors.CodeInvalidInput, "encoding audit details", err)
	}

	entry := Entry{
		EntryID:    l.newID(),
		SubjectID:  subjectID,
		Type:       event,
		ActorID:    actorID,
		TargetID:   targetID,
		OccurredAt: l.clock().UTC(),
	}
	entry.EncryptedDetails, err = keys.SealBytes(l.encKey, payload, []byte(entry.EntryID))
	if err != nil {
		return Entry{}, err
	}

	last, ok, err := l.store.Last(ctx, subjectID)
	if err != nil {
		return Entry{}, err
	}
	if ok {
		entry.PrevEntryID = last.EntryID
		entry.PrevSignature = last.Signature
	}
	entry.Signature = l.sign(entry)

	if err := l.store.Append(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Details decrypts an entry's payload.
func (l *Log) Details(entry Entry) (json.RawMessage, error) {
	return keys.OpenBytes(l.encKey, entry.EncryptedDetails, []byte(entry.EntryID))
}

// Entries returns a subject's chain in order.
func (l *Log) Entries(ctx context.Context, subjectID string) ([]Entry, error) {
	return l.store.List(ctx, subjectID)
}

// Finding describes one verification failure at a chain position.
type Finding struct {
	Index   int
	EntryID string
	Problem string
}

// Report is the outcome of a full-chain verification. Verification never
// stops at the first failure: the user deciding whether to trust a log needs
// the complete picture.
type Report struct {
	SubjectID string
	Entries   int
	Findings  []Finding
}

// OK reports whether the chain verified cleanly.
func (r Report) OK() bool { return len(r.Findings) == 0 }

// Err converts a failed report into a coded error, nil when clean.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return enginerrors.New(enginerrors.CodeTamperEvidence,
		fmt.Sprintf("audit chain for %s failed verification with %d finding(s)", r.SubjectID, len(r.Findings)))
}

// VerifyChain walks a subject's entire chain, recomputing every signature
// and checking every link. It reports findings; acting on them is the
// caller's decision.
func (l *Log) VerifyChain(ctx context.Context, subjectID string) (Report, error) {
	entries, err := l.store.List(ctx, subjectID)
	if err != nil {
		return Report{}, err
	}
	report := Report{SubjectID: subjectID, Entries: len(entries)}

	var prevSig []byte
	var prevID string
	for i, e := range entries {
		if e.SubjectID != subjectID {
			report.Findings = append(report.Findings, Finding{i, e.EntryID, "entry belongs to a different subject"})
		}
		if e.PrevEntryID != prevID || !hmac.Equal(e.PrevSignature, prevSig) {
			report.Findings = append(report.Findings, Finding{i, e.EntryID, "broken link to previous entry"})
		}
		if !hmac.Equal(e.Signature, l.sign(e)) {
			report.Findings = append(report.Findings, Finding{i, e.EntryID, "signature mismatch"})
		}
		prevSig = e.Signature
		prevID = e.EntryID
	}
	return report, nil
}
