package storage

import "fmt"

// Key layout shared by every component writing through the blob store. The
// storage backend keys on ClientIdentifier pseudonyms only; no usernames or
// plaintext identifiers ever appear in a key.

// IdentityKeyPath locates a user's public identity key.
func IdentityKeyPath(clientID string) string {
	return fmt.Sprintf("users/%s/identity.pub", clientID)
}

// WrappedKeyPath locates the copy of a subject key wrapped for one holder.
func WrappedKeyPath(clientID, subjectID, holderID string) string {
	return fmt.Sprintf("users/%s/subjects/%s/keys/%s.wrapped", clientID, subjectID, holderID)
}

// RecordPath locates one encrypted record of a subject at a key version.
func RecordPath(clientID, subjectID, recordID string, version uint32) string {
	return fmt.Sprintf("users/%s/subjects/%s/records/%s.v%d.blob", clientID, subjectID, recordID, version)
}

// RecordPrefix is the listing prefix for all records of a subject.
func RecordPrefix(clientID, subjectID string) string {
	return fmt.Sprintf("users/%s/subjects/%s/records/", clientID, subjectID)
}

// SubjectMetaPath locates the subject metadata blob (current key version and
// record index). Updated last during revocation, with an ifMatch condition,
// so it is the commit point of a rotation.
func SubjectMetaPath(clientID, subjectID string) string {
	return fmt.Sprintf("users/%s/subjects/%s/subject.meta", clientID, subjectID)
}

// AuditEntryPath locates one audit log entry blob by chain position.
func AuditEntryPath(subjectID string, seq uint64) string {
	return fmt.Sprintf("audit/%s/%012d.blob", subjectID, seq)
}

// AuditHeadPath locates the chain head blob (entry count and last signature).
// Advanced with an ifMatch condition so concurrent appends cannot fork the
// chain.
func AuditHeadPath(subjectID string) string {
	return fmt.Sprintf("audit/%s/head", subjectID)
}
