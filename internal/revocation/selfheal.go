package revocation

import (
	"context"
	"fmt"

	"kinvault/internal/keys"
	"kinvault/internal/sharing"
	enginerrors "kinvault/pkg/engine-errors"
)

// EnsureCurrentKey is the staleness self-heal: when a holder sees material
// at a version ahead of their cached key, this fetches and unwraps their
// rewrapped copy. Concurrent calls for the same subject collapse into one
// store round-trip. A holder whose grant was revoked finds no wrapped copy
// at the new version and gets CodeKeyMaterialUnavailable; that is the
// revocation taking effect, not an error to retry.
func (e *Engine) EnsureCurrentKey(ctx context.Context, session *keys.Session, ownerID, subjectID string, observedVersion uint32) (sharing.SubjectKey, error) {
	flightKey := fmt.Sprintf("%s|%s|%s", ownerID, subjectID, session.ClientID())
	v, err, _ := e.sf.Do(flightKey, func() (any, error) {
		selfHealFetches.Inc()
		key, err := e.holderKey(ctx, session, ownerID, subjectID)
		if err != nil {
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		return sharing.SubjectKey{}, err
	}

	shared := v.(sharing.SubjectKey)
	// Each caller gets its own copy; flights share the result value and one
	// caller zeroizing it must not blank the others'.
	key := sharing.SubjectKey{Bytes: append([]byte{}, shared.Bytes...), Version: shared.Version}
	if key.Version < observedVersion {
		have := key.Version
		key.Zero()
		return sharing.SubjectKey{}, enginerrors.New(enginerrors.CodeKeyMaterialUnavailable,
			fmt.Sprintf("holder key is at version %d, observed material at %d", have, observedVersion))
	}
	return key, nil
}
