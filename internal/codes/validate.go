package codes

import (
	"regexp"

	"github.com/carelink/carelink-backend/internal/apperr"
)

// codeFormat is the wire format of a signup code. Checked before any storage
// access so malformed input is rejected uniformly regardless of backend state
// and never costs a lookup.
var codeFormat = regexp.MustCompile(`^[A-Z0-9]{8}$`)

// ValidateFormat checks that code matches the signup code wire format.
func ValidateFormat(code string) error {
	if !codeFormat.MatchString(code) {
		return apperr.New(apperr.KindInvalidFormat, "code must be 8 uppercase letters or digits")
	}
	return nil
}

// ValidateOwnership checks that the acting identity owns the resource. Used
// before any mutating or disclosive operation on a code; a correctly-roled
// actor who does not own the code is still refused.
func ValidateOwnership(ownerID, actorID string) error {
	if ownerID != actorID {
		return apperr.New(apperr.KindForbidden, "you do not own this code")
	}
	return nil
}
