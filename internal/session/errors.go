package session

import "errors"

// Denials. A handler returning one of these suppresses delivery; the
// connection stays open.
var (
	ErrImpersonation = errors.New("descriptor does not match the connected user")
	ErrDuplicateJoin = errors.New("user already joined this game")
	ErrNotJoined     = errors.New("join the game first")
	ErrNotInGroup    = errors.New("not a member of the target group")
	ErrMissingField  = errors.New("missing required field")
	ErrMalformedData = errors.New("malformed data")
)

var denials = []error{
	ErrImpersonation,
	ErrDuplicateJoin,
	ErrNotJoined,
	ErrNotInGroup,
	ErrMissingField,
	ErrMalformedData,
}

// IsDenial reports whether err is a rule violation by the client rather
// than an infrastructure failure.
func IsDenial(err error) bool {
	for _, d := range denials {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}
