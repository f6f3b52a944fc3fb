package attendance

import "errors"

var (
	// ErrForbidden indicates the caller role may not run the operation.
	ErrForbidden = errors.New("caller is not allowed to manage attendance")
	// ErrGroupRequired indicates a missing group slug.
	ErrGroupRequired = errors.New("group slug is required")
	// ErrCodeRequired indicates a missing attendance code.
	ErrCodeRequired = errors.New("attendance code is required")
	// ErrMemberRequired indicates the caller has no member identifier.
	ErrMemberRequired = errors.New("member identifier is required")
	// ErrInvalidDate indicates a day that is not formatted as YYYY-MM-DD.
	ErrInvalidDate = errors.New("date must be formatted as YYYY-MM-DD")
	// ErrSessionNotFound indicates no session matches the attendance code.
	ErrSessionNotFound = errors.New("attendance code not found")
	// ErrSessionExpired indicates the matching session is past its expiry.
	ErrSessionExpired = errors.New("attendance code has expired")
	// ErrConflict indicates a live session already claims the group day.
	ErrConflict = errors.New("attendance session already exists for this day")
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("attendance store is not configured")
)

// Kind classifies an operation failure for the caller.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindForbidden
	KindNotFound
	KindGone
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindGone:
		return "gone"
	default:
		return "internal"
	}
}

// KindOf maps an error returned by Service to its failure kind.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrGroupRequired),
		errors.Is(err, ErrCodeRequired),
		errors.Is(err, ErrMemberRequired),
		errors.Is(err, ErrInvalidDate):
		return KindBadRequest
	case errors.Is(err, ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, ErrSessionExpired):
		return KindGone
	default:
		return KindInternal
	}
}
