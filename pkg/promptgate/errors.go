package promptgate

import (
	"errors"
	"fmt"
)

// DenialCode is the machine-readable reason of a denied admission.
// Codes are surfaced verbatim to clients.
type DenialCode string

const (
	CodeUserLimitReached  DenialCode = "USER_LIMIT_REACHED"
	CodeIPBlocked         DenialCode = "IP_BLOCKED"
	CodeIPLimitReached    DenialCode = "IP_LIMIT_REACHED"
	CodeGuestLimitReached DenialCode = "GUEST_LIMIT_REACHED"

	// CodeStoreUnavailable is not a denial; it is reported for store failures.
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
)

// Denial is returned when a request is refused by one of the policies
type Denial struct {
	Code DenialCode
}

func (d *Denial) Error() string {
	return "admission denied: " + string(d.Code)
}

// Is matches any Denial carrying the same code
func (d *Denial) Is(target error) bool {
	t, ok := target.(*Denial)
	return ok && t.Code == d.Code
}

var (
	// ErrUserLimitReached is returned when an authenticated user has used the total limit
	ErrUserLimitReached = &Denial{Code: CodeUserLimitReached}

	// ErrIPBlocked is returned when the source IP has been blocked by moderation
	ErrIPBlocked = &Denial{Code: CodeIPBlocked}

	// ErrIPLimitReached is returned when the source IP has used the guest request limit
	ErrIPLimitReached = &Denial{Code: CodeIPLimitReached}

	// ErrGuestLimitReached is returned when a fingerprint has used the guest limit
	ErrGuestLimitReached = &Denial{Code: CodeGuestLimitReached}
)

var (
	// ErrStoreUnavailable is matched by every store failure surfaced from the controller
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidRequest is returned when a request misses its fingerprint or IP
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidLimits is returned for negative limits
	ErrInvalidLimits = errors.New("invalid limits")

	// ErrAtomicNotSupported is returned when atomic consistency is requested
	// from a store that does not implement AtomicStorage
	ErrAtomicNotSupported = errors.New("storage does not support atomic operations")

	// ErrRecordExists is returned by storage inserts when the key is already present
	ErrRecordExists = errors.New("record already exists")

	// ErrRecordNotFound is returned by storage updates when the key is absent
	ErrRecordNotFound = errors.New("record not found")

	// ErrLimitReached is returned by atomic storage increments when the counter is at its limit
	ErrLimitReached = errors.New("limit reached")

	// ErrBlocked is returned by atomic IP increments when the IP is blocked
	ErrBlocked = errors.New("blocked")
)

// StoreError wraps a failed store operation. It matches ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", CodeStoreUnavailable, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// AsDenial reports whether err is a Denial and returns it
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
