package promptgate

import (
	"errors"
	"fmt"
	"testing"
)

func TestDenial_Is(t *testing.T) {
	err := fmt.Errorf("decide: %w", &Denial{Code: CodeIPBlocked})

	if !errors.Is(err, ErrIPBlocked) {
		t.Error("Expected wrapped denial to match ErrIPBlocked")
	}
	if errors.Is(err, ErrIPLimitReached) {
		t.Error("Denials with different codes must not match")
	}
	if errors.Is(err, ErrStoreUnavailable) {
		t.Error("A denial is never a store failure")
	}

	d, ok := AsDenial(err)
	if !ok || d.Code != CodeIPBlocked {
		t.Errorf("AsDenial returned (%v, %v)", d, ok)
	}
}

func TestStoreError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &StoreError{Op: "get_ip_record", Err: cause}

	if !errors.Is(err, ErrStoreUnavailable) {
		t.Error("StoreError must match ErrStoreUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Error("StoreError must unwrap to its cause")
	}
	if _, ok := AsDenial(err); ok {
		t.Error("StoreError must not be a denial")
	}
	want := "STORE_UNAVAILABLE: get_ip_record: dial tcp: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestLimits_Validate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Errorf("Default limits must be valid: %v", err)
	}
	if err := (Limits{}).Validate(); err != nil {
		t.Errorf("Zero limits must be valid: %v", err)
	}
	for _, l := range []Limits{{Guest: -1}, {UserBonus: -1}, {Total: -1}, {IPGuest: -1}} {
		if err := l.Validate(); err == nil {
			t.Errorf("Expected error for %+v", l)
		}
	}
}

func TestRequest_Identity(t *testing.T) {
	guest := Request{Fingerprint: "fp", IP: "10.0.0.1"}.Identity()
	if g, ok := guest.(Guest); !ok || g.Fingerprint != "fp" || g.IP != "10.0.0.1" {
		t.Errorf("Expected Guest identity, got %#v", guest)
	}

	user := Request{Fingerprint: "fp", IP: "10.0.0.1", UserID: "u1"}.Identity()
	if a, ok := user.(Authenticated); !ok || a.UserID != "u1" || a.Fingerprint != "fp" {
		t.Errorf("Expected Authenticated identity, got %#v", user)
	}
}
