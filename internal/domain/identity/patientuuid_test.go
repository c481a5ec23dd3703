package identity

import (
	"errors"
	"strings"
	"testing"

	"github.com/ehr/crossfacility/internal/platform/apperr"
)

func fixedNonce(v string) func() string { return func() string { return v } }

func TestMinter_Deterministic(t *testing.T) {
	m := NewMinter(fixedNonce("n-1"))
	a := m.Mint("8803140123087", "GP001")
	b := m.Mint("8803140123087", "GP001")
	if a != b {
		t.Errorf("expected same uuid for same nonce, got %s and %s", a, b)
	}
	if c := NewMinter(fixedNonce("n-2")).Mint("8803140123087", "GP001"); c == a {
		t.Error("expected a different nonce to change the uuid")
	}
}

func TestMinter_Layout(t *testing.T) {
	id := NewMinter(fixedNonce("n")).Mint("8803140123087", "KZ114")
	parts := strings.Split(id, "-")
	if len(parts) != 4 {
		t.Fatalf("expected 4 parts, got %q", id)
	}
	if parts[0] != "ZA" || parts[1] != "KZN" {
		t.Errorf("expected ZA-KZN prefix, got %s", id)
	}
	if len(parts[2]) != 12 || len(parts[3]) != 2 {
		t.Errorf("unexpected segment lengths in %s", id)
	}
	if err := ValidatePatientUUID(id); err != nil {
		t.Errorf("expected minted uuid to validate, got %v", err)
	}
}

func TestMinter_DefaultNonceSource(t *testing.T) {
	m := NewMinter(nil)
	if m.Mint("1", "GP001") == m.Mint("1", "GP001") {
		t.Error("expected random nonce to vary uuids")
	}
}

func TestProvinceForFacilityCode(t *testing.T) {
	tests := map[string]string{
		"GP001": "GP",
		"wc9":   "WC",
		"KZ114": "KZN",
		"NW":    "NW",
		"ZZ001": DefaultProvince,
		"G":     DefaultProvince,
		"":      DefaultProvince,
	}
	for code, want := range tests {
		if got := ProvinceForFacilityCode(code); got != want {
			t.Errorf("code %q: expected %s, got %s", code, want, got)
		}
	}
}

func TestValidatePatientUUID_Rejects(t *testing.T) {
	good := NewMinter(fixedNonce("n")).Mint("8803140123087", "GP001")
	tampered := good[:len(good)-2] + "00"
	if tampered == good {
		tampered = good[:len(good)-2] + "01"
	}

	for _, s := range []string{
		"",
		"ZA-GP-abc-12",
		"US-GP-0123456789ab-12",
		"za" + good[2:],
		tampered,
	} {
		if err := ValidatePatientUUID(s); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("%q: expected ErrInvalidInput, got %v", s, err)
		}
	}
}

func TestCheckDigits_Mod97(t *testing.T) {
	for _, s := range []string{"GP0123456789ab", "KZNffffffffffff", "XX000000000000"} {
		cd := checkDigits(s)
		if cd < 2 || cd > 98 {
			t.Errorf("%s: check digits %d out of range", s, cd)
		}
		digits := expand(s) + string(rune('0'+cd/10)) + string(rune('0'+cd%10))
		if mod97(digits) != 1 {
			t.Errorf("%s: expected remainder 1, got %d", s, mod97(digits))
		}
	}
}
