package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/crossfacility/internal/platform/apperr"
)

// DefaultProvince is used when a facility code prefix is not mapped.
const DefaultProvince = "XX"

var provinceByPrefix = map[string]string{
	"GP": "GP",
	"WC": "WC",
	"KZ": "KZN",
	"EC": "EC",
	"FS": "FS",
	"LP": "LP",
	"MP": "MP",
	"NC": "NC",
	"NW": "NW",
}

// ProvinceForFacilityCode maps the first two characters of a facility code
// to a province code.
func ProvinceForFacilityCode(code string) string {
	if len(code) < 2 {
		return DefaultProvince
	}
	if p, ok := provinceByPrefix[strings.ToUpper(code[:2])]; ok {
		return p
	}
	return DefaultProvince
}

var patientUUIDPattern = regexp.MustCompile(`^ZA-([A-Z]{2,3})-([0-9a-f]{12})-([0-9]{2})$`)

// Minter assembles patient UUIDs of the form ZA-<province>-<hash12>-<check>.
// The nonce source is injectable so tests get stable output.
type Minter struct {
	nonce func() string
}

func NewMinter(nonce func() string) *Minter {
	if nonce == nil {
		nonce = uuid.NewString
	}
	return &Minter{nonce: nonce}
}

func (m *Minter) Mint(nationalID, facilityCode string) string {
	sum := sha256.Sum256([]byte(nationalID + facilityCode + m.nonce()))
	hash12 := hex.EncodeToString(sum[:])[:12]
	province := ProvinceForFacilityCode(facilityCode)
	return fmt.Sprintf("ZA-%s-%s-%02d", province, hash12, checkDigits(province+hash12))
}

// ValidatePatientUUID checks the layout and the MOD 97-10 check digits.
func ValidatePatientUUID(s string) error {
	m := patientUUIDPattern.FindStringSubmatch(s)
	if m == nil {
		return fmt.Errorf("%w: malformed patient uuid %q", apperr.ErrInvalidInput, s)
	}
	if fmt.Sprintf("%02d", checkDigits(m[1]+m[2])) != m[3] {
		return fmt.Errorf("%w: patient uuid %q fails checksum", apperr.ErrInvalidInput, s)
	}
	return nil
}

// checkDigits computes ISO 7064 MOD 97-10 check digits. Letters expand to
// 10..35 as in IBAN.
func checkDigits(s string) int {
	return 98 - mod97(expand(s)+"00")
}

func expand(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			fmt.Fprintf(&b, "%d", r-'A'+10)
		}
	}
	return b.String()
}

func mod97(digits string) int {
	rem := 0
	for _, d := range digits {
		rem = (rem*10 + int(d-'0')) % 97
	}
	return rem
}
