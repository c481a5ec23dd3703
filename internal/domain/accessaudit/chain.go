package accessaudit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// GenesisHash is the prev_hash of the first entry in the log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// chainFields is the hashed form of an entry. Field order is fixed by the
// struct, so the encoding is stable.
type chainFields struct {
	Prev         string    `json:"prev"`
	ID           string    `json:"id"`
	ActorID      string    `json:"actor_id"`
	ActorName    string    `json:"actor_name"`
	ActorRole    string    `json:"actor_role"`
	Source       string    `json:"source_facility_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	PatientUUID  string    `json:"patient_uuid"`
	Action       string    `json:"action"`
	Cross        bool      `json:"cross"`
	Purpose      string    `json:"purpose"`
	LegalBasis   string    `json:"legal_basis"`
	Verified     bool      `json:"consent_verified"`
	ConsentID    string    `json:"consent_id"`
	Origins      []string  `json:"origins"`
	RequestID    string    `json:"request_id"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	Flags        []string  `json:"flags"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Hash returns the chain hash of e on top of prev. RecordedAt is taken at
// microsecond precision, the resolution the store keeps.
func (e *Entry) Hash(prev string) string {
	f := chainFields{
		Prev:         prev,
		ID:           e.ID.String(),
		ActorID:      e.ActorID,
		ActorName:    e.ActorName,
		ActorRole:    e.ActorRole,
		Source:       e.SourceFacilityID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		PatientUUID:  e.PatientUUID,
		Action:       string(e.Action),
		Cross:        e.IsCrossHospitalAccess,
		Purpose:      e.Purpose,
		LegalBasis:   e.LegalBasis,
		Verified:     e.ConsentVerified,
		Origins:      nonNil(e.OriginFacilityIDs),
		RequestID:    e.RequestID,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		Flags:        nonNil(e.SecurityFlags),
		RecordedAt:   e.RecordedAt.UTC().Truncate(time.Microsecond),
	}
	if e.ConsentID != nil {
		f.ConsentID = e.ConsentID.String()
	}
	b, _ := json.Marshal(f)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Seal links e to the entry before it.
func (e *Entry) Seal(prev string) {
	if prev == "" {
		prev = GenesisHash
	}
	e.RecordedAt = e.RecordedAt.UTC().Truncate(time.Microsecond)
	e.PrevHash = prev
	e.EntryHash = e.Hash(prev)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ChainReport is the outcome of walking the log in insert order.
type ChainReport struct {
	Checked  int       `json:"checked"`
	Intact   bool      `json:"intact"`
	BrokenAt int64     `json:"broken_at,omitempty"`
	EntryID  string    `json:"entry_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Head     string    `json:"head,omitempty"`
	At       time.Time `json:"verified_at"`
}

// chainVerifier checks entries batch by batch, carrying the previous hash and
// sequence across batches.
type chainVerifier struct {
	prev    string
	prevSeq int64
	report  ChainReport
}

func newChainVerifier() *chainVerifier {
	return &chainVerifier{prev: GenesisHash, report: ChainReport{Intact: true}}
}

// check returns false at the first broken link.
func (v *chainVerifier) check(e *Entry) bool {
	switch {
	case e.Seq != v.prevSeq+1:
		v.broken(e, "sequence gap: entries missing before this one")
	case e.PrevHash != v.prev:
		v.broken(e, "prev_hash does not match the preceding entry")
	case e.EntryHash != e.Hash(e.PrevHash):
		v.broken(e, "entry_hash does not match the entry contents")
	default:
		v.report.Checked++
		v.prev, v.prevSeq = e.EntryHash, e.Seq
		v.report.Head = e.EntryHash
		return true
	}
	return false
}

func (v *chainVerifier) broken(e *Entry, reason string) {
	v.report.Intact = false
	v.report.BrokenAt = e.Seq
	v.report.EntryID = e.ID.String()
	v.report.Reason = reason
}
