// Package consent records and enforces patient consent for one facility to
// read another facility's records. The lifecycle is an explicit state; the
// approval_status, consent_given and is_withdrawn columns are derived from it
// on every write and cross-checked on every read.
package consent

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/crossfacility/internal/domain/records"
	"github.com/ehr/crossfacility/internal/platform/apperr"
)

type State string

const (
	StateRequested State = "requested"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateWithdrawn State = "withdrawn"
	StateExpired   State = "expired"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

type auxiliary struct {
	approval  ApprovalStatus
	given     bool
	withdrawn bool
}

var auxByState = map[State]auxiliary{
	StateRequested: {ApprovalPending, false, false},
	StateApproved:  {ApprovalApproved, true, false},
	StateRejected:  {ApprovalRejected, false, false},
	StateWithdrawn: {ApprovalRejected, true, true},
	StateExpired:   {ApprovalExpired, true, false},
}

// Checklist is the informed-consent disclosure list. A grant requires every
// item.
type Checklist struct {
	Purpose       bool `json:"purpose"`
	DataTypes     bool `json:"data_types"`
	Recipients    bool `json:"recipients"`
	Retention     bool `json:"retention"`
	Rights        bool `json:"rights"`
	Consequences  bool `json:"consequences"`
	Voluntariness bool `json:"voluntariness"`
}

func fullDisclosure() Checklist {
	return Checklist{true, true, true, true, true, true, true}
}

func (c Checklist) Complete() bool {
	return c == fullDisclosure()
}

type Signature struct {
	Method   string `json:"method"`
	SignedBy string `json:"signed_by"`
	Witness  string `json:"witness,omitempty"`
}

type Record struct {
	ID               uuid.UUID          `json:"id"`
	PatientUUID      string             `json:"patient_uuid"`
	SourceFacilityID string             `json:"source_facility_id"`
	TargetFacilityID string             `json:"target_facility_id"`
	State            State              `json:"state"`
	ApprovalStatus   ApprovalStatus     `json:"approval_status"`
	ConsentGiven     bool               `json:"consent_given"`
	IsWithdrawn      bool               `json:"is_withdrawn"`
	Purpose          string             `json:"purpose"`
	AccessScope      []records.Category `json:"access_scope"`
	Checklist        Checklist          `json:"checklist"`
	EffectiveDate    *time.Time         `json:"effective_date,omitempty"`
	ExpiryDate       *time.Time         `json:"expiry_date,omitempty"`
	ConsentDate      *time.Time         `json:"consent_date,omitempty"`
	Signature        *Signature         `json:"signature,omitempty"`
	SignaturePayload string             `json:"-"`
	RequestedBy      string             `json:"requested_by,omitempty"`
	DecidedBy        string             `json:"decided_by,omitempty"`
	WithdrawalReason string             `json:"withdrawal_reason,omitempty"`
	Cycle            int                `json:"cycle"`
	Version          int                `json:"version"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// NewRequest builds a first-cycle record in the requested state.
func NewRequest(patientUUID, sourceFacilityID, targetFacilityID, purpose string, scope []records.Category, requestedBy string, now time.Time, validity time.Duration) *Record {
	r := &Record{
		ID:               uuid.New(),
		PatientUUID:      patientUUID,
		SourceFacilityID: sourceFacilityID,
		TargetFacilityID: targetFacilityID,
		Cycle:            1,
		Version:          1,
	}
	r.startCycle(purpose, scope, requestedBy, now, validity)
	return r
}

func (r *Record) startCycle(purpose string, scope []records.Category, requestedBy string, now time.Time, validity time.Duration) {
	effective := now
	expiry := now.Add(validity)
	r.State = StateRequested
	r.Purpose = purpose
	r.AccessScope = scope
	r.Checklist = Checklist{}
	r.EffectiveDate = &effective
	r.ExpiryDate = &expiry
	r.ConsentDate = nil
	r.Signature = nil
	r.SignaturePayload = ""
	r.RequestedBy = requestedBy
	r.DecidedBy = ""
	r.WithdrawalReason = ""
	r.syncAux()
}

func (r *Record) syncAux() {
	aux := auxByState[r.State]
	r.ApprovalStatus = aux.approval
	r.ConsentGiven = aux.given
	r.IsWithdrawn = aux.withdrawn
}

// Consistent reports whether the stored auxiliary fields agree with State.
func (r *Record) Consistent() bool {
	aux, ok := auxByState[r.State]
	if !ok {
		return false
	}
	return r.ApprovalStatus == aux.approval && r.ConsentGiven == aux.given && r.IsWithdrawn == aux.withdrawn
}

// ValidAt is the single validity predicate. Any disagreement between State
// and the auxiliary fields makes the record invalid.
func (r *Record) ValidAt(now time.Time) bool {
	if !r.Consistent() || r.State != StateApproved {
		return false
	}
	if !r.ConsentGiven || r.IsWithdrawn || r.ApprovalStatus != ApprovalApproved {
		return false
	}
	if r.ExpiryDate != nil && r.ExpiryDate.Before(now) {
		return false
	}
	if r.EffectiveDate != nil && r.EffectiveDate.After(now) {
		return false
	}
	return true
}

// Lapsed reports an approval whose expiry has passed but which the sweep has
// not yet moved to expired.
func (r *Record) Lapsed(now time.Time) bool {
	return r.State == StateApproved && r.ExpiryDate != nil && r.ExpiryDate.Before(now)
}

func (r *Record) Terminal() bool {
	switch r.State {
	case StateRejected, StateWithdrawn, StateExpired:
		return true
	}
	return false
}

// Covers reports whether c is inside the access scope.
func (r *Record) Covers(c records.Category) bool {
	for _, s := range r.AccessScope {
		if s == c {
			return true
		}
	}
	return false
}

func (r *Record) transition(from []State, to State, now time.Time) (*Event, error) {
	allowed := false
	for _, s := range from {
		if r.State == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, r.State, to)
	}
	ev := &Event{
		ConsentID:  r.ID,
		Kind:       EventAudit,
		FromState:  r.State,
		ToState:    to,
		OccurredAt: now,
	}
	r.State = to
	r.syncAux()
	return ev, nil
}

type GrantInput struct {
	Signature        Signature  `json:"signature"`
	SignaturePayload string     `json:"signature_payload,omitempty"`
	GrantedBy        string     `json:"-"`
	EffectiveDate    *time.Time `json:"effective_date,omitempty"`
	ExpiryDate       *time.Time `json:"expiry_date,omitempty"`
}

// Grant moves requested to approved with full disclosure.
func (r *Record) Grant(in GrantInput, now time.Time) (*Event, error) {
	if in.Signature.Method == "" || in.Signature.SignedBy == "" {
		return nil, fmt.Errorf("%w: signature method and signed_by are required", apperr.ErrInvalidInput)
	}
	effective, expiry := r.EffectiveDate, r.ExpiryDate
	if in.EffectiveDate != nil {
		effective = in.EffectiveDate
	}
	if in.ExpiryDate != nil {
		expiry = in.ExpiryDate
	}
	if expiry != nil && !expiry.After(now) {
		return nil, fmt.Errorf("%w: expiry_date must be in the future", apperr.ErrInvalidInput)
	}
	if effective != nil && expiry != nil && !expiry.After(*effective) {
		return nil, fmt.Errorf("%w: expiry_date must be after effective_date", apperr.ErrInvalidInput)
	}

	ev, err := r.transition([]State{StateRequested}, StateApproved, now)
	if err != nil {
		return nil, err
	}
	consentDate := now
	sig := in.Signature
	r.EffectiveDate, r.ExpiryDate = effective, expiry
	r.ConsentDate = &consentDate
	r.Checklist = fullDisclosure()
	r.Signature = &sig
	r.SignaturePayload = in.SignaturePayload
	r.DecidedBy = in.GrantedBy
	ev.ActorID = in.GrantedBy
	ev.Detail = map[string]interface{}{"signature_method": sig.Method}
	return ev, nil
}

func (r *Record) Reject(reason, actor string, now time.Time) (*Event, error) {
	ev, err := r.transition([]State{StateRequested}, StateRejected, now)
	if err != nil {
		return nil, err
	}
	r.DecidedBy = actor
	ev.ActorID, ev.Reason = actor, reason
	return ev, nil
}

// Withdraw is irreversible; only a new request cycle supersedes it.
func (r *Record) Withdraw(reason, actor string, now time.Time) (*Event, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: withdrawal reason is required", apperr.ErrInvalidInput)
	}
	ev, err := r.transition([]State{StateApproved}, StateWithdrawn, now)
	if err != nil {
		return nil, err
	}
	r.WithdrawalReason = reason
	ev.ActorID, ev.Reason = actor, reason
	return ev, nil
}

// Renew extends an approval. The returned event is a renewal carrying the
// previous expiry.
func (r *Record) Renew(newExpiry time.Time, actor string, now time.Time) (*Event, error) {
	if r.State != StateApproved {
		return nil, fmt.Errorf("%w: only approved consent can be renewed (state %s)", apperr.ErrInvalidTransition, r.State)
	}
	if r.Lapsed(now) {
		return nil, fmt.Errorf("%w: consent %s has lapsed, request it again", apperr.ErrInvalidTransition, r.ID)
	}
	if !newExpiry.After(now) {
		return nil, fmt.Errorf("%w: new expiry must be in the future", apperr.ErrInvalidInput)
	}
	if r.ExpiryDate != nil && !newExpiry.After(*r.ExpiryDate) {
		return nil, fmt.Errorf("%w: new expiry must be after the current expiry", apperr.ErrInvalidInput)
	}
	detail := map[string]interface{}{"new_expiry": newExpiry}
	if r.ExpiryDate != nil {
		detail["previous_expiry"] = *r.ExpiryDate
	}
	ev := &Event{
		ConsentID:  r.ID,
		Kind:       EventRenewal,
		ActorID:    actor,
		FromState:  StateApproved,
		ToState:    StateApproved,
		Detail:     detail,
		OccurredAt: now,
	}
	exp := newExpiry
	r.ExpiryDate = &exp
	r.syncAux()
	return ev, nil
}

// Expire retires a lapsed approval. Anything else is left alone.
func (r *Record) Expire(now time.Time) (*Event, error) {
	if !r.Lapsed(now) {
		return nil, fmt.Errorf("%w: consent %s is not a lapsed approval", apperr.ErrInvalidTransition, r.ID)
	}
	ev, err := r.transition([]State{StateApproved}, StateExpired, now)
	if err != nil {
		return nil, err
	}
	ev.ActorID = "system"
	ev.Reason = "expiry date passed"
	return ev, nil
}

// Restart resets a terminal or lapsed record into a fresh requested cycle.
func (r *Record) Restart(purpose string, scope []records.Category, requestedBy string, now time.Time, validity time.Duration) (*Event, error) {
	if !r.Terminal() && !r.Lapsed(now) {
		return nil, fmt.Errorf("%w: cannot restart consent in state %s", apperr.ErrInvalidTransition, r.State)
	}
	from := r.State
	r.Cycle++
	r.startCycle(purpose, scope, requestedBy, now, validity)
	return &Event{
		ConsentID:  r.ID,
		Kind:       EventAudit,
		ActorID:    requestedBy,
		FromState:  from,
		ToState:    StateRequested,
		Reason:     "new request cycle",
		Detail:     map[string]interface{}{"cycle": r.Cycle},
		OccurredAt: now,
	}, nil
}

type EventKind string

const (
	EventAudit   EventKind = "audit"
	EventUsage   EventKind = "usage"
	EventRenewal EventKind = "renewal"
)

// Event is one row of the append-only consent history.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	ConsentID  uuid.UUID              `json:"consent_id"`
	Kind       EventKind              `json:"kind"`
	ActorID    string                 `json:"actor_id,omitempty"`
	FromState  State                  `json:"from_state,omitempty"`
	ToState    State                  `json:"to_state,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

type RequestInput struct {
	PatientUUID      string   `json:"patient_uuid"`
	TargetFacilityID string   `json:"target_facility_id"`
	Purpose          string   `json:"purpose"`
	Scope            []string `json:"access_scope"`
	RequestedBy      string   `json:"-"`
}
