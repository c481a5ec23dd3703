// Package access coordinates a clinician's request for a patient's records
// held at other facilities: it checks the actor, gates on consent, fetches
// from peers and leaves an audit trail.
package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/crossfacility/internal/domain/accessaudit"
	"github.com/ehr/crossfacility/internal/domain/consent"
	"github.com/ehr/crossfacility/internal/domain/directory"
	"github.com/ehr/crossfacility/internal/domain/identity"
	"github.com/ehr/crossfacility/internal/domain/records"
	"github.com/ehr/crossfacility/internal/platform/apperr"
	"github.com/ehr/crossfacility/internal/platform/metrics"
)

const defaultPurpose = "continuity of care"

type Patients interface {
	GetPatient(ctx context.Context, patientUUID string) (*identity.PatientIdentity, error)
	RecordAccess(ctx context.Context, patientUUID, actorID, facilityID, detail string) error
}

type Consents interface {
	IsValidFor(ctx context.Context, patientUUID, facilityID string) (*consent.Record, bool, error)
	RequestConsent(ctx context.Context, in consent.RequestInput) (*consent.Record, error)
	RecordUsage(ctx context.Context, id uuid.UUID, actorID, purpose string, detail map[string]interface{}) error
}

// AuditSink accepts entries without waiting for them to be stored.
type AuditSink interface {
	Record(e *accessaudit.Entry) error
}

type Config struct {
	PeerConcurrency int
	PeerTimeout     time.Duration
}

type Coordinator struct {
	actors      directory.ActorDirectory
	facilities  directory.FacilityDirectory
	patients    Patients
	consents    Consents
	source      records.Source
	audit       AuditSink
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	concurrency int
	peerTimeout time.Duration
}

func NewCoordinator(cfg Config, actors directory.ActorDirectory, facilities directory.FacilityDirectory,
	patients Patients, consents Consents, source records.Source, audit AuditSink,
	m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	if cfg.PeerConcurrency <= 0 {
		cfg.PeerConcurrency = 4
	}
	return &Coordinator{
		actors:      actors,
		facilities:  facilities,
		patients:    patients,
		consents:    consents,
		source:      source,
		audit:       audit,
		metrics:     m,
		logger:      logger,
		concurrency: cfg.PeerConcurrency,
		peerTimeout: cfg.PeerTimeout,
	}
}

// authorize loads the actor and checks it may request clinical data on
// behalf of facilityID.
func (c *Coordinator) authorize(ctx context.Context, actorID, facilityID string) (*directory.Actor, error) {
	actor, err := c.actors.GetActor(ctx, actorID)
	if errors.Is(err, directory.ErrActorNotFound) {
		return nil, fmt.Errorf("%w: unknown actor %s", apperr.ErrUnauthorized, actorID)
	}
	if err != nil {
		return nil, err
	}
	if !actor.Active || !actor.IsClinical() {
		return nil, fmt.Errorf("%w: actor %s has no clinical role", apperr.ErrUnauthorized, actorID)
	}
	if !actor.AssociatedWith(facilityID) {
		return nil, fmt.Errorf("%w: actor %s is not associated with facility %s", apperr.ErrUnauthorized, actorID, facilityID)
	}
	return actor, nil
}

// RequestRecords returns the patient's records from every other facility the
// patient is registered at. Without a valid consent it files a consent request
// and returns pending_consent with no clinical data.
func (c *Coordinator) RequestRecords(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	if req.PatientUUID == "" || req.FacilityID == "" || req.ActorID == "" {
		return nil, fmt.Errorf("%w: patient_uuid, facility_id and actor are required", apperr.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Purpose) == "" {
		req.Purpose = defaultPurpose
	}
	types, err := records.ParseCategories(req.RecordTypes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}

	actor, err := c.authorize(ctx, req.ActorID, req.FacilityID)
	if err != nil {
		c.metrics.AccessOutcome("unauthorized")
		return nil, err
	}
	patient, err := c.patients.GetPatient(ctx, req.PatientUUID)
	if err != nil {
		return nil, err
	}
	if err := c.patients.RecordAccess(ctx, patient.PatientUUID, actor.ID, req.FacilityID, "records requested: "+req.Purpose); err != nil {
		c.logger.Warn().Err(err).Str("patient_uuid", patient.PatientUUID).Msg("registry access event not recorded")
	}

	rec, valid, err := c.consents.IsValidFor(ctx, patient.PatientUUID, req.FacilityID)
	if err != nil {
		return nil, err
	}
	if !valid {
		return c.pending(ctx, req, actor, types)
	}

	var allowed, refused []records.Category
	for _, t := range types {
		if rec.Covers(t) {
			allowed = append(allowed, t)
		} else {
			refused = append(refused, t)
		}
	}
	if len(allowed) == 0 {
		c.metrics.AccessOutcome("out_of_scope")
		return nil, fmt.Errorf("%w: requested record types are outside the consent scope", apperr.ErrConsentInvalid)
	}

	recs, unavailable := c.fetchPeers(ctx, patient, req.FacilityID, allowed)
	summary := summarize(recs)
	consentID := rec.ID

	c.recordAudit(req, actor, &accessaudit.Entry{
		ResourceType:          "clinical_record",
		Action:                accessaudit.ActionRead,
		IsCrossHospitalAccess: true,
		LegalBasis:            accessaudit.LegalBasisConsent,
		ConsentVerified:       true,
		ConsentID:             &consentID,
		OriginFacilityIDs:     summary.HospitalsWithRecords,
	})
	err = c.consents.RecordUsage(ctx, rec.ID, actor.ID, req.Purpose, map[string]interface{}{
		"facility_id":  req.FacilityID,
		"record_count": summary.TotalRecords,
		"request_id":   req.RequestID,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("consent_id", rec.ID.String()).Msg("consent usage not recorded")
	}
	c.metrics.AccessOutcome(string(StatusGranted))

	return &RecordResult{
		Status:                StatusGranted,
		PatientUUID:           patient.PatientUUID,
		ConsentID:             &consentID,
		ConsentState:          rec.State,
		Records:               recs,
		Summary:               summary,
		RefusedTypes:          refused,
		UnavailableFacilities: unavailable,
	}, nil
}

func (c *Coordinator) pending(ctx context.Context, req RecordRequest, actor *directory.Actor, types []records.Category) (*RecordResult, error) {
	scope := make([]string, len(types))
	for i, t := range types {
		scope[i] = string(t)
	}
	rec, err := c.consents.RequestConsent(ctx, consent.RequestInput{
		PatientUUID:      req.PatientUUID,
		TargetFacilityID: req.FacilityID,
		Purpose:          req.Purpose,
		Scope:            scope,
		RequestedBy:      actor.ID,
	})
	if err != nil {
		return nil, err
	}
	consentID := rec.ID
	c.recordAudit(req, actor, &accessaudit.Entry{
		ResourceType: "consent_request",
		ResourceID:   consentID.String(),
		Action:       accessaudit.ActionCreate,
		ConsentID:    &consentID,
	})
	c.metrics.AccessOutcome(string(StatusPendingConsent))
	return &RecordResult{
		Status:       StatusPendingConsent,
		PatientUUID:  req.PatientUUID,
		ConsentID:    &consentID,
		ConsentState: rec.State,
		Message:      "patient consent is required before records can be shared",
	}, nil
}

func (c *Coordinator) recordAudit(req RecordRequest, actor *directory.Actor, e *accessaudit.Entry) {
	if c.audit == nil {
		return
	}
	e.ActorID = actor.ID
	e.ActorName = actor.Name
	e.ActorRole = actor.Role
	e.SourceFacilityID = req.FacilityID
	e.PatientUUID = req.PatientUUID
	e.Purpose = req.Purpose
	e.RequestID = req.RequestID
	e.IPAddress = req.IPAddress
	e.UserAgent = req.UserAgent
	if err := c.audit.Record(e); err != nil {
		c.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("audit entry not queued")
	}
}

// peerFacilities lists the patient's registrations other than the requester,
// in registration order.
func peerFacilities(p *identity.PatientIdentity, requester string) []string {
	regs := append([]*identity.FacilityRegistration(nil), p.Registrations...)
	sort.SliceStable(regs, func(i, j int) bool {
		return regs[i].RegistrationDate.Before(regs[j].RegistrationDate)
	})
	seen := map[string]bool{requester: true}
	var out []string
	for _, r := range regs {
		if !seen[r.FacilityID] {
			seen[r.FacilityID] = true
			out = append(out, r.FacilityID)
		}
	}
	return out
}

// fetchPeers queries each peer facility with bounded concurrency. A failing
// peer is reported in the returned list and does not fail the request.
func (c *Coordinator) fetchPeers(ctx context.Context, p *identity.PatientIdentity, requester string, types []records.Category) ([]*ExternalRecord, []string) {
	peers := peerFacilities(p, requester)
	results := make([][]*ExternalRecord, len(peers))
	var (
		mu          sync.Mutex
		unavailable []string
	)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, fid := range peers {
		i, fid := i, fid
		g.Go(func() error {
			recs, err := c.fetchOne(ctx, p.PatientUUID, fid, types)
			if err != nil {
				c.logger.Warn().Err(err).Str("facility_id", fid).Str("patient_uuid", p.PatientUUID).
					Msg("peer facility unavailable")
				mu.Lock()
				unavailable = append(unavailable, fid)
				mu.Unlock()
				return nil
			}
			results[i] = recs
			return nil
		})
	}
	_ = g.Wait()

	var out []*ExternalRecord
	for _, recs := range results {
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	sort.Strings(unavailable)
	return out, unavailable
}

func (c *Coordinator) fetchOne(ctx context.Context, patientUUID, facilityID string, types []records.Category) ([]*ExternalRecord, error) {
	if c.peerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.peerTimeout)
		defer cancel()
	}
	start := time.Now()
	recs, err := c.source.FetchRecords(ctx, patientUUID, facilityID, types)
	if err != nil {
		c.metrics.ObservePeerFetch("error", time.Since(start))
		return nil, err
	}
	c.metrics.ObservePeerFetch("ok", time.Since(start))

	name := facilityID
	if f, err := c.facilities.LookupFacility(ctx, facilityID); err == nil {
		name = f.Name
	}
	out := make([]*ExternalRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, &ExternalRecord{
			ClinicalRecord:     r,
			SourceFacilityName: name,
			IsExternal:         true,
			AccessLevel:        AccessLevelReadOnly,
		})
	}
	return out, nil
}

// CheckPermission reports whether the actor could read recordType for the
// patient right now. It has no side effects.
func (c *Coordinator) CheckPermission(ctx context.Context, actorID, facilityID, patientUUID, recordType string) (*Permission, error) {
	var category records.Category
	if recordType != "" {
		category = records.Category(recordType)
		if !category.Valid() {
			return nil, fmt.Errorf("%w: unknown record type %q", apperr.ErrInvalidInput, recordType)
		}
	}
	if _, err := c.authorize(ctx, actorID, facilityID); err != nil {
		if errors.Is(err, apperr.ErrUnauthorized) {
			return &Permission{Allowed: false, Reason: err.Error()}, nil
		}
		return nil, err
	}
	if _, err := c.patients.GetPatient(ctx, patientUUID); err != nil {
		return nil, err
	}

	rec, valid, err := c.consents.IsValidFor(ctx, patientUUID, facilityID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Permission{Allowed: false, Reason: "no consent on file for this facility"}, nil
	}
	id := rec.ID
	if !valid {
		return &Permission{Allowed: false, Reason: fmt.Sprintf("consent is not valid (state %s)", rec.State), ConsentID: &id}, nil
	}
	if category != "" && !rec.Covers(category) {
		return &Permission{Allowed: false, Reason: "record type is outside the consent scope", ConsentID: &id}, nil
	}
	return &Permission{Allowed: true, Reason: "valid consent", ConsentID: &id}, nil
}
