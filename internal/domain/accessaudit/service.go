package accessaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/crossfacility/internal/platform/alerting"
	"github.com/ehr/crossfacility/internal/platform/apperr"
	"github.com/ehr/crossfacility/internal/platform/blobstore"
	"github.com/ehr/crossfacility/internal/platform/metrics"
	"github.com/ehr/crossfacility/pkg/pagination"
)

const (
	defaultWindowMinutes = 60
	defaultTopActors     = 10
	maxReportRange       = 366 * 24 * time.Hour
	chainBatch           = 1000
)

type Service struct {
	repo       Repository
	blobs      blobstore.Store
	alerts     alerting.Publisher
	metrics    *metrics.Metrics
	thresholds Thresholds
	logger     zerolog.Logger
	now        func() time.Time
}

// NewService wires the audit log. blobs and alerts may be nil; reports then
// cannot be archived and flagged actors are only logged.
func NewService(repo Repository, th Thresholds, blobs blobstore.Store, alerts alerting.Publisher,
	m *metrics.Metrics, logger zerolog.Logger) *Service {
	def := DefaultThresholds()
	if th.MaxAccesses <= 0 {
		th.MaxAccesses = def.MaxAccesses
	}
	if th.MaxPatients <= 0 {
		th.MaxPatients = def.MaxPatients
	}
	if th.MaxExports <= 0 {
		th.MaxExports = def.MaxExports
	}
	if th.MaxCrossFacility <= 0 {
		th.MaxCrossFacility = def.MaxCrossFacility
	}
	return &Service{
		repo:       repo,
		blobs:      blobs,
		alerts:     alerts,
		metrics:    m,
		thresholds: th,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// LogAccess writes one entry synchronously.
func (s *Service) LogAccess(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.now()
	}
	e.applyFlags()
	err := s.repo.Insert(ctx, e)
	s.metrics.AuditWrite(err == nil)
	return err
}

func (s *Service) GetPatientAccessHistory(ctx context.Context, patientUUID string, from, to time.Time, p pagination.Params) ([]*Entry, int, error) {
	if patientUUID == "" {
		return nil, 0, fmt.Errorf("%w: patient uuid is required", apperr.ErrInvalidInput)
	}
	if to.IsZero() {
		to = s.now().Add(time.Second)
	}
	if from.IsZero() {
		from = to.AddDate(-1, 0, 0)
	}
	if !from.Before(to) {
		return nil, 0, fmt.Errorf("%w: from must be before to", apperr.ErrInvalidInput)
	}
	return s.repo.ListByPatient(ctx, patientUUID, from, to, p.Limit, p.Offset)
}

// DetectSuspiciousActivity evaluates the actor's accesses over the trailing
// window. A flagged actor raises an alert.
func (s *Service) DetectSuspiciousActivity(ctx context.Context, actorID string, windowMinutes int) (*SuspicionReport, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", apperr.ErrInvalidInput)
	}
	if windowMinutes <= 0 {
		windowMinutes = defaultWindowMinutes
	}
	since := s.now().Add(-time.Duration(windowMinutes) * time.Minute)
	st, err := s.repo.ActorStats(ctx, actorID, since)
	if err != nil {
		return nil, err
	}
	report := Evaluate(actorID, windowMinutes, since, *st, s.thresholds)
	if !report.Suspicious {
		return report, nil
	}

	detail := make(map[string]interface{})
	for _, h := range report.Heuristics {
		if h.Exceeded {
			s.metrics.SuspiciousFlag(h.Name)
			detail[h.Name] = h.Count
		}
	}
	s.logger.Warn().Str("actor_id", actorID).Int("window_minutes", windowMinutes).
		Interface("heuristics", detail).Msg("suspicious access pattern")
	if s.alerts != nil {
		err := s.alerts.Publish(ctx, alerting.Alert{
			Kind:     alerting.KindSuspiciousActivity,
			Severity: alerting.SeverityWarning,
			ActorID:  actorID,
			Message:  fmt.Sprintf("actor %s exceeded access thresholds in the last %d minutes", actorID, windowMinutes),
			Detail:   detail,
			At:       s.now(),
		})
		if err != nil {
			s.logger.Error().Err(err).Str("actor_id", actorID).Msg("publish suspicious activity alert")
		}
	}
	return report, nil
}

// GenerateComplianceReport aggregates the log over [From, To).
func (s *Service) GenerateComplianceReport(ctx context.Context, p ReportParams) (*ComplianceReport, error) {
	if p.From.IsZero() || p.To.IsZero() || !p.From.Before(p.To) {
		return nil, fmt.Errorf("%w: a from/to range is required", apperr.ErrInvalidInput)
	}
	if p.To.Sub(p.From) > maxReportRange {
		return nil, fmt.Errorf("%w: report range exceeds one year", apperr.ErrInvalidInput)
	}
	if p.Archive && s.blobs == nil {
		return nil, fmt.Errorf("%w: report archive is not configured", apperr.ErrInvalidInput)
	}
	if p.TopN <= 0 {
		p.TopN = defaultTopActors
	}

	entries, err := s.repo.ListRange(ctx, p.FacilityID, p.From, p.To)
	if err != nil {
		return nil, err
	}
	report := buildReport(entries, p)
	report.ReportID = uuid.New()
	report.GeneratedAt = s.now()

	if p.Archive {
		loc, err := s.archive(ctx, report)
		if err != nil {
			return nil, err
		}
		report.ArchiveLocation = loc
	}
	return report, nil
}

func buildReport(entries []*Entry, p ReportParams) *ComplianceReport {
	r := &ComplianceReport{
		FacilityID:    p.FacilityID,
		From:          p.From,
		To:            p.To,
		ByAction:      make(map[Action]int),
		ByLegalBasis:  make(map[string]int),
		TopActors:     []ActorCount{},
		FlaggedActors: []string{},
	}
	perActor := make(map[string]int)
	flagged := make(map[string]bool)
	for _, e := range entries {
		r.TotalAccesses++
		r.ByAction[e.Action]++
		basis := e.LegalBasis
		if basis == "" {
			basis = "unspecified"
		}
		r.ByLegalBasis[basis]++
		if e.ConsentVerified {
			r.ConsentVerified++
		}
		if e.IsCrossHospitalAccess {
			r.CrossFacilityAccesses++
			if !e.ConsentVerified {
				r.UnverifiedCrossFacility++
			}
		}
		perActor[e.ActorID]++
		if len(e.SecurityFlags) > 0 {
			flagged[e.ActorID] = true
		}
	}
	if r.TotalAccesses > 0 {
		r.ConsentVerifiedRatio = float64(r.ConsentVerified) / float64(r.TotalAccesses)
	}

	for id, n := range perActor {
		r.TopActors = append(r.TopActors, ActorCount{ActorID: id, Count: n})
	}
	sort.Slice(r.TopActors, func(i, j int) bool {
		if r.TopActors[i].Count != r.TopActors[j].Count {
			return r.TopActors[i].Count > r.TopActors[j].Count
		}
		return r.TopActors[i].ActorID < r.TopActors[j].ActorID
	})
	if len(r.TopActors) > p.TopN {
		r.TopActors = r.TopActors[:p.TopN]
	}
	for id := range flagged {
		r.FlaggedActors = append(r.FlaggedActors, id)
	}
	sort.Strings(r.FlaggedActors)
	return r
}

func (s *Service) archive(ctx context.Context, r *ComplianceReport) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal compliance report: %w", err)
	}
	scope := r.FacilityID
	if scope == "" {
		scope = "all"
	}
	key := fmt.Sprintf("compliance/%s/%s_%s_%s.json", scope,
		r.From.Format("20060102"), r.To.Format("20060102"), r.ReportID)
	obj, err := s.blobs.Put(ctx, key, "application/json", data, map[string]string{
		"report-id":   r.ReportID.String(),
		"facility-id": scope,
	})
	if err != nil {
		return "", fmt.Errorf("archive compliance report: %w", err)
	}
	s.logger.Info().Str("report_id", r.ReportID.String()).Str("location", obj.Location).Msg("compliance report archived")
	return obj.Location, nil
}

// VerifyChain walks the whole log in insert order and checks every link. It
// stops at the first break. A tampered or removed row breaks the chain at or
// right after it; truncation of the newest rows is caught by comparing Head
// with a previously recorded value.
func (s *Service) VerifyChain(ctx context.Context) (*ChainReport, error) {
	v := newChainVerifier()
	var after int64
	for {
		batch, err := s.repo.Chain(ctx, after, chainBatch)
		if err != nil {
			return nil, err
		}
		for _, e := range batch {
			if !v.check(e) {
				return s.chainResult(ctx, v), nil
			}
			after = e.Seq
		}
		if len(batch) < chainBatch {
			return s.chainResult(ctx, v), nil
		}
	}
}

func (s *Service) chainResult(ctx context.Context, v *chainVerifier) *ChainReport {
	r := v.report
	r.At = s.now()
	if !r.Intact {
		s.logger.Error().Int64("seq", r.BrokenAt).Str("entry_id", r.EntryID).Str("reason", r.Reason).
			Msg("access audit chain broken")
		s.publishTamper(ctx, r)
	}
	return &r
}

func (s *Service) publishTamper(ctx context.Context, r ChainReport) {
	if s.alerts == nil {
		return
	}
	err := s.alerts.Publish(ctx, alerting.Alert{
		Kind:     alerting.KindAuditChainBroken,
		Severity: alerting.SeverityCritical,
		Message:  "access audit chain broken: " + r.Reason,
		Detail:   map[string]interface{}{"seq": r.BrokenAt, "entry_id": r.EntryID},
		At:       r.At,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("publish audit chain alert")
	}
}
