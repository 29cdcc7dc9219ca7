package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recycle-rewards-api/internal/cache"
	"recycle-rewards-api/internal/classifier"
	"recycle-rewards-api/internal/database"
	"recycle-rewards-api/internal/events"
	"recycle-rewards-api/internal/models"
	"recycle-rewards-api/internal/tracing"
	"recycle-rewards-api/internal/validation"
)

var (
	// ErrNotEligible is returned when a claim is attempted with zero claimable tickets.
	ErrNotEligible = errors.New("service: no tickets claimable now")
	// ErrInvalidQuantity is returned when a redemption quantity is not positive.
	ErrInvalidQuantity = errors.New("service: quantity must be positive")
	// ErrNoPredictions is returned when a capture carries neither predictions nor an image path.
	ErrNoPredictions = errors.New("service: capture requires predictions or an image path")
)

const snapshotTTL = 30 * time.Second

// Service provides the business logic for the recycle rewards ledger.
type Service struct {
	db     *database.DB
	policy classifier.Policy
	oracle classifier.Oracle
	cache  cache.Cache
	events *events.Manager
}

// Options holds optional collaborators for the service.
type Options struct {
	Policy classifier.Policy
	Oracle classifier.Oracle
	Cache  cache.Cache
	Events *events.Manager
}

// NewService creates a new service instance with the default bottle policy and
// no oracle, cache, or event manager.
func NewService(db *database.DB) *Service {
	return NewServiceWithOptions(db, Options{Policy: classifier.DefaultPolicy()})
}

// NewServiceWithOptions creates a new service instance with custom collaborators.
func NewServiceWithOptions(db *database.DB, opts Options) *Service {
	return &Service{
		db:     db,
		policy: opts.Policy,
		oracle: opts.Oracle,
		cache:  opts.Cache,
		events: opts.Events,
	}
}

// MonthTag derives the calendar-month period key from wall-clock time.
func MonthTag(now time.Time) string {
	return now.Format("2006-01")
}

// RegisterStudent creates the student and their ticket balance row if absent.
// Registration is idempotent: re-registering an existing ID is a no-op and
// returns the stored record.
func (s *Service) RegisterStudent(ctx context.Context, id, name string) (models.Student, error) {
	if err := validation.ValidateStudentID(id); err != nil {
		return models.Student{}, err
	}
	if err := validation.ValidateStudentName(name); err != nil {
		return models.Student{}, err
	}

	if err := s.db.EnsureStudent(ctx, id, name); err != nil {
		return models.Student{}, fmt.Errorf("failed to register student: %w", err)
	}

	s.invalidateSnapshot(ctx, id)
	s.publish(ctx, events.EventStudentRegistered, events.StudentRegisteredData{StudentID: id, Name: name})

	return s.db.GetStudent(ctx, id)
}

// GetStudent returns the dashboard snapshot for a student at the given time:
// points, ticket balance, monthly counter, and how many tickets are claimable now.
func (s *Service) GetStudent(ctx context.Context, id string, now time.Time) (models.StudentSnapshot, error) {
	if err := validation.ValidateStudentID(id); err != nil {
		return models.StudentSnapshot{}, err
	}

	monthKey := MonthTag(now)
	cacheKey := snapshotCacheKey(id, monthKey)
	if s.cache != nil {
		var cached models.StudentSnapshot
		if err := cache.GetJSON(ctx, s.cache, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	student, err := s.db.GetStudent(ctx, id)
	if err != nil {
		return models.StudentSnapshot{}, err
	}

	if err := s.db.EnsureMonthReset(ctx, id, monthKey); err != nil {
		return models.StudentSnapshot{}, err
	}

	balance, err := s.db.GetTicketBalance(ctx, id)
	if err != nil {
		return models.StudentSnapshot{}, err
	}

	snapshot := models.StudentSnapshot{
		ID:           student.ID,
		Name:         student.Name,
		Points:       student.Points,
		Available:    balance.Available,
		ClaimedMonth: balance.ClaimedMonth,
		MonthlyCap:   database.MonthlyTicketCap,
		MonthKey:     balance.MonthKey,
		ClaimableNow: claimable(student.Points, balance.ClaimedMonth),
	}

	if s.cache != nil {
		_ = cache.SetJSON(ctx, s.cache, cacheKey, snapshot, snapshotTTL)
	}

	return snapshot, nil
}

// ClaimableNow returns how many tickets the student may claim at the given
// time: min(points/15, remaining monthly allowance). Resets the monthly
// counter on rollover but never consumes points or tickets.
func (s *Service) ClaimableNow(ctx context.Context, id string, now time.Time) (int, error) {
	if err := validation.ValidateStudentID(id); err != nil {
		return 0, err
	}

	if err := s.db.EnsureMonthReset(ctx, id, MonthTag(now)); err != nil {
		return 0, err
	}

	student, err := s.db.GetStudent(ctx, id)
	if err != nil {
		return 0, err
	}
	balance, err := s.db.GetTicketBalance(ctx, id)
	if err != nil {
		return 0, err
	}

	return claimable(student.Points, balance.ClaimedMonth), nil
}

// RecordCapture applies the bottle policy to a capture attempt, credits exactly
// one point when it counts, and appends the attempt to the history trail either
// way. The classification itself is the oracle's job; this only consumes its
// predictions.
func (s *Service) RecordCapture(ctx context.Context, id string, req models.CaptureRequest) (models.CaptureResult, error) {
	if err := validation.ValidateStudentID(id); err != nil {
		return models.CaptureResult{}, err
	}

	student, err := s.db.GetStudent(ctx, id)
	if err != nil {
		return models.CaptureResult{}, err
	}

	predictions := req.Predictions
	if len(predictions) == 0 {
		if req.ImagePath == "" || s.oracle == nil {
			return models.CaptureResult{}, ErrNoPredictions
		}
		_, predictions, err = s.oracle.Classify(ctx, req.ImagePath)
		if err != nil {
			return models.CaptureResult{}, fmt.Errorf("classification failed: %w", err)
		}
	}

	valid := s.policy.IsPlasticBottle(predictions)

	points := student.Points
	if valid {
		points, err = s.db.CreditPoint(ctx, id)
		if err != nil {
			return models.CaptureResult{}, err
		}
	}

	if err := s.db.AppendHistory(ctx, id, valid); err != nil {
		return models.CaptureResult{}, err
	}

	s.invalidateSnapshot(ctx, id)
	if valid {
		s.publish(ctx, events.EventPointCredited, events.PointCreditedData{StudentID: id, Points: points})
	}

	return models.CaptureResult{
		Valid:       valid,
		Points:      points,
		Predictions: predictions,
	}, nil
}

// ClaimTicket converts 15 points into one ticket under the monthly cap.
// The eligibility check and the mutation are one atomic unit in the store; a
// concurrent claim that drains the points between check and commit surfaces as
// ErrInsufficientPoints with no partial effect.
func (s *Service) ClaimTicket(ctx context.Context, id string, now time.Time) (*models.ClaimResult, error) {
	if err := validation.ValidateStudentID(id); err != nil {
		return nil, err
	}

	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.ClaimTicket")
	defer span.End()

	monthKey := MonthTag(now)
	if err := s.db.EnsureMonthReset(ctx, id, monthKey); err != nil {
		return nil, err
	}

	n, err := s.ClaimableNow(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotEligible
	}

	result, err := s.db.ClaimTicket(ctx, id, monthKey)
	if errors.Is(err, database.ErrMonthlyCapReached) {
		// Cap exhausted by a concurrent claim after the eligibility check.
		return nil, ErrNotEligible
	}
	if err != nil {
		return nil, err
	}

	s.invalidateSnapshot(ctx, id)
	s.publish(ctx, events.EventTicketClaimed, events.TicketClaimedData{
		StudentID: id,
		Available: result.Available,
		MonthKey:  result.MonthKey,
	})

	return result, nil
}

// RedeemTickets debits qty tickets from a student and logs the redemption.
// Teacher-only operation; the handler layer enforces the passcode.
func (s *Service) RedeemTickets(ctx context.Context, id string, qty int, note string) (*models.RedeemResult, error) {
	if err := validation.ValidateStudentID(id); err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	if err := validation.ValidateNote(note); err != nil {
		return nil, err
	}

	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.RedeemTickets")
	defer span.End()

	if _, err := s.db.GetStudent(ctx, id); err != nil {
		return nil, err
	}
	if _, err := s.db.GetTicketBalance(ctx, id); err != nil {
		return nil, err
	}

	result, err := s.db.RedeemTickets(ctx, id, qty, note)
	if err != nil {
		return nil, err
	}

	s.invalidateSnapshot(ctx, id)
	s.publish(ctx, events.EventTicketsRedeemed, events.TicketsRedeemedData{
		StudentID: id,
		Qty:       qty,
		Note:      note,
	})

	return result, nil
}

// ListRedemptions returns a student's redemption audit trail, most recent first.
func (s *Service) ListRedemptions(ctx context.Context, id string) ([]models.Redemption, error) {
	if err := validation.ValidateStudentID(id); err != nil {
		return nil, err
	}
	if _, err := s.db.GetStudent(ctx, id); err != nil {
		return nil, err
	}
	return s.db.ListRedemptions(ctx, id)
}

// ListHistory returns a student's capture attempts, most recent first.
func (s *Service) ListHistory(ctx context.Context, id string) ([]models.HistoryEntry, error) {
	if err := validation.ValidateStudentID(id); err != nil {
		return nil, err
	}
	if _, err := s.db.GetStudent(ctx, id); err != nil {
		return nil, err
	}
	return s.db.ListHistory(ctx, id)
}

// claimable computes min(points/15, remaining monthly allowance), never negative.
func claimable(points, claimedMonth int) int {
	byPoints := points / database.TicketCost
	byLimit := database.MonthlyTicketCap - claimedMonth
	if byLimit < 0 {
		byLimit = 0
	}
	if byPoints < byLimit {
		return byPoints
	}
	return byLimit
}

func snapshotCacheKey(id, monthKey string) string {
	return "snapshot:" + id + ":" + monthKey
}

func (s *Service) invalidateSnapshot(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, snapshotCacheKey(id, MonthTag(time.Now().UTC())))
}

func (s *Service) publish(ctx context.Context, eventType events.EventType, data interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, eventType, data)
}
