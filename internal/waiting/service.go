// Package waiting implements the waiting-list state machine: registration, calls,
// seating, cancellation, reordering and the derived queue positions.
package waiting

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"waitq/waiting-service/internal/metrics"
	"waitq/waiting-service/internal/models"
	"waitq/waiting-service/internal/store"
)

const (
	defaultMaxAttempts = 3
	maxMemoLength      = 500
	defaultPageSize    = 50
	maxPageSize        = 200
)

var tracer = otel.Tracer("waitq/waiting-service/waiting")

type Store interface {
	store.EntryStore
	store.ConfigStore
}

type OperationStatusProvider interface {
	OperationStatus(ctx context.Context, storeID string) (models.OperationStatus, error)
}

type CustomerResolver interface {
	ResolveCustomer(ctx context.Context, storeID, phone string) (string, bool, error)
}

type Options struct {
	Location        *time.Location
	Now             func() time.Time
	RestoreWindow   time.Duration
	MaxAttempts     int
	OperationStatus OperationStatusProvider
	Customers       CustomerResolver
	Logger          logrus.FieldLogger
	Metrics         *metrics.Metrics
}

type Service struct {
	store           Store
	location        *time.Location
	clock           func() time.Time
	restoreWindow   time.Duration
	maxAttempts     int
	operationStatus OperationStatusProvider
	customers       CustomerResolver
	logger          logrus.FieldLogger
	metrics         *metrics.Metrics
}

func NewService(st Store, options Options) *Service {
	s := &Service{
		store:           st,
		location:        options.Location,
		clock:           options.Now,
		restoreWindow:   options.RestoreWindow,
		maxAttempts:     options.MaxAttempts,
		operationStatus: options.OperationStatus,
		customers:       options.Customers,
		logger:          options.Logger,
		metrics:         options.Metrics,
	}
	if s.location == nil {
		s.location = time.UTC
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	return s
}

// now is truncated to the datastore's timestamp precision so stored and in-memory
// values compare equal.
func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

type RegisterInput struct {
	StoreID          string
	WaitingTypeID    string
	PartySize        int
	Phone            string
	Name             string
	Memo             string
	Source           models.Source
	ConsentMarketing bool
}

type Registration struct {
	Entry models.WaitingEntry `json:"entry"`
	Placement
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Registration, error) {
	ctx, span := tracer.Start(ctx, "waiting.register", trace.WithAttributes(
		attribute.String("waiting.store_id", input.StoreID),
		attribute.String("waiting.source", string(input.Source)),
	))
	defer span.End()

	registration, err := s.register(ctx, input)
	s.record(span, store.ActionRegister, input.StoreID, registration.Entry.ID, err)
	if err == nil {
		s.metrics.ObserveRegistration(string(input.Source))
	}
	return registration, err
}

func (s *Service) register(ctx context.Context, input RegisterInput) (Registration, error) {
	storeID := strings.TrimSpace(input.StoreID)
	typeID := strings.TrimSpace(input.WaitingTypeID)
	name := strings.TrimSpace(input.Name)
	if storeID == "" || typeID == "" {
		return Registration{}, validationError("store id and waiting type id are required")
	}
	if !input.Source.Valid() {
		return Registration{}, validationError("source must be MANUAL or TABLET")
	}
	rawPhone := strings.TrimSpace(input.Phone)
	if rawPhone == "" && name == "" {
		return Registration{}, validationError("phone or name is required")
	}
	phone := ""
	if rawPhone != "" {
		normalized, ok := NormalizePhone(rawPhone)
		if !ok {
			return Registration{}, validationError("phone must be 10-11 digits")
		}
		phone = normalized
	}
	memo := strings.TrimSpace(input.Memo)
	if utf8.RuneCountInString(memo) > maxMemoLength {
		return Registration{}, validationError("memo must be at most %d characters", maxMemoLength)
	}

	waitingType, err := s.store.GetWaitingType(ctx, storeID, typeID)
	if err != nil {
		return Registration{}, translate(err)
	}
	if !waitingType.IsActive {
		return Registration{}, &Error{Kind: KindValidation, Code: CodeTypeInactive, Message: "waiting type is not active"}
	}
	if !waitingType.AcceptsPartySize(input.PartySize) {
		return Registration{}, validationError("party size must be between %d and %d", waitingType.MinPartySize, waitingType.MaxPartySize)
	}

	setting, err := s.store.GetSetting(ctx, storeID)
	if err != nil {
		return Registration{}, translate(err)
	}
	setting = setting.Normalized()
	if input.Source == models.SourceTablet {
		if err := s.checkAccepting(ctx, storeID, setting); err != nil {
			return Registration{}, err
		}
	}

	now := s.now()
	entry := models.WaitingEntry{
		ID:               uuid.NewString(),
		StoreID:          storeID,
		WaitingTypeID:    typeID,
		Phone:            phone,
		Name:             name,
		PartySize:        input.PartySize,
		Status:           models.StatusWaiting,
		BusinessDate:     dayOf(now, s.location).Date,
		Source:           input.Source,
		ConsentMarketing: input.ConsentMarketing,
		Memo:             memo,
		CreatedAt:        now,
		OrderedAt:        now,
	}
	created, err := s.store.CreateEntry(ctx, store.CreateEntryInput{
		Entry:                entry,
		MaxActive:            setting.MaxWaitingCount,
		RejectDuplicatePhone: phone != "",
	})
	if err != nil {
		return Registration{}, translate(err)
	}

	placement, err := s.placementOf(ctx, created, waitingType)
	if err != nil {
		return Registration{}, err
	}
	return Registration{Entry: created, Placement: placement}, nil
}

func (s *Service) checkAccepting(ctx context.Context, storeID string, setting models.WaitingSetting) error {
	status := setting.OperationStatus
	if s.operationStatus != nil {
		current, err := s.operationStatus.OperationStatus(ctx, storeID)
		if err != nil {
			return translate(err)
		}
		status = current
	}
	switch status {
	case models.OperationAccepting:
		return nil
	case models.OperationPaused:
		message := setting.PauseMessage
		if message == "" {
			message = "waiting registration is paused"
		}
		return &Error{Kind: KindUnavailable, Code: CodeNotAccepting, Message: message}
	case models.OperationWalkIn:
		return &Error{Kind: KindUnavailable, Code: CodeNotAccepting, Message: "store is seating walk-ins directly"}
	default:
		return &Error{Kind: KindUnavailable, Code: CodeNotAccepting, Message: "store is closed"}
	}
}

func (s *Service) Call(ctx context.Context, storeID, entryID string) (models.WaitingEntry, error) {
	setting, err := s.settingFor(ctx, storeID)
	if err != nil {
		return models.WaitingEntry{}, err
	}
	return s.transition(ctx, storeID, entryID, store.ActionCall, callStep(setting))
}

func (s *Service) Recall(ctx context.Context, storeID, entryID string) (models.WaitingEntry, error) {
	setting, err := s.settingFor(ctx, storeID)
	if err != nil {
		return models.WaitingEntry{}, err
	}
	return s.transition(ctx, storeID, entryID, store.ActionRecall, recallStep(setting))
}

type SeatResult struct {
	Entry      models.WaitingEntry `json:"entry"`
	CustomerID *string             `json:"customer_id,omitempty"`
}

func (s *Service) Seat(ctx context.Context, storeID, entryID string) (SeatResult, error) {
	entry, err := s.transition(ctx, storeID, entryID, store.ActionSeat, func(current models.WaitingEntry, now time.Time) (models.WaitingEntry, error) {
		return seatStep(s.resolveCustomer(ctx, current))(current, now)
	})
	if err != nil {
		return SeatResult{}, err
	}
	return SeatResult{Entry: entry, CustomerID: entry.CustomerID}, nil
}

// resolveCustomer never fails the seat; an unknown or unreachable identity just leaves
// the entry unlinked.
func (s *Service) resolveCustomer(ctx context.Context, entry models.WaitingEntry) *string {
	if s.customers == nil || entry.CustomerID != nil || entry.Phone == "" {
		return nil
	}
	customerID, found, err := s.customers.ResolveCustomer(ctx, entry.StoreID, entry.Phone)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"store_id": entry.StoreID,
			"entry_id": entry.ID,
		}).WithError(err).Warn("customer lookup failed; seating without link")
		return nil
	}
	if !found {
		return nil
	}
	return &customerID
}

func (s *Service) Cancel(ctx context.Context, storeID, entryID string, reason models.CancelReason) (models.WaitingEntry, error) {
	if !reason.StaffSelectable() {
		err := &Error{Kind: KindValidation, Code: CodeInvalidReason, Message: "cancel reason must be one of CUSTOMER_REQUEST, STORE_REASON, OUT_OF_STOCK, NO_SHOW"}
		s.metrics.ObserveTransition(store.ActionCancel, err.Kind.String())
		return models.WaitingEntry{}, err
	}
	return s.transition(ctx, storeID, entryID, store.ActionCancel, cancelStep(reason))
}

// AutoCancel cancels an expired call on behalf of the timeout sweeper. It reports false
// without error when the entry no longer qualifies.
func (s *Service) AutoCancel(ctx context.Context, entry models.WaitingEntry) (bool, error) {
	_, err := s.transition(ctx, entry.StoreID, entry.ID, store.ActionAutoCancel, autoCancelStep)
	switch KindOf(err) {
	case 0:
		return true, nil
	case KindStateConflict, KindNotFound:
		return false, nil
	default:
		return false, err
	}
}

type DeferResult struct {
	Entry       models.WaitingEntry `json:"entry"`
	NewPosition int                 `json:"new_position"`
	Placement   Placement           `json:"placement"`
}

func (s *Service) Defer(ctx context.Context, storeID, entryID string) (DeferResult, error) {
	entry, err := s.transition(ctx, storeID, entryID, store.ActionDefer, func(current models.WaitingEntry, now time.Time) (models.WaitingEntry, error) {
		peers, err := s.store.ListActive(ctx, storeID, current.WaitingTypeID)
		if err != nil {
			return models.WaitingEntry{}, translate(err)
		}
		return deferStep(peers)(current, now)
	})
	if err != nil {
		return DeferResult{}, err
	}
	placement, err := s.placementFor(ctx, entry)
	if err != nil {
		return DeferResult{}, err
	}
	return DeferResult{Entry: entry, NewPosition: placement.Position, Placement: placement}, nil
}

func (s *Service) Restore(ctx context.Context, storeID, entryID string) (EntryView, error) {
	entry, err := s.transition(ctx, storeID, entryID, store.ActionRestore, func(current models.WaitingEntry, now time.Time) (models.WaitingEntry, error) {
		peers, err := s.store.ListActive(ctx, storeID, current.WaitingTypeID)
		if err != nil {
			return models.WaitingEntry{}, translate(err)
		}
		return restoreStep(peers, s.restoreWindow)(current, now)
	})
	if err != nil {
		return EntryView{}, err
	}
	return s.viewOf(ctx, entry)
}

func (s *Service) UpdateMemo(ctx context.Context, storeID, entryID, memo string) (models.WaitingEntry, error) {
	memo = strings.TrimSpace(memo)
	if utf8.RuneCountInString(memo) > maxMemoLength {
		return models.WaitingEntry{}, validationError("memo must be at most %d characters", maxMemoLength)
	}
	entry, err := s.store.UpdateMemo(ctx, storeID, entryID, memo, s.now())
	err = translate(err)
	s.metrics.ObserveTransition(store.ActionMemo, KindOf(err).String())
	return entry, err
}

func (s *Service) Get(ctx context.Context, storeID, entryID string) (EntryView, error) {
	entry, err := s.store.GetEntry(ctx, storeID, entryID)
	if err != nil {
		return EntryView{}, translate(err)
	}
	return s.viewOf(ctx, entry)
}

func (s *Service) History(ctx context.Context, storeID, entryID string) ([]store.EntryEvent, error) {
	events, err := s.store.ListEntryEvents(ctx, storeID, entryID)
	if err != nil {
		return nil, translate(err)
	}
	if err := store.VerifyEntryChain(events); err != nil {
		s.logger.WithFields(logrus.Fields{
			"store_id": storeID,
			"entry_id": entryID,
		}).WithError(err).Error("entry history failed verification")
	}
	return events, nil
}

// transition runs one state change. A guard failure means another request changed the
// entry after it was read, so the entry is re-read and the step re-evaluated.
func (s *Service) transition(ctx context.Context, storeID, entryID, action string, apply step) (models.WaitingEntry, error) {
	ctx, span := tracer.Start(ctx, "waiting."+action, trace.WithAttributes(
		attribute.String("waiting.store_id", storeID),
		attribute.String("waiting.entry_id", entryID),
	))
	defer span.End()

	entry, err := s.applyTransition(ctx, storeID, entryID, action, apply)
	s.record(span, action, storeID, entryID, err)
	return entry, err
}

func (s *Service) applyTransition(ctx context.Context, storeID, entryID, action string, apply step) (models.WaitingEntry, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.store.GetEntry(ctx, storeID, entryID)
		if err != nil {
			return models.WaitingEntry{}, translate(err)
		}
		if !store.ValidTransition(action, current.Status) {
			return models.WaitingEntry{}, conflictError("cannot %s an entry that is %s", action, current.Status)
		}

		now := s.now()
		next, err := apply(current, now)
		if err != nil {
			return models.WaitingEntry{}, err
		}

		input := store.TransitionInput{
			Action:     action,
			Current:    current,
			Next:       next,
			OccurredAt: now,
		}
		if input.Reactivates() {
			setting, err := s.settingFor(ctx, storeID)
			if err != nil {
				return models.WaitingEntry{}, err
			}
			input.MaxActive = setting.MaxWaitingCount
			input.RejectDuplicatePhone = current.Phone != ""
		}

		updated, err := s.store.ApplyTransition(ctx, input)
		if errors.Is(err, store.ErrGuardFailed) && attempt < s.maxAttempts {
			s.logger.WithFields(logrus.Fields{
				"action":   action,
				"entry_id": entryID,
				"attempt":  attempt,
			}).Debug("entry changed concurrently; re-reading")
			continue
		}
		if err != nil {
			return models.WaitingEntry{}, translate(err)
		}
		return updated, nil
	}
}

func (s *Service) record(span trace.Span, action, storeID, entryID string, err error) {
	kind := KindOf(err)
	s.metrics.ObserveTransition(action, kind.String())
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	fields := logrus.Fields{"action": action, "store_id": storeID, "entry_id": entryID, "kind": kind.String()}
	if kind == KindTransient {
		s.logger.WithFields(fields).WithError(err).Error("waiting transition failed")
		return
	}
	s.logger.WithFields(fields).Debug(err.Error())
}

// settingFor falls back to the defaults for stores that never saved settings.
func (s *Service) settingFor(ctx context.Context, storeID string) (models.WaitingSetting, error) {
	setting, err := s.store.GetSetting(ctx, storeID)
	if errors.Is(err, store.ErrSettingNotFound) {
		return models.DefaultSetting(storeID), nil
	}
	if err != nil {
		return models.WaitingSetting{}, translate(err)
	}
	return setting.Normalized(), nil
}

func (s *Service) viewOf(ctx context.Context, entry models.WaitingEntry) (EntryView, error) {
	waitingType, err := s.store.GetWaitingType(ctx, entry.StoreID, entry.WaitingTypeID)
	if err != nil && !errors.Is(err, store.ErrWaitingTypeNotFound) {
		return EntryView{}, translate(err)
	}
	if !entry.Status.Active() {
		return newEntryView(entry, waitingType.Name, nil), nil
	}
	placement, err := s.placementOf(ctx, entry, waitingType)
	if err != nil {
		return EntryView{}, err
	}
	return newEntryView(entry, waitingType.Name, &placement), nil
}

func (s *Service) placementFor(ctx context.Context, entry models.WaitingEntry) (Placement, error) {
	waitingType, err := s.store.GetWaitingType(ctx, entry.StoreID, entry.WaitingTypeID)
	if err != nil && !errors.Is(err, store.ErrWaitingTypeNotFound) {
		return Placement{}, translate(err)
	}
	return s.placementOf(ctx, entry, waitingType)
}

func (s *Service) placementOf(ctx context.Context, entry models.WaitingEntry, waitingType models.WaitingType) (Placement, error) {
	active, err := s.store.ListActive(ctx, entry.StoreID, entry.WaitingTypeID)
	if err != nil {
		return Placement{}, translate(err)
	}
	placements := Positions(active, map[string]int{entry.WaitingTypeID: waitingType.AvgWaitTimePerTeam})
	return placements[entry.ID], nil
}
