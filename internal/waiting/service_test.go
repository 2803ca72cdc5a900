package waiting

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waitq/waiting-service/internal/models"
	"waitq/waiting-service/internal/store"
	"waitq/waiting-service/internal/store/memory"
)

const (
	testStore = "store-1"
	tableType = "type-table"
	barType   = "type-bar"
)

var (
	kst      = time.FixedZone("KST", 9*60*60)
	testBase = time.Date(2026, 4, 10, 3, 0, 0, 0, time.UTC)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   *memory.Store
	clock   *testClock
	service *Service
	logs    *test.Hook
}

func newFixture(t *testing.T, configure func(*models.WaitingSetting)) *fixture {
	t.Helper()
	st := memory.NewStore()
	st.PutWaitingType(models.WaitingType{
		ID: tableType, StoreID: testStore, Name: "Table-for-2",
		AvgWaitTimePerTeam: 5, MinPartySize: 1, MaxPartySize: 4, IsActive: true, SortOrder: 1,
	})
	st.PutWaitingType(models.WaitingType{
		ID: barType, StoreID: testStore, Name: "Bar",
		AvgWaitTimePerTeam: 3, MinPartySize: 1, MaxPartySize: 2, IsActive: true, SortOrder: 2,
	})
	setting := models.DefaultSetting(testStore)
	if configure != nil {
		configure(&setting)
	}
	st.PutSetting(setting)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	clock := &testClock{now: testBase}
	svc := NewService(st, Options{
		Location:        kst,
		Now:             clock.Now,
		RestoreWindow:   30 * time.Minute,
		OperationStatus: st,
		Customers:       st,
		Logger:          logger,
	})
	return &fixture{store: st, clock: clock, service: svc, logs: hook}
}

func (f *fixture) register(t *testing.T, name, phone string) Registration {
	t.Helper()
	reg, err := f.service.Register(context.Background(), RegisterInput{
		StoreID:       testStore,
		WaitingTypeID: tableType,
		PartySize:     2,
		Name:          name,
		Phone:         phone,
		Source:        models.SourceManual,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	return reg
}

func (f *fixture) get(t *testing.T, id string) EntryView {
	t.Helper()
	view, err := f.service.Get(context.Background(), testStore, id)
	require.NoError(t, err)
	return view
}

func requireKind(t *testing.T, err error, kind Kind, code string) {
	t.Helper()
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok, "expected *waiting.Error, got %T", err)
	assert.Equal(t, kind, e.Kind)
	assert.Equal(t, code, e.Code)
}

func TestQueueScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	a := f.register(t, "A", "")
	b := f.register(t, "B", "")
	c := f.register(t, "C", "")

	assert.Equal(t, []int{1, 2, 3}, []int{a.Position, b.Position, c.Position})
	assert.Equal(t, []int{5, 10, 15}, []int{a.EstimatedMinutes, b.EstimatedMinutes, c.EstimatedMinutes})
	assert.Equal(t, []int{1, 2, 3}, []int{a.Entry.WaitingNumber, b.Entry.WaitingNumber, c.Entry.WaitingNumber})
	assert.Equal(t, "2026-04-10", a.Entry.BusinessDate)

	_, err := f.service.Call(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)

	viewA := f.get(t, a.Entry.ID)
	assert.Equal(t, models.StatusCalled, viewA.Status)
	assert.Equal(t, 1, *viewA.Position)
	assert.Equal(t, 0, *viewA.WaitingPosition)
	assert.Equal(t, 1, *f.get(t, b.Entry.ID).WaitingPosition)
	assert.Equal(t, 2, *f.get(t, c.Entry.ID).WaitingPosition)

	cancelled, err := f.service.Cancel(ctx, testStore, b.Entry.ID, models.CancelStoreReason)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Nil(t, f.get(t, b.Entry.ID).Position)

	viewC := f.get(t, c.Entry.ID)
	assert.Equal(t, 1, *viewC.WaitingPosition)
	assert.Equal(t, 2, *viewC.Position)

	f.clock.Advance(7 * time.Minute)
	seated, err := f.service.Seat(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSeated, seated.Entry.Status)
	assert.Nil(t, seated.Entry.CallExpireAt)

	stats, err := f.service.DailyStats(ctx, testStore, "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRegistered)
	assert.Equal(t, 1, stats.TotalSeated)
	assert.Equal(t, 1, stats.TotalCancelled)
	assert.Equal(t, 1, stats.TotalWaiting)
	wait := seated.Entry.SeatedAt.Sub(a.Entry.CreatedAt)
	assert.InDelta(t, wait.Seconds(), stats.AvgWaitSeconds, 0.001)
	assert.Equal(t, 10, stats.AvgWaitMinutes)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.store.PutWaitingType(models.WaitingType{ID: "closed", StoreID: testStore, Name: "Closed", MinPartySize: 1, MaxPartySize: 4})

	cases := []struct {
		name  string
		input RegisterInput
		kind  Kind
		code  string
	}{
		{"bad source", RegisterInput{StoreID: testStore, WaitingTypeID: tableType, PartySize: 2, Name: "x", Source: "KIOSK"}, KindValidation, CodeValidation},
		{"no identity", RegisterInput{StoreID: testStore, WaitingTypeID: tableType, PartySize: 2, Source: models.SourceManual}, KindValidation, CodeValidation},
		{"short phone", RegisterInput{StoreID: testStore, WaitingTypeID: tableType, PartySize: 2, Phone: "010-12", Source: models.SourceManual}, KindValidation, CodeValidation},
		{"unknown type", RegisterInput{StoreID: testStore, WaitingTypeID: "nope", PartySize: 2, Name: "x", Source: models.SourceManual}, KindNotFound, CodeNotFound},
		{"inactive type", RegisterInput{StoreID: testStore, WaitingTypeID: "closed", PartySize: 2, Name: "x", Source: models.SourceManual}, KindValidation, CodeTypeInactive},
		{"party too large", RegisterInput{StoreID: testStore, WaitingTypeID: tableType, PartySize: 5, Name: "x", Source: models.SourceManual}, KindValidation, CodeValidation},
		{"party too small", RegisterInput{StoreID: testStore, WaitingTypeID: tableType, PartySize: 0, Name: "x", Source: models.SourceManual}, KindValidation, CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Register(ctx, tc.input)
			requireKind(t, err, tc.kind, tc.code)
		})
	}
}

func TestRegisterWithoutSettings(t *testing.T) {
	st := memory.NewStore()
	st.PutWaitingType(models.WaitingType{ID: tableType, StoreID: "other", Name: "T", MinPartySize: 1, MaxPartySize: 4, IsActive: true})
	svc := NewService(st, Options{Now: func() time.Time { return testBase }})

	_, err := svc.Register(context.Background(), RegisterInput{StoreID: "other", WaitingTypeID: tableType, PartySize: 2, Name: "x", Source: models.SourceManual})
	requireKind(t, err, KindNotFound, CodeNotFound)
}

func TestRegisterCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s *models.WaitingSetting) { s.MaxWaitingCount = 3 })

	f.register(t, "A", "")
	f.register(t, "B", "")
	third := f.register(t, "C", "")
	assert.Equal(t, 3, third.Position)

	_, err := f.service.Register(ctx, RegisterInput{StoreID: testStore, WaitingTypeID: tableType, PartySize: 2, Name: "D", Source: models.SourceManual})
	requireKind(t, err, KindCapacity, CodeCapacityExceeded)

	_, err = f.service.Cancel(ctx, testStore, third.Entry.ID, models.CancelCustomerRequest)
	require.NoError(t, err)
	again, err := f.service.Register(ctx, RegisterInput{StoreID: testStore, WaitingTypeID: tableType, PartySize: 2, Name: "D", Source: models.SourceManual})
	require.NoError(t, err)
	assert.Equal(t, 3, again.Position)
	assert.Equal(t, 4, again.Entry.WaitingNumber)
}

func TestRegisterRejectsDuplicatePhone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	first := f.register(t, "", "010-1234-5678")
	assert.Equal(t, "01012345678", first.Entry.Phone)

	_, err := f.service.Register(ctx, RegisterInput{StoreID: testStore, WaitingTypeID: barType, PartySize: 1, Phone: "01012345678", Source: models.SourceManual})
	requireKind(t, err, KindValidation, CodeValidation)
}

func TestTabletRegistrationNeedsAcceptingStore(t *testing.T) {
	ctx := context.Background()
	input := RegisterInput{StoreID: testStore, WaitingTypeID: tableType, PartySize: 2, Name: "kiosk", Source: models.SourceTablet}

	paused := newFixture(t, func(s *models.WaitingSetting) {
		s.OperationStatus = models.OperationPaused
		s.PauseMessage = "back at 5pm"
	})
	_, err := paused.service.Register(ctx, input)
	requireKind(t, err, KindUnavailable, CodeNotAccepting)
	assert.Contains(t, err.Error(), "back at 5pm")

	manual := input
	manual.Source = models.SourceManual
	_, err = paused.service.Register(ctx, manual)
	assert.NoError(t, err)

	open := newFixture(t, nil)
	reg, err := open.service.Register(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, models.SourceTablet, reg.Entry.Source)
}

func TestCallAndRecall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s *models.WaitingSetting) {
		s.CallTimeoutMinutes = 5
		s.MaxCallCount = 2
	})
	a := f.register(t, "A", "")

	_, err := f.service.Recall(ctx, testStore, a.Entry.ID)
	requireKind(t, err, KindStateConflict, CodeStateConflict)

	now := f.clock.Now()
	called, err := f.service.Call(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, called.Status)
	assert.Equal(t, 1, called.CalledCount)
	assert.True(t, called.CalledAt.Equal(now))
	assert.True(t, called.CallExpireAt.Equal(now.Add(5*time.Minute)))

	_, err = f.service.Call(ctx, testStore, a.Entry.ID)
	requireKind(t, err, KindStateConflict, CodeStateConflict)

	f.clock.Advance(2 * time.Minute)
	recalled, err := f.service.Recall(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, recalled.CalledCount)
	assert.True(t, recalled.CallExpireAt.Equal(f.clock.Now().Add(5*time.Minute)))
	assert.True(t, recalled.CalledAt.Equal(now))

	_, err = f.service.Recall(ctx, testStore, a.Entry.ID)
	requireKind(t, err, KindStateConflict, CodeStateConflict)
	assert.Contains(t, err.Error(), "maximum call count")

	_, err = f.service.Seat(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)
	_, err = f.service.Call(ctx, testStore, a.Entry.ID)
	requireKind(t, err, KindStateConflict, CodeStateConflict)
}

func TestConcurrentRecallsKeepEveryIncrement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s *models.WaitingSetting) { s.MaxCallCount = 5 })
	a := f.register(t, "A", "")
	_, err := f.service.Call(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)

	const workers = 3
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Recall(ctx, testStore, a.Entry.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1+workers, f.get(t, a.Entry.ID).CalledCount)
}

func TestConcurrentSeatAndCancel(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		f := newFixture(t, nil)
		a := f.register(t, "A", "")

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.service.Seat(ctx, testStore, a.Entry.ID)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.service.Cancel(ctx, testStore, a.Entry.ID, models.CancelStoreReason)
			errs <- err
		}()
		wg.Wait()
		close(errs)

		var ok, conflicts int
		for err := range errs {
			if err == nil {
				ok++
				continue
			}
			requireKind(t, err, KindStateConflict, CodeStateConflict)
			conflicts++
		}
		require.Equal(t, 1, ok)
		require.Equal(t, 1, conflicts)

		final := f.get(t, a.Entry.ID)
		if final.Status == models.StatusSeated {
			assert.Empty(t, final.CancelReason)
			assert.Nil(t, final.CancelledAt)
		} else {
			assert.Equal(t, models.StatusCancelled, final.Status)
			assert.Nil(t, final.SeatedAt)
		}

		events, err := f.service.History(ctx, testStore, a.Entry.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.NoError(t, store.VerifyEntryChain(events))
	}
}

func TestSeatLinksCustomer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.store.PutCustomer(testStore, "01099998888", "cust-7")
	withPhone := f.register(t, "", "01099998888")
	anonymous := f.register(t, "walk-in", "")

	result, err := f.service.Seat(ctx, testStore, withPhone.Entry.ID)
	require.NoError(t, err)
	require.NotNil(t, result.CustomerID)
	assert.Equal(t, "cust-7", *result.CustomerID)

	result, err = f.service.Seat(ctx, testStore, anonymous.Entry.ID)
	require.NoError(t, err)
	assert.Nil(t, result.CustomerID)
}

func TestCancelReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "A", "")
	b := f.register(t, "B", "")

	_, err := f.service.Cancel(ctx, testStore, a.Entry.ID, models.CancelAutoCancelled)
	requireKind(t, err, KindValidation, CodeInvalidReason)
	_, err = f.service.Cancel(ctx, testStore, a.Entry.ID, "BORED")
	requireKind(t, err, KindValidation, CodeInvalidReason)

	noShow, err := f.service.Cancel(ctx, testStore, a.Entry.ID, models.CancelNoShow)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, noShow.Status)
	assert.Equal(t, models.CancelNoShow, noShow.CancelReason)

	_, err = f.service.Call(ctx, testStore, b.Entry.ID)
	require.NoError(t, err)
	cancelled, err := f.service.Cancel(ctx, testStore, b.Entry.ID, models.CancelOutOfStock)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.CallExpireAt)

	_, err = f.service.Cancel(ctx, testStore, b.Entry.ID, models.CancelOutOfStock)
	requireKind(t, err, KindStateConflict, CodeStateConflict)
	_, err = f.service.Cancel(ctx, testStore, "missing", models.CancelOutOfStock)
	requireKind(t, err, KindNotFound, CodeNotFound)
}

func TestDeferMovesBehindWaitingPeers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "A", "")
	b := f.register(t, "B", "")
	c := f.register(t, "C", "")
	d := f.register(t, "D", "")
	_, err := f.service.Call(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)

	result, err := f.service.Defer(ctx, testStore, b.Entry.ID)
	require.NoError(t, err)
	assert.True(t, result.Entry.Deferred)
	assert.Equal(t, 4, result.NewPosition)
	assert.Equal(t, 3, result.Placement.WaitingPosition)

	assert.Equal(t, 1, *f.get(t, a.Entry.ID).Position)
	assert.Equal(t, 2, *f.get(t, c.Entry.ID).Position)
	assert.Equal(t, 3, *f.get(t, d.Entry.ID).Position)

	_, err = f.service.Defer(ctx, testStore, a.Entry.ID)
	requireKind(t, err, KindStateConflict, CodeStateConflict)
}

func TestDeferWithFrozenClock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	var regs []Registration
	for _, name := range []string{"A", "B", "C"} {
		reg, err := f.service.Register(ctx, RegisterInput{StoreID: testStore, WaitingTypeID: tableType, PartySize: 2, Name: name, Source: models.SourceManual})
		require.NoError(t, err)
		regs = append(regs, reg)
	}

	result, err := f.service.Defer(ctx, testStore, regs[0].Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, result.NewPosition)
	assert.Equal(t, 1, *f.get(t, regs[1].Entry.ID).Position)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "A", "")
	b := f.register(t, "B", "")
	_, err := f.service.Call(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)
	_, err = f.service.Cancel(ctx, testStore, a.Entry.ID, models.CancelCustomerRequest)
	require.NoError(t, err)

	_, err = f.service.Restore(ctx, testStore, b.Entry.ID)
	requireKind(t, err, KindStateConflict, CodeStateConflict)

	f.clock.Advance(5 * time.Minute)
	restored, err := f.service.Restore(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, restored.Status)
	assert.Empty(t, restored.CancelReason)
	assert.Nil(t, restored.CancelledAt)
	assert.Nil(t, restored.CallExpireAt)
	assert.Zero(t, restored.CalledCount)
	assert.Equal(t, 2, *restored.Position)
	assert.Equal(t, 1, *f.get(t, b.Entry.ID).Position)
	assert.Equal(t, a.Entry.WaitingNumber, restored.WaitingNumber)

	events, err := f.service.History(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	assert.Equal(t, []string{store.ActionRegister, store.ActionCall, store.ActionCancel, store.ActionRestore}, types)
}

func TestRestoreWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "A", "")
	_, err := f.service.Cancel(ctx, testStore, a.Entry.ID, models.CancelStoreReason)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	_, err = f.service.Restore(ctx, testStore, a.Entry.ID)
	requireKind(t, err, KindStateConflict, CodeStateConflict)
}

func TestRestoreRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s *models.WaitingSetting) { s.MaxWaitingCount = 2 })
	a := f.register(t, "A", "")
	_, err := f.service.Cancel(ctx, testStore, a.Entry.ID, models.CancelCustomerRequest)
	require.NoError(t, err)
	f.register(t, "B", "")
	f.register(t, "C", "")

	_, err = f.service.Restore(ctx, testStore, a.Entry.ID)
	requireKind(t, err, KindCapacity, CodeCapacityExceeded)
	assert.Equal(t, models.StatusCancelled, f.get(t, a.Entry.ID).Status)

	active, err := f.store.ListActive(ctx, testStore, "")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestRestoreRejectsSecondActivePhone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	first := f.register(t, "", "010-1234-5678")
	_, err := f.service.Cancel(ctx, testStore, first.Entry.ID, models.CancelCustomerRequest)
	require.NoError(t, err)
	second := f.register(t, "", "010-1234-5678")

	_, err = f.service.Restore(ctx, testStore, first.Entry.ID)
	requireKind(t, err, KindValidation, CodeValidation)

	status, err := f.service.StatusByPhone(ctx, testStore, "01012345678")
	require.NoError(t, err)
	require.True(t, status.Found)
	assert.Equal(t, second.Entry.ID, status.Waiting.ID)

	_, err = f.service.Cancel(ctx, testStore, second.Entry.ID, models.CancelCustomerRequest)
	require.NoError(t, err)
	restored, err := f.service.Restore(ctx, testStore, first.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, restored.Status)
}

func TestAutoCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "A", "")
	called, err := f.service.Call(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)

	done, err := f.service.AutoCancel(ctx, called)
	require.NoError(t, err)
	assert.False(t, done)

	f.clock.Advance(4 * time.Minute)
	done, err = f.service.AutoCancel(ctx, called)
	require.NoError(t, err)
	assert.True(t, done)

	view := f.get(t, a.Entry.ID)
	assert.Equal(t, models.StatusCancelled, view.Status)
	assert.Equal(t, models.CancelAutoCancelled, view.CancelReason)

	done, err = f.service.AutoCancel(ctx, called)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestUpdateMemo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "A", "")
	_, err := f.service.Seat(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)

	updated, err := f.service.UpdateMemo(ctx, testStore, a.Entry.ID, "  high chair  ")
	require.NoError(t, err)
	assert.Equal(t, "high chair", updated.Memo)
	assert.Equal(t, models.StatusSeated, updated.Status)

	korean := strings.Repeat("창가", 100)
	updated, err = f.service.UpdateMemo(ctx, testStore, a.Entry.ID, korean)
	require.NoError(t, err)
	assert.Equal(t, korean, updated.Memo)

	_, err = f.service.UpdateMemo(ctx, testStore, a.Entry.ID, strings.Repeat("가", 501))
	requireKind(t, err, KindValidation, CodeValidation)

	_, err = f.service.UpdateMemo(ctx, testStore, "missing", "x")
	requireKind(t, err, KindNotFound, CodeNotFound)
}

func TestStatusAndCancelByPhone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s *models.WaitingSetting) { s.ShowEstimatedTime = false })
	f.register(t, "A", "")
	reg, err := f.service.Register(ctx, RegisterInput{
		StoreID: testStore, WaitingTypeID: tableType, PartySize: 2,
		Phone: "01055556666", Memo: "regular", Source: models.SourceManual,
	})
	require.NoError(t, err)

	status, err := f.service.StatusByPhone(ctx, testStore, "010-5555-6666")
	require.NoError(t, err)
	require.True(t, status.Found)
	assert.Equal(t, reg.Entry.ID, status.Waiting.ID)
	assert.Equal(t, 2, *status.Waiting.Position)
	assert.Nil(t, status.Waiting.EstimatedMinutes)
	assert.Empty(t, status.Waiting.Memo)
	assert.Equal(t, "Table-for-2", status.Waiting.WaitingTypeName)

	missing, err := f.service.StatusByPhone(ctx, testStore, "01000000000")
	require.NoError(t, err)
	assert.False(t, missing.Found)

	cancelled, err := f.service.CancelByPhone(ctx, testStore, "01055556666")
	require.NoError(t, err)
	assert.Equal(t, models.CancelCustomerRequest, cancelled.CancelReason)

	_, err = f.service.CancelByPhone(ctx, testStore, "01055556666")
	requireKind(t, err, KindNotFound, CodeNotFound)

	status, err = f.service.StatusByPhone(ctx, testStore, "01055556666")
	require.NoError(t, err)
	require.True(t, status.Found)
	assert.Equal(t, models.StatusCancelled, status.Waiting.Status)
	assert.Nil(t, status.Waiting.Position)

	_, err = f.service.StatusByPhone(ctx, testStore, "123")
	requireKind(t, err, KindValidation, CodeValidation)
}

func TestListPagesWithQueuePositions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	var ids []string
	for _, name := range []string{"A", "B", "C", "D"} {
		ids = append(ids, f.register(t, name, "").Entry.ID)
	}
	_, err := f.service.Call(ctx, testStore, ids[3])
	require.NoError(t, err)
	_, err = f.service.Seat(ctx, testStore, ids[0])
	require.NoError(t, err)

	page, err := f.service.List(ctx, ListQuery{StoreID: testStore, Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[2], page.Items[0].ID)
	assert.Equal(t, 3, *page.Items[0].Position)
	assert.Equal(t, ids[0], page.Items[1].ID)
	assert.Nil(t, page.Items[1].Position)

	statuses, err := ParseStatuses("waiting, called")
	require.NoError(t, err)
	page, err = f.service.List(ctx, ListQuery{StoreID: testStore, Statuses: statuses, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, page.Limit)
	require.Len(t, page.Items, 3)
	assert.Equal(t, ids[3], page.Items[0].ID)
	assert.Equal(t, "Table-for-2", page.Items[0].WaitingTypeName)

	_, err = ParseStatuses("WAITING,LOST")
	requireKind(t, err, KindValidation, CodeValidation)
}

func TestGuardFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "A", "")
	flaky := &flakyStore{Store: f.store, failures: 1}
	svc := NewService(flaky, Options{Location: kst, Now: f.clock.Now, Logger: f.service.logger})

	_, err := svc.Call(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, flaky.failures)

	var retried bool
	for _, entry := range f.logs.AllEntries() {
		if entry.Message == "entry changed concurrently; re-reading" {
			retried = true
		}
	}
	assert.True(t, retried)
}

func TestHistoryReportsBrokenChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "A", "")
	_, err := f.service.Call(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)
	f.logs.Reset()

	events, err := f.service.History(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Empty(t, f.logs.AllEntries())

	tampered := &tamperedStore{Store: f.store}
	svc := NewService(tampered, Options{Location: kst, Now: f.clock.Now, Logger: f.service.logger})
	events, err = svc.History(ctx, testStore, a.Entry.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, f.logs.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, f.logs.LastEntry().Level)
	assert.Equal(t, "entry history failed verification", f.logs.LastEntry().Message)
}

// tamperedStore rewrites the first audit event after it was chained.
type tamperedStore struct {
	*memory.Store
}

func (s *tamperedStore) ListEntryEvents(ctx context.Context, storeID, entryID string) ([]store.EntryEvent, error) {
	events, err := s.Store.ListEntryEvents(ctx, storeID, entryID)
	if err != nil || len(events) == 0 {
		return events, err
	}
	out := append([]store.EntryEvent(nil), events...)
	out[0].Type = "seat"
	return out, nil
}

// flakyStore fails the first transitions with a guard failure, as if another request
// had won the write.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) ApplyTransition(ctx context.Context, input store.TransitionInput) (models.WaitingEntry, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return models.WaitingEntry{}, store.ErrGuardFailed
	}
	s.mu.Unlock()
	return s.Store.ApplyTransition(ctx, input)
}
