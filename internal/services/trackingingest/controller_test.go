package trackingingest

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/BearBump/CarrierSync/internal/alerting"
	"github.com/BearBump/CarrierSync/internal/broker/messages"
	"github.com/BearBump/CarrierSync/internal/dispatch"
	"github.com/BearBump/CarrierSync/internal/integrations/provider"
	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/parser"
	"github.com/BearBump/CarrierSync/internal/retry"
	"github.com/BearBump/CarrierSync/internal/services/errorsink"
	"github.com/BearBump/CarrierSync/internal/services/reconcile"
	"github.com/BearBump/CarrierSync/internal/storage"
)

const (
	okBody = `{"trackResponse":{"shipment":[{"inquiryNumber":"1ZOK",
  "alternateTrackingNumber":[{"number":"9274890","type":"MAIL_INNOVATIONS"}],
  "package":[{"trackingNumber":"1ZOK","activity":[
    {"location":{"address":{"city":"Austin"}},"status":{"type":"D","description":"DELIVERED","code":"FS"},"date":"20240104","time":"143000"},
    {"location":{"address":{"countryCode":"US"}},"status":{"type":"M","description":"Label","code":"MP"},"date":"20240101","time":"180000"}
  ]}]}]}}`
	softBody = `{"trackResponse":{"shipment":[{"inquiryNumber":"1ZOK","warnings":[{"code":"TW0001","message":"Not Found"}]}]}}`
	hardBody = `{"response":{"errors":[{"code":"151044","message":"Invalid tracking number"}]}}`
)

type clientMock struct {
	mock.Mock
}

func (m *clientMock) FetchTracking(ctx context.Context, carrierCode, number string) ([]byte, error) {
	args := m.Called(ctx, carrierCode, number)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

type storeMock struct {
	mock.Mock
}

func (m *storeMock) StoreTrackingResult(ctx context.Context, parsed parser.TrackingResult, carrier models.Carrier, tn models.TrackingNumber, opts ...reconcile.TrackingOption) (reconcile.TrackingOutcome, error) {
	args := m.Called(ctx, parsed, carrier, tn)
	return args.Get(0).(reconcile.TrackingOutcome), args.Error(1)
}

type repoMock struct {
	mock.Mock
}

func (m *repoMock) CreateOrGetTrackingNumber(ctx context.Context, in models.TrackingNumberCreateInput) (*models.TrackingNumber, error) {
	args := m.Called(ctx, in)
	tn, _ := args.Get(0).(*models.TrackingNumber)
	return tn, args.Error(1)
}

func (m *repoMock) LinkTrackingNumberTeam(ctx context.Context, trackingNumberID, teamID uint64) error {
	return m.Called(ctx, trackingNumberID, teamID).Error(0)
}

func (m *repoMock) ListTrackingNumberTeams(ctx context.Context, trackingNumberID uint64) ([]uint64, error) {
	args := m.Called(ctx, trackingNumberID)
	ids, _ := args.Get(0).([]uint64)
	return ids, args.Error(1)
}

func (m *repoMock) UpdateTrackingNumberStatus(ctx context.Context, upd storage.TrackingStatusUpdate) error {
	return m.Called(ctx, upd).Error(0)
}

type submitterMock struct {
	mock.Mock
}

func (m *submitterMock) Submit(ctx context.Context, u dispatch.Unit) (dispatch.Handle, error) {
	args := m.Called(ctx, u)
	return dispatch.Handle{Kind: u.Kind, Key: u.Key}, args.Error(0)
}

type alerterMock struct {
	mock.Mock
}

func (m *alerterMock) Alert(ctx context.Context, a alerting.Alert) error {
	return m.Called(ctx, a).Error(0)
}

type recorderMock struct {
	mock.Mock
}

func (m *recorderMock) Record(ctx context.Context, e errorsink.Entry) error {
	return m.Called(ctx, e).Error(0)
}

type fixedSchedule struct{}

func (fixedSchedule) NextCheckDelay(state string) time.Duration {
	switch state {
	case models.CheckStateTerminal:
		return 365 * 24 * time.Hour
	case models.CheckStateInTransit:
		return time.Hour
	default:
		return 90 * time.Minute
	}
}

func (fixedSchedule) BackoffDelay(n int32) time.Duration {
	return time.Duration(n) * 5 * time.Minute
}

type ControllerSuite struct {
	suite.Suite

	client  *clientMock
	store   *storeMock
	repo    *repoMock
	units   *submitterMock
	alerts  *alerterMock
	errs    *recorderMock
	ctrl    *Controller
	now     time.Time
	carrier models.Carrier
	tn      models.TrackingNumber
}

func (s *ControllerSuite) SetupTest() {
	s.client = &clientMock{}
	s.store = &storeMock{}
	s.repo = &repoMock{}
	s.units = &submitterMock{}
	s.alerts = &alerterMock{}
	s.errs = &recorderMock{}
	s.ctrl = New(Deps{
		Client:    s.client,
		Store:     s.store,
		Repo:      s.repo,
		Units:     s.units,
		Alerts:    s.alerts,
		Errors:    s.errs,
		Scheduler: fixedSchedule{},
		Retry:     retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	s.now = time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)
	s.ctrl.now = func() time.Time { return s.now }
	s.carrier = models.Carrier{ID: 1, Code: "UPS", TerminalPhrases: []string{"delivered"}, SoftErrorCodes: []string{"TW0001"}}
	s.tn = models.TrackingNumber{ID: 100, CarrierCode: "UPS", Number: "1ZOK", CheckFailCount: 1}
}

func (s *ControllerSuite) TestProcess_OKCascadesPerTeam() {
	s.client.On("FetchTracking", mock.Anything, "UPS", "1ZOK").Return([]byte(okBody), nil).Once()
	s.store.On("StoreTrackingResult", mock.Anything, mock.MatchedBy(func(p parser.TrackingResult) bool {
		return len(p.Events()) == 2 && p.CarrierCode == "UPS"
	}), s.carrier, s.tn).Return(reconcile.TrackingOutcome{
		Events: 2, QueueStatus: models.QueueStatusTerminal, AlternateTrackingNumber: "9274890",
	}, nil).Once()
	s.repo.On("ListTrackingNumberTeams", mock.Anything, uint64(100)).Return([]uint64{7, 8}, nil).Once()
	s.units.On("Submit", mock.Anything, mock.MatchedBy(func(u dispatch.Unit) bool {
		m, ok := u.Payload.(messages.TrackingValidationUnit)
		return ok && m.TrackingNumber == "9274890" && m.ParentTrackingNumberID == 100
	})).Return(nil).Twice()

	out, err := s.ctrl.Process(context.Background(), s.carrier, s.tn)
	s.Require().NoError(err)
	s.Require().Equal(ResultOK, out.Kind)
	s.Require().Equal(2, out.Cascaded)
	s.units.AssertExpectations(s.T())
	s.alerts.AssertNotCalled(s.T(), "Alert", mock.Anything, mock.Anything)
}

func (s *ControllerSuite) TestProcess_AlternateOfAlternateDoesNotCascade() {
	parent := uint64(1)
	s.tn.ParentID = &parent
	s.client.On("FetchTracking", mock.Anything, "UPS", "1ZOK").Return([]byte(okBody), nil).Once()
	s.store.On("StoreTrackingResult", mock.Anything, mock.Anything, s.carrier, s.tn).
		Return(reconcile.TrackingOutcome{AlternateTrackingNumber: "9274890"}, nil).Once()

	out, err := s.ctrl.Process(context.Background(), s.carrier, s.tn)
	s.Require().NoError(err)
	s.Require().Zero(out.Cascaded)
	s.repo.AssertNotCalled(s.T(), "ListTrackingNumberTeams", mock.Anything, mock.Anything)
}

func (s *ControllerSuite) TestProcess_SoftErrorNoAlertNoWrites() {
	s.client.On("FetchTracking", mock.Anything, "UPS", "1ZOK").Return([]byte(softBody), nil).Once()
	s.repo.On("UpdateTrackingNumberStatus", mock.Anything, mock.MatchedBy(func(u storage.TrackingStatusUpdate) bool {
		return u.QueueStatus == models.QueueStatusNonTerminal && u.Error == nil &&
			u.NextCheckAt.Equal(s.now.Add(90*time.Minute))
	})).Return(nil).Once()

	out, err := s.ctrl.Process(context.Background(), s.carrier, s.tn)
	s.Require().NoError(err)
	s.Require().Equal(ResultSoftError, out.Kind)
	s.alerts.AssertNotCalled(s.T(), "Alert", mock.Anything, mock.Anything)
	s.store.AssertNotCalled(s.T(), "StoreTrackingResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	s.repo.AssertExpectations(s.T())
}

func (s *ControllerSuite) TestProcess_HardErrorOneAlert() {
	s.client.On("FetchTracking", mock.Anything, "UPS", "1ZOK").Return([]byte(hardBody), nil).Once()
	s.alerts.On("Alert", mock.Anything, mock.MatchedBy(func(a alerting.Alert) bool {
		return a.Site == alerting.SiteProviderError
	})).Return(nil).Once()
	s.repo.On("UpdateTrackingNumberStatus", mock.Anything, mock.MatchedBy(func(u storage.TrackingStatusUpdate) bool {
		return u.QueueStatus == models.QueueStatusNonTerminal && u.Error != nil &&
			u.NextCheckAt.Equal(s.now.Add(10*time.Minute))
	})).Return(nil).Once()

	out, err := s.ctrl.Process(context.Background(), s.carrier, s.tn)
	s.Require().NoError(err)
	s.Require().Equal(ResultHardError, out.Kind)
	s.alerts.AssertNumberOfCalls(s.T(), "Alert", 1)
	s.store.AssertNotCalled(s.T(), "StoreTrackingResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ControllerSuite) TestProcess_RetriesTemporaryFetchErrors() {
	s.client.On("FetchTracking", mock.Anything, "UPS", "1ZOK").Return(nil, &provider.StatusError{StatusCode: 503}).Twice()
	s.client.On("FetchTracking", mock.Anything, "UPS", "1ZOK").Return([]byte(softBody), nil).Once()
	s.repo.On("UpdateTrackingNumberStatus", mock.Anything, mock.Anything).Return(nil).Once()

	out, err := s.ctrl.Process(context.Background(), s.carrier, s.tn)
	s.Require().NoError(err)
	s.Require().Equal(ResultSoftError, out.Kind)
	s.client.AssertNumberOfCalls(s.T(), "FetchTracking", 3)
}

func (s *ControllerSuite) TestProcess_PermanentFetchErrorRecorded() {
	s.client.On("FetchTracking", mock.Anything, "UPS", "1ZOK").Return(nil, &provider.StatusError{StatusCode: 401}).Once()
	s.errs.On("Record", mock.Anything, mock.MatchedBy(func(e errorsink.Entry) bool {
		return e.Scope == errorsink.ScopeTracking && e.Kind == "fetch_error" && *e.TrackingNumberID == 100
	})).Return(nil).Once()
	s.repo.On("UpdateTrackingNumberStatus", mock.Anything, mock.MatchedBy(func(u storage.TrackingStatusUpdate) bool {
		return u.Error != nil && u.NextCheckAt.Equal(s.now.Add(10*time.Minute))
	})).Return(nil).Once()

	out, err := s.ctrl.Process(context.Background(), s.carrier, s.tn)
	s.Require().Error(err)
	s.Require().Equal(ResultFailed, out.Kind)
	s.client.AssertNumberOfCalls(s.T(), "FetchTracking", 1)
	s.errs.AssertExpectations(s.T())
}

func (s *ControllerSuite) TestProcess_ReconcileFailure() {
	s.client.On("FetchTracking", mock.Anything, "UPS", "1ZOK").Return([]byte(okBody), nil).Once()
	s.store.On("StoreTrackingResult", mock.Anything, mock.Anything, s.carrier, s.tn).
		Return(reconcile.TrackingOutcome{}, errors.New("deadlock")).Once()
	s.errs.On("Record", mock.Anything, mock.MatchedBy(func(e errorsink.Entry) bool {
		return e.Kind == "reconcile_error" && e.Site == alerting.SiteTrackingFailed
	})).Return(nil).Once()
	s.repo.On("UpdateTrackingNumberStatus", mock.Anything, mock.Anything).Return(nil).Once()

	_, err := s.ctrl.Process(context.Background(), s.carrier, s.tn)
	s.Require().ErrorContains(err, "deadlock")
	s.units.AssertNotCalled(s.T(), "Submit", mock.Anything, mock.Anything)
}

func (s *ControllerSuite) TestFetchLabelCreationTimeOnly() {
	s.client.On("FetchTracking", mock.Anything, "UPS", "1ZOK").Return([]byte(okBody), nil).Once()
	ts, err := s.ctrl.FetchLabelCreationTimeOnly(context.Background(), s.carrier, "1ZOK")
	s.Require().NoError(err)
	s.Require().Equal(time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC), *ts)

	s.client.On("FetchTracking", mock.Anything, "UPS", "1ZSOFT").Return([]byte(softBody), nil).Once()
	ts, err = s.ctrl.FetchLabelCreationTimeOnly(context.Background(), s.carrier, "1ZSOFT")
	s.Require().NoError(err)
	s.Require().Nil(ts)

	s.client.On("FetchTracking", mock.Anything, "UPS", "1ZBAD").Return([]byte(hardBody), nil).Once()
	s.alerts.On("Alert", mock.Anything, mock.Anything).Return(nil).Once()
	_, err = s.ctrl.FetchLabelCreationTimeOnly(context.Background(), s.carrier, "1ZBAD")
	s.Require().ErrorIs(err, ErrProviderError)

	s.repo.AssertNotCalled(s.T(), "UpdateTrackingNumberStatus", mock.Anything, mock.Anything)
	s.store.AssertNotCalled(s.T(), "StoreTrackingResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ControllerSuite) TestValidateAlternate() {
	parent := uint64(100)
	alt := &models.TrackingNumber{ID: 200, CarrierCode: "UPS", Number: "9274890", ParentID: &parent}
	s.repo.On("CreateOrGetTrackingNumber", mock.Anything, models.TrackingNumberCreateInput{
		CarrierID: 1, CarrierCode: "UPS", Number: "9274890", ParentID: &parent,
	}).Return(alt, nil).Once()
	s.repo.On("LinkTrackingNumberTeam", mock.Anything, uint64(200), uint64(7)).Return(nil).Once()
	s.client.On("FetchTracking", mock.Anything, "UPS", "9274890").Return([]byte(softBody), nil).Once()
	s.repo.On("UpdateTrackingNumberStatus", mock.Anything, mock.MatchedBy(func(u storage.TrackingStatusUpdate) bool {
		return u.TrackingNumberID == 200
	})).Return(nil).Once()

	out, err := s.ctrl.ValidateAlternate(context.Background(), s.carrier, messages.TrackingValidationUnit{
		CarrierCode: "UPS", TrackingNumber: " 9274890 ", TeamID: 7, ParentTrackingNumberID: 100,
	})
	s.Require().NoError(err)
	s.Require().Equal(ResultSoftError, out.Kind)
	s.repo.AssertExpectations(s.T())
}

func (s *ControllerSuite) TestValidateAlternate_TerminalSkipped() {
	done := &models.TrackingNumber{ID: 201, Number: "9274891", QueueStatus: models.QueueStatusTerminal}
	s.repo.On("CreateOrGetTrackingNumber", mock.Anything, mock.Anything).Return(done, nil).Once()

	out, err := s.ctrl.ValidateAlternate(context.Background(), s.carrier, messages.TrackingValidationUnit{TrackingNumber: "9274891"})
	s.Require().NoError(err)
	s.Require().True(out.Skipped)
	s.client.AssertNotCalled(s.T(), "FetchTracking", mock.Anything, mock.Anything, mock.Anything)
}

func (s *ControllerSuite) TestClassify_MixedCodesAreHard() {
	res := classify(s.carrier, parser.TrackingResult{Errors: []parser.ProviderError{{Code: "TW0001"}, {Code: "X"}}})
	s.Require().Equal(ResultHardError, res.Kind)
	s.Require().Equal(ResultOK, classify(s.carrier, parser.TrackingResult{}).Kind)
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}
