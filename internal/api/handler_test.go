// internal/api/handler_test.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Smeet23/WorkLedger-sub001/internal/apperr"
	"github.com/Smeet23/WorkLedger-sub001/internal/model"
)

const testToken = "actor-token"

type MockSyncRunner struct {
	mock.Mock
}

func (m *MockSyncRunner) RunSync(ctx context.Context, companyID uuid.UUID, mode model.SyncMode) (*model.SyncReport, error) {
	args := m.Called(ctx, companyID, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncReport), args.Error(1)
}

type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) Ingest(ctx context.Context, rawBody []byte, signature, eventType, deliveryID string) error {
	args := m.Called(ctx, rawBody, signature, eventType, deliveryID)
	return args.Error(0)
}

type MockIdentityAdmin struct {
	mock.Mock
}

func (m *MockIdentityAdmin) ManualLink(ctx context.Context, memberID, employeeID uuid.UUID) error {
	args := m.Called(ctx, memberID, employeeID)
	return args.Error(0)
}
func (m *MockIdentityAdmin) ManualUnlink(ctx context.Context, memberID uuid.UUID) error {
	args := m.Called(ctx, memberID)
	return args.Error(0)
}

type MockMemberLister struct {
	mock.Mock
}

func (m *MockMemberLister) ListOrganizationMembers(ctx context.Context, companyID uuid.UUID, resolved bool) ([]model.OrganizationMember, error) {
	args := m.Called(ctx, companyID, resolved)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.OrganizationMember), args.Error(1)
}

type testDeps struct {
	syncer    *MockSyncRunner
	processor *MockIngester
	identity  *MockIdentityAdmin
	members   *MockMemberLister
}

func setupRouter(t *testing.T) (http.Handler, *testDeps) {
	t.Helper()
	deps := &testDeps{
		syncer:    new(MockSyncRunner),
		processor: new(MockIngester),
		identity:  new(MockIdentityAdmin),
		members:   new(MockMemberLister),
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	router := NewRouter(deps.syncer, deps.processor, deps.identity, deps.members, testToken, logger)
	return router, deps
}

func doRequest(router http.Handler, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doRequest(router, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestRequireActor(t *testing.T) {
	companyID := uuid.New()
	path := "/v1/companies/" + companyID.String() + "/sync/quick"

	t.Run("rejects a missing token", func(t *testing.T) {
		router, deps := setupRouter(t)

		rec := doRequest(router, http.MethodPost, path, "", nil)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		deps.syncer.AssertNotCalled(t, "RunSync")
	})

	t.Run("rejects a wrong token", func(t *testing.T) {
		router, deps := setupRouter(t)

		rec := doRequest(router, http.MethodPost, path, "not-the-token", nil)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		deps.syncer.AssertNotCalled(t, "RunSync")
	})
}

func TestRunSync(t *testing.T) {
	companyID := uuid.New()

	t.Run("quick sync returns the report envelope", func(t *testing.T) {
		router, deps := setupRouter(t)
		deps.syncer.On("RunSync", mock.Anything, companyID, model.SyncQuick).
			Return(&model.SyncReport{Mode: model.SyncQuick, Repositories: 4, Commits: 120}, nil).Once()

		rec := doRequest(router, http.MethodPost, "/v1/companies/"+companyID.String()+"/sync/quick", testToken, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		var envelope syncEnvelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
		assert.True(t, envelope.Success)
		require.NotNil(t, envelope.Report)
		assert.Equal(t, 4, envelope.Report.Repositories)
		deps.syncer.AssertExpectations(t)
	})

	t.Run("full sync passes the mode through", func(t *testing.T) {
		router, deps := setupRouter(t)
		deps.syncer.On("RunSync", mock.Anything, companyID, model.SyncFull).
			Return(&model.SyncReport{}, nil).Once()

		rec := doRequest(router, http.MethodPost, "/v1/companies/"+companyID.String()+"/sync/full", testToken, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		deps.syncer.AssertExpectations(t)
	})

	t.Run("invalid company id is a bad request", func(t *testing.T) {
		router, deps := setupRouter(t)

		rec := doRequest(router, http.MethodPost, "/v1/companies/not-a-uuid/sync/quick", testToken, nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		deps.syncer.AssertNotCalled(t, "RunSync")
	})

	t.Run("error statuses follow the error taxonomy", func(t *testing.T) {
		cases := []struct {
			name string
			err  error
			want int
		}{
			{"expired credential", &apperr.AuthenticationError{Reason: "expired"}, http.StatusUnauthorized},
			{"unknown company", &apperr.NotFoundError{Resource: "company", Key: companyID.String()}, http.StatusNotFound},
			{"rate limited", &apperr.RateLimitError{}, http.StatusTooManyRequests},
			{"platform down", &apperr.ExternalServiceError{Op: "list repos", Err: errors.New("boom")}, http.StatusBadGateway},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				router, deps := setupRouter(t)
				deps.syncer.On("RunSync", mock.Anything, companyID, model.SyncQuick).Return(nil, tc.err).Once()

				rec := doRequest(router, http.MethodPost, "/v1/companies/"+companyID.String()+"/sync/quick", testToken, nil)

				assert.Equal(t, tc.want, rec.Code)
				var envelope syncEnvelope
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
				assert.False(t, envelope.Success)
			})
		}
	})
}

func TestReceiveWebhook(t *testing.T) {
	body := []byte(`{"zen": "Design for failure."}`)

	newWebhookRequest := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
		req.Header.Set("X-GitHub-Event", "ping")
		req.Header.Set("X-GitHub-Delivery", "d-1")
		return req
	}

	t.Run("forwards headers and body without actor auth", func(t *testing.T) {
		router, deps := setupRouter(t)
		deps.processor.On("Ingest", mock.Anything, body, "sha256=deadbeef", "ping", "d-1").Return(nil).Once()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, newWebhookRequest())

		assert.Equal(t, http.StatusOK, rec.Code)
		deps.processor.AssertExpectations(t)
	})

	t.Run("bad signature is unauthorized", func(t *testing.T) {
		router, deps := setupRouter(t)
		deps.processor.On("Ingest", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&apperr.AuthenticationError{Reason: "signature mismatch"}).Once()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, newWebhookRequest())

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed delivery is a bad request", func(t *testing.T) {
		router, deps := setupRouter(t)
		deps.processor.On("Ingest", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&apperr.ValidationError{Field: "payload", Reason: "unexpected end of input"}).Once()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, newWebhookRequest())

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("processing failure is a 5xx so the platform redelivers", func(t *testing.T) {
		router, deps := setupRouter(t)
		deps.processor.On("Ingest", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("storage unavailable")).Once()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, newWebhookRequest())

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestListIdentities(t *testing.T) {
	companyID := uuid.New()

	t.Run("unresolved list", func(t *testing.T) {
		router, deps := setupRouter(t)
		deps.members.On("ListOrganizationMembers", mock.Anything, companyID, false).
			Return([]model.OrganizationMember{{Login: "octocat"}}, nil).Once()

		rec := doRequest(router, http.MethodGet, "/v1/companies/"+companyID.String()+"/identities/unresolved", testToken, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		var members []model.OrganizationMember
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &members))
		require.Len(t, members, 1)
		assert.Equal(t, "octocat", members[0].Login)
	})

	t.Run("empty list serializes as an array", func(t *testing.T) {
		router, deps := setupRouter(t)
		deps.members.On("ListOrganizationMembers", mock.Anything, companyID, true).
			Return(nil, nil).Once()

		rec := doRequest(router, http.MethodGet, "/v1/companies/"+companyID.String()+"/identities/resolved", testToken, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "[]", string(bytes.TrimSpace(rec.Body.Bytes())))
	})
}

func TestManualIdentity(t *testing.T) {
	companyID := uuid.New()
	memberID := uuid.New()
	employeeID := uuid.New()
	basePath := "/v1/companies/" + companyID.String() + "/identities/" + memberID.String()

	t.Run("link", func(t *testing.T) {
		router, deps := setupRouter(t)
		deps.identity.On("ManualLink", mock.Anything, memberID, employeeID).Return(nil).Once()

		payload := []byte(`{"employee_id": "` + employeeID.String() + `"}`)
		rec := doRequest(router, http.MethodPost, basePath+"/link", testToken, payload)

		assert.Equal(t, http.StatusOK, rec.Code)
		deps.identity.AssertExpectations(t)
	})

	t.Run("link rejects a missing employee id", func(t *testing.T) {
		router, deps := setupRouter(t)

		rec := doRequest(router, http.MethodPost, basePath+"/link", testToken, []byte(`{}`))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		deps.identity.AssertNotCalled(t, "ManualLink")
	})

	t.Run("link to an unknown member is a 404", func(t *testing.T) {
		router, deps := setupRouter(t)
		deps.identity.On("ManualLink", mock.Anything, memberID, employeeID).
			Return(&apperr.NotFoundError{Resource: "organization member", Key: memberID.String()}).Once()

		payload := []byte(`{"employee_id": "` + employeeID.String() + `"}`)
		rec := doRequest(router, http.MethodPost, basePath+"/link", testToken, payload)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unlink", func(t *testing.T) {
		router, deps := setupRouter(t)
		deps.identity.On("ManualUnlink", mock.Anything, memberID).Return(nil).Once()

		rec := doRequest(router, http.MethodPost, basePath+"/unlink", testToken, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		deps.identity.AssertExpectations(t)
	})
}
