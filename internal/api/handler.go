// internal/api/handler.go
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Smeet23/WorkLedger-sub001/internal/apperr"
	"github.com/Smeet23/WorkLedger-sub001/internal/model"
)

// maxWebhookBody bounds how much of a delivery we are willing to read.
const maxWebhookBody = 5 << 20

// SyncRunner runs synchronization for a company scope.
type SyncRunner interface {
	RunSync(ctx context.Context, companyID uuid.UUID, mode model.SyncMode) (*model.SyncReport, error)
}

// WebhookIngester verifies and applies one webhook delivery.
type WebhookIngester interface {
	Ingest(ctx context.Context, rawBody []byte, signature, eventType, deliveryID string) error
}

// IdentityAdmin serves the manual link/unlink path of the admin UI.
type IdentityAdmin interface {
	ManualLink(ctx context.Context, memberID, employeeID uuid.UUID) error
	ManualUnlink(ctx context.Context, memberID uuid.UUID) error
}

// MemberLister lists identity-resolution state for review.
type MemberLister interface {
	ListOrganizationMembers(ctx context.Context, companyID uuid.UUID, resolved bool) ([]model.OrganizationMember, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	syncer    SyncRunner
	processor WebhookIngester
	identity  IdentityAdmin
	members   MemberLister
	apiToken  string
	logger    *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(s SyncRunner, p WebhookIngester, id IdentityAdmin, m MemberLister, apiToken string, logger *slog.Logger) http.Handler {
	h := &Handler{
		syncer:    s,
		processor: p,
		identity:  id,
		members:   m,
		apiToken:  apiToken,
		logger:    logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/health", h.healthCheck)

	// The webhook endpoint authenticates by signature, not by actor token.
	r.Post("/v1/webhooks/github", h.receiveWebhook)

	r.Route("/v1/companies/{companyID}", func(r chi.Router) {
		r.Use(h.requireActor)
		r.Post("/sync/quick", h.runSync(model.SyncQuick))
		r.Post("/sync/full", h.runSync(model.SyncFull))
		r.Get("/identities/unresolved", h.listIdentities(false))
		r.Get("/identities/resolved", h.listIdentities(true))
		r.Post("/identities/{memberID}/link", h.linkIdentity)
		r.Post("/identities/{memberID}/unlink", h.unlinkIdentity)
	})

	return r
}

// requireActor is the stand-in for the out-of-scope session layer: callers
// present the deployment's bearer token.
func (h *Handler) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.apiToken)) != 1 {
			respondWithError(w, http.StatusUnauthorized, "Missing or invalid actor token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// receiveWebhook handles the platform's push deliveries.
// POST /v1/webhooks/github
func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	err = h.processor.Ingest(r.Context(), rawBody,
		r.Header.Get("X-Hub-Signature-256"),
		r.Header.Get("X-GitHub-Event"),
		r.Header.Get("X-GitHub-Delivery"))
	if err != nil {
		var authErr *apperr.AuthenticationError
		var valErr *apperr.ValidationError
		switch {
		case errors.As(err, &authErr):
			respondWithError(w, http.StatusUnauthorized, authErr.Error())
		case errors.As(err, &valErr):
			respondWithError(w, http.StatusBadRequest, valErr.Error())
		default:
			// Non-2xx makes the platform redeliver.
			h.logger.Error("Webhook processing failed", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Event processing failed")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// syncEnvelope is the user-visible result of a sync trigger.
type syncEnvelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Report  *model.SyncReport `json:"report,omitempty"`
}

// runSync handles the sync trigger endpoints.
// POST /v1/companies/{companyID}/sync/{quick|full}
func (h *Handler) runSync(mode model.SyncMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		companyID, ok := h.parseUUID(w, r, "companyID")
		if !ok {
			return
		}

		report, err := h.syncer.RunSync(r.Context(), companyID, mode)
		if err != nil {
			status := statusForError(err)
			h.logger.Error("Sync run failed", "company_id", companyID, "mode", mode, "error", err)
			respondWithJSON(w, status, syncEnvelope{Success: false, Message: err.Error()})
			return
		}
		// Partial coverage is still success; per-repo errors ride in the report.
		respondWithJSON(w, http.StatusOK, syncEnvelope{
			Success: true,
			Message: "sync completed",
			Report:  report,
		})
	}
}

// listIdentities serves the review lists for the admin UI.
// GET /v1/companies/{companyID}/identities/{unresolved|resolved}
func (h *Handler) listIdentities(resolved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		companyID, ok := h.parseUUID(w, r, "companyID")
		if !ok {
			return
		}
		members, err := h.members.ListOrganizationMembers(r.Context(), companyID, resolved)
		if err != nil {
			h.logger.Error("Failed to list members", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if members == nil {
			members = []model.OrganizationMember{}
		}
		respondWithJSON(w, http.StatusOK, members)
	}
}

// linkIdentity manually binds a member to an employee.
// POST /v1/companies/{companyID}/identities/{memberID}/link
func (h *Handler) linkIdentity(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.parseUUID(w, r, "memberID")
	if !ok {
		return
	}

	var body struct {
		EmployeeID uuid.UUID `json:"employee_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.EmployeeID == uuid.Nil {
		respondWithError(w, http.StatusBadRequest, "Body must contain a valid 'employee_id'")
		return
	}

	if err := h.identity.ManualLink(r.Context(), memberID, body.EmployeeID); err != nil {
		h.respondDomainError(w, err, "Failed to link identity")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "linked"})
}

// unlinkIdentity removes a manual or automatic link.
// POST /v1/companies/{companyID}/identities/{memberID}/unlink
func (h *Handler) unlinkIdentity(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.parseUUID(w, r, "memberID")
	if !ok {
		return
	}
	if err := h.identity.ManualUnlink(r.Context(), memberID); err != nil {
		h.respondDomainError(w, err, "Failed to unlink identity")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
}

func (h *Handler) parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid '"+param+"' parameter")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, err error, fallback string) {
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		respondWithError(w, http.StatusNotFound, nf.Error())
		return
	}
	h.logger.Error(fallback, "error", err)
	respondWithError(w, http.StatusInternalServerError, fallback)
}

func statusForError(err error) int {
	var authErr *apperr.AuthenticationError
	var nfErr *apperr.NotFoundError
	var rlErr *apperr.RateLimitError
	switch {
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &nfErr):
		return http.StatusNotFound
	case errors.As(err, &rlErr):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
