// internal/webhook/processor.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/go-github/v62/github"
	"github.com/google/uuid"

	"github.com/Smeet23/WorkLedger-sub001/internal/apperr"
	"github.com/Smeet23/WorkLedger-sub001/internal/model"
)

// EventStore is the slice of Storage webhook processing needs.
type EventStore interface {
	InsertWebhookEvent(ctx context.Context, ev model.WebhookEvent) (bool, error)
	MarkEventProcessed(ctx context.Context, deliveryID string) error
	MarkEventFailed(ctx context.Context, deliveryID, message string) error
	GetConnectionByInstallationID(ctx context.Context, installationID int64) (model.Connection, error)
	UpsertConnection(ctx context.Context, c model.Connection) error
	MarkConnectionDeleted(ctx context.Context, installationID int64) error
	GetCompanyByGithubLogin(ctx context.Context, login string) (model.Company, error)
	UpsertRepository(ctx context.Context, r model.Repository) (model.Repository, error)
	DeleteRepositoryByGithubID(ctx context.Context, githubRepoID int64) error
	UpsertCommit(ctx context.Context, c model.Commit) (bool, error)
	RecomputeRepositoryCommitTotal(ctx context.Context, repositoryID int64) (int, error)
	GetEmployeeByUsername(ctx context.Context, companyID uuid.UUID, username string) (model.Employee, error)
	LinkRepositoryEmployee(ctx context.Context, repositoryID int64, employeeID uuid.UUID) error
	UpsertOrganizationMember(ctx context.Context, m model.OrganizationMember) (model.OrganizationMember, error)
}

// Resolver runs identity resolution for a member observed in an event.
type Resolver interface {
	Match(ctx context.Context, companyID uuid.UUID, member model.OrganizationMember) (model.MatchResult, error)
}

// Enqueuer schedules deferred skill inference; webhook handlers never
// compute inference inline.
type Enqueuer interface {
	EnqueueInference(companyID, employeeID uuid.UUID)
}

// Processor verifies and idempotently applies pushed platform events.
type Processor struct {
	store    EventStore
	resolver Resolver
	queue    Enqueuer
	secret   []byte
	logger   *slog.Logger
}

func NewProcessor(store EventStore, resolver Resolver, queue Enqueuer, secret string, logger *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		resolver: resolver,
		queue:    queue,
		secret:   []byte(secret),
		logger:   logger,
	}
}

// Ingest verifies, records and dispatches one delivery.
//
// The delivery id is checked before any handler runs: a replayed delivery
// short-circuits at the persistence layer, so side effects that are not
// naturally idempotent can never double-apply. Handler failures are
// recorded and re-raised so the platform's own redelivery retries them.
func (p *Processor) Ingest(ctx context.Context, rawBody []byte, signature, eventType, deliveryID string) error {
	if eventType == "" {
		return &apperr.ValidationError{Field: "event type header", Reason: "missing"}
	}
	if deliveryID == "" {
		return &apperr.ValidationError{Field: "delivery id header", Reason: "missing"}
	}
	if signature == "" {
		return &apperr.AuthenticationError{Reason: "missing signature header"}
	}
	if err := github.ValidateSignature(signature, rawBody, p.secret); err != nil {
		return &apperr.AuthenticationError{Reason: "signature mismatch"}
	}

	created, err := p.store.InsertWebhookEvent(ctx, model.WebhookEvent{
		ID:         uuid.New(),
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     peekAction(rawBody),
		Payload:    rawBody,
	})
	if err != nil {
		return err
	}
	if !created {
		p.logger.Info("Duplicate delivery detected, skipping", "delivery_id", deliveryID, "event", eventType)
		return nil
	}

	if err := p.dispatch(ctx, rawBody, eventType); err != nil {
		if markErr := p.store.MarkEventFailed(ctx, deliveryID, err.Error()); markErr != nil {
			p.logger.Error("Recording event failure failed", "delivery_id", deliveryID, "error", markErr)
		}
		return err
	}
	return p.store.MarkEventProcessed(ctx, deliveryID)
}

// handledEvents is the set of event types dispatch acts on. Everything else
// is accepted and logged; the platform ships new types without notice and a
// failure here would make it redeliver them forever.
var handledEvents = map[string]bool{
	"installation":              true,
	"installation_repositories": true,
	"push":                      true,
	"pull_request":              true,
	"membership":                true,
	"organization":              true,
	"repository":                true,
}

func (p *Processor) dispatch(ctx context.Context, rawBody []byte, eventType string) error {
	if !handledEvents[eventType] {
		p.logger.Info("Unhandled event type accepted", "event", eventType)
		return nil
	}

	payload, err := github.ParseWebHook(eventType, rawBody)
	if err != nil {
		return &apperr.ValidationError{Field: "payload", Reason: err.Error()}
	}

	switch event := payload.(type) {
	case *github.InstallationEvent:
		return p.handleInstallation(ctx, event)
	case *github.InstallationRepositoriesEvent:
		return p.handleInstallationRepositories(ctx, event)
	case *github.PushEvent:
		return p.handlePush(ctx, event)
	case *github.PullRequestEvent:
		return p.handlePullRequest(ctx, event)
	case *github.MembershipEvent:
		return p.handleMembership(ctx, event)
	case *github.OrganizationEvent:
		return p.handleOrganization(ctx, event)
	case *github.RepositoryEvent:
		return p.handleRepository(ctx, event)
	default:
		p.logger.Info("Unhandled event type accepted", "event", eventType)
		return nil
	}
}

// handleInstallation reacts to the app being installed or removed on an
// organization.
func (p *Processor) handleInstallation(ctx context.Context, event *github.InstallationEvent) error {
	inst := event.GetInstallation()
	switch event.GetAction() {
	case "created", "unsuspend":
		company, err := p.store.GetCompanyByGithubLogin(ctx, inst.GetAccount().GetLogin())
		if err != nil {
			var nf *apperr.NotFoundError
			if errors.As(err, &nf) {
				// No registered company for this account; tolerate and wait
				// for onboarding to catch up.
				p.logger.Warn("Installation for unknown account ignored", "login", inst.GetAccount().GetLogin())
				return nil
			}
			return err
		}
		return p.store.UpsertConnection(ctx, model.Connection{
			ID:             uuid.New(),
			CompanyID:      company.ID,
			ScopeType:      model.ScopeInstallation,
			InstallationID: inst.GetID(),
			AccountLogin:   inst.GetAccount().GetLogin(),
			Status:         "active",
		})
	case "deleted", "suspend":
		return p.store.MarkConnectionDeleted(ctx, inst.GetID())
	default:
		p.logger.Info("Installation action ignored", "action", event.GetAction())
		return nil
	}
}

func (p *Processor) handleInstallationRepositories(ctx context.Context, event *github.InstallationRepositoriesEvent) error {
	conn, err := p.connectionFor(ctx, event.GetInstallation().GetID())
	if err != nil || conn == nil {
		return err
	}
	for _, r := range event.RepositoriesAdded {
		repo := repoFromEvent(r, conn.CompanyID)
		if _, err := p.store.UpsertRepository(ctx, repo); err != nil {
			return err
		}
	}
	for _, r := range event.RepositoriesRemoved {
		if err := p.store.DeleteRepositoryByGithubID(ctx, r.GetID()); err != nil {
			return err
		}
	}
	return nil
}

// handlePush upserts the repository and every payload commit, recounts the
// repository total, attributes the push to an employee and defers inference.
func (p *Processor) handlePush(ctx context.Context, event *github.PushEvent) error {
	conn, err := p.connectionFor(ctx, event.GetInstallation().GetID())
	if err != nil || conn == nil {
		return err
	}

	eventRepo := event.GetRepo()
	repo, err := p.store.UpsertRepository(ctx, model.Repository{
		GithubRepoID:  eventRepo.GetID(),
		CompanyID:     conn.CompanyID,
		Owner:         eventRepo.GetOwner().GetLogin(),
		Name:          eventRepo.GetName(),
		Private:       eventRepo.GetPrivate(),
		DefaultBranch: eventRepo.GetDefaultBranch(),
		Language:      eventRepo.GetLanguage(),
		PushedAt:      eventRepo.GetPushedAt().Time,
	})
	if err != nil {
		return err
	}

	for _, c := range event.Commits {
		commit := model.Commit{
			SHA:          c.GetID(),
			RepositoryID: repo.ID,
			AuthorName:   c.GetAuthor().GetName(),
			AuthorEmail:  c.GetAuthor().GetEmail(),
			AuthorLogin:  c.GetAuthor().GetLogin(),
			Message:      c.GetMessage(),
			AuthoredAt:   c.GetTimestamp().Time,
			CommittedAt:  c.GetTimestamp().Time,
			FilesChanged: len(c.Added) + len(c.Removed) + len(c.Modified),
		}
		if _, err := p.store.UpsertCommit(ctx, commit); err != nil {
			return err
		}
	}

	if _, err := p.store.RecomputeRepositoryCommitTotal(ctx, repo.ID); err != nil {
		return err
	}

	pusher := event.GetSender().GetLogin()
	if pusher == "" {
		return nil
	}
	employee, err := p.store.GetEmployeeByUsername(ctx, conn.CompanyID, pusher)
	if err != nil {
		var nf *apperr.NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	if err := p.store.LinkRepositoryEmployee(ctx, repo.ID, employee.ID); err != nil {
		return err
	}
	p.queue.EnqueueInference(conn.CompanyID, employee.ID)
	return nil
}

func (p *Processor) handlePullRequest(ctx context.Context, event *github.PullRequestEvent) error {
	conn, err := p.connectionFor(ctx, event.GetInstallation().GetID())
	if err != nil || conn == nil {
		return err
	}
	eventRepo := event.GetRepo()
	repo, err := p.store.UpsertRepository(ctx, model.Repository{
		GithubRepoID:  eventRepo.GetID(),
		CompanyID:     conn.CompanyID,
		Owner:         eventRepo.GetOwner().GetLogin(),
		Name:          eventRepo.GetName(),
		Private:       eventRepo.GetPrivate(),
		DefaultBranch: eventRepo.GetDefaultBranch(),
		Language:      eventRepo.GetLanguage(),
		PushedAt:      eventRepo.GetPushedAt().Time,
	})
	if err != nil {
		return err
	}

	author := event.GetPullRequest().GetUser().GetLogin()
	if author == "" {
		return nil
	}
	employee, err := p.store.GetEmployeeByUsername(ctx, conn.CompanyID, author)
	if err != nil {
		var nf *apperr.NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	if err := p.store.LinkRepositoryEmployee(ctx, repo.ID, employee.ID); err != nil {
		return err
	}
	if event.GetAction() == "closed" && event.GetPullRequest().GetMerged() {
		p.queue.EnqueueInference(conn.CompanyID, employee.ID)
	}
	return nil
}

func (p *Processor) handleMembership(ctx context.Context, event *github.MembershipEvent) error {
	conn, err := p.connectionFor(ctx, event.GetInstallation().GetID())
	if err != nil || conn == nil {
		return err
	}
	if event.GetAction() != "added" {
		// Removed members keep their snapshot for audit.
		return nil
	}
	return p.recordMember(ctx, conn.CompanyID, event.GetMember())
}

func (p *Processor) handleOrganization(ctx context.Context, event *github.OrganizationEvent) error {
	conn, err := p.connectionFor(ctx, event.GetInstallation().GetID())
	if err != nil || conn == nil {
		return err
	}
	if event.GetAction() != "member_added" {
		return nil
	}
	return p.recordMember(ctx, conn.CompanyID, event.GetMembership().GetUser())
}

func (p *Processor) handleRepository(ctx context.Context, event *github.RepositoryEvent) error {
	conn, err := p.connectionFor(ctx, event.GetInstallation().GetID())
	if err != nil || conn == nil {
		return err
	}
	eventRepo := event.GetRepo()
	if event.GetAction() == "deleted" {
		return p.store.DeleteRepositoryByGithubID(ctx, eventRepo.GetID())
	}
	_, err = p.store.UpsertRepository(ctx, model.Repository{
		GithubRepoID:  eventRepo.GetID(),
		CompanyID:     conn.CompanyID,
		Owner:         eventRepo.GetOwner().GetLogin(),
		Name:          eventRepo.GetName(),
		Private:       eventRepo.GetPrivate(),
		DefaultBranch: eventRepo.GetDefaultBranch(),
		Language:      eventRepo.GetLanguage(),
		PushedAt:      eventRepo.GetPushedAt().Time,
	})
	return err
}

func (p *Processor) recordMember(ctx context.Context, companyID uuid.UUID, user *github.User) error {
	member, err := p.store.UpsertOrganizationMember(ctx, model.OrganizationMember{
		ID:           uuid.New(),
		CompanyID:    companyID,
		GithubUserID: user.GetID(),
		Login:        user.GetLogin(),
		Email:        user.GetEmail(),
		DisplayName:  user.GetName(),
		AvatarURL:    user.GetAvatarURL(),
	})
	if err != nil {
		return err
	}
	if _, err := p.resolver.Match(ctx, companyID, member); err != nil {
		p.logger.Error("Identity resolution failed for new member", "login", member.Login, "error", err)
	}
	return nil
}

// connectionFor resolves the owning connection. A missing installation is
// tolerated (nil, nil): deletions and late deliveries may arrive out of
// order, and replaying them against nothing is a no-op.
func (p *Processor) connectionFor(ctx context.Context, installationID int64) (*model.Connection, error) {
	conn, err := p.store.GetConnectionByInstallationID(ctx, installationID)
	if err != nil {
		var nf *apperr.NotFoundError
		if errors.As(err, &nf) {
			p.logger.Warn("Event for unknown installation ignored", "installation_id", installationID)
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

// repoFromEvent maps the slim repository payload of installation events.
func repoFromEvent(r *github.Repository, companyID uuid.UUID) model.Repository {
	owner, name := splitFullName(r.GetFullName())
	if r.GetOwner().GetLogin() != "" {
		owner = r.GetOwner().GetLogin()
	}
	if r.GetName() != "" {
		name = r.GetName()
	}
	return model.Repository{
		GithubRepoID: r.GetID(),
		CompanyID:    companyID,
		Owner:        owner,
		Name:         name,
		Private:      r.GetPrivate(),
	}
}

func splitFullName(fullName string) (owner, name string) {
	if i := strings.IndexByte(fullName, '/'); i > 0 {
		return fullName[:i], fullName[i+1:]
	}
	return "", fullName
}

// peekAction extracts the action field without committing to a payload type.
func peekAction(rawBody []byte) string {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(rawBody, &head); err != nil {
		return ""
	}
	return head.Action
}
