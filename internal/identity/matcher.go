// internal/identity/matcher.go
package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Smeet23/WorkLedger-sub001/internal/apperr"
	"github.com/Smeet23/WorkLedger-sub001/internal/model"
)

// commitEmailSampleLimit bounds how many distinct author emails the
// commit-email strategy inspects per identity.
const commitEmailSampleLimit = 20

// Directory is the slice of Storage identity resolution needs.
type Directory interface {
	GetEmployee(ctx context.Context, id uuid.UUID) (model.Employee, error)
	GetEmployeeByEmail(ctx context.Context, companyID uuid.UUID, email string) (model.Employee, error)
	GetEmployeeByName(ctx context.Context, companyID uuid.UUID, firstName, lastName string) (model.Employee, error)
	ListAuthorEmailsByLogin(ctx context.Context, companyID uuid.UUID, login string, limit int) ([]string, error)
	GetOrganizationMember(ctx context.Context, id uuid.UUID) (model.OrganizationMember, error)
	SetMemberMatch(ctx context.Context, memberID uuid.UUID, employeeID uuid.NullUUID, confidence float64, method string) error
	SetEmployeeGithubLink(ctx context.Context, employeeID uuid.UUID, username string, confidence float64, method string) error
	ClearEmployeeGithubLink(ctx context.Context, employeeID uuid.UUID) error
}

// Enqueuer schedules skill inference for an employee.
type Enqueuer interface {
	EnqueueInference(companyID, employeeID uuid.UUID)
}

// Strategy is one way of linking an external account to an employee.
// Strategies are tried in order; the first hit wins. A strategy failure
// means "no match by this signal", never an aborted resolution.
type Strategy interface {
	Name() string
	Confidence() float64
	Attempt(ctx context.Context, companyID uuid.UUID, member model.OrganizationMember) (model.Employee, bool, error)
}

// Matcher resolves external identities against the employee registry.
type Matcher struct {
	store      Directory
	queue      Enqueuer
	strategies []Strategy
	logger     *slog.Logger
}

func NewMatcher(store Directory, queue Enqueuer, logger *slog.Logger) *Matcher {
	return &Matcher{
		store: store,
		queue: queue,
		strategies: []Strategy{
			&emailStrategy{store: store},
			&nameStrategy{store: store},
			&commitEmailStrategy{store: store},
		},
		logger: logger,
	}
}

// Match runs the strategy cascade for one member and persists the outcome.
// Re-running against a member already carrying a manual link returns the
// manual result untouched.
func (m *Matcher) Match(ctx context.Context, companyID uuid.UUID, member model.OrganizationMember) (model.MatchResult, error) {
	if member.Method == model.MethodManual && member.EmployeeID.Valid {
		return model.MatchResult{
			EmployeeID: member.EmployeeID.UUID,
			Confidence: 1.0,
			Method:     model.MethodManual,
			Matched:    true,
		}, nil
	}

	for _, strategy := range m.strategies {
		employee, ok, err := strategy.Attempt(ctx, companyID, member)
		if err != nil {
			m.logger.Warn("Identity strategy failed, continuing cascade",
				"strategy", strategy.Name(), "login", member.Login, "error", err)
			continue
		}
		if !ok {
			continue
		}
		result := model.MatchResult{
			EmployeeID: employee.ID,
			Confidence: strategy.Confidence(),
			Method:     strategy.Name(),
			Matched:    true,
		}
		if err := m.persist(ctx, member, employee, result); err != nil {
			return model.MatchResult{}, err
		}
		m.logger.Info("Identity resolved",
			"login", member.Login, "method", result.Method, "confidence", result.Confidence)
		return result, nil
	}

	// Unresolved identities stay persisted for manual review.
	return model.MatchResult{}, nil
}

// ManualLink binds a member to an employee with full confidence and
// triggers immediate skill inference. Manual always outranks automatic.
func (m *Matcher) ManualLink(ctx context.Context, memberID, employeeID uuid.UUID) error {
	member, err := m.store.GetOrganizationMember(ctx, memberID)
	if err != nil {
		return err
	}
	employee, err := m.store.GetEmployee(ctx, employeeID)
	if err != nil {
		return err
	}
	result := model.MatchResult{EmployeeID: employeeID, Confidence: 1.0, Method: model.MethodManual, Matched: true}
	if err := m.persist(ctx, member, employee, result); err != nil {
		return err
	}
	m.queue.EnqueueInference(employee.CompanyID, employeeID)
	return nil
}

// ManualUnlink removes an existing link and resets resolution state.
func (m *Matcher) ManualUnlink(ctx context.Context, memberID uuid.UUID) error {
	member, err := m.store.GetOrganizationMember(ctx, memberID)
	if err != nil {
		return err
	}
	if member.EmployeeID.Valid {
		if err := m.store.ClearEmployeeGithubLink(ctx, member.EmployeeID.UUID); err != nil {
			return err
		}
	}
	return m.store.SetMemberMatch(ctx, memberID, uuid.NullUUID{}, 0, "")
}

func (m *Matcher) persist(ctx context.Context, member model.OrganizationMember, employee model.Employee, result model.MatchResult) error {
	link := uuid.NullUUID{UUID: result.EmployeeID, Valid: true}
	if err := m.store.SetMemberMatch(ctx, member.ID, link, result.Confidence, result.Method); err != nil {
		return err
	}
	return m.store.SetEmployeeGithubLink(ctx, employee.ID, member.Login, result.Confidence, result.Method)
}

// emailStrategy: exact case-insensitive match on the account's public email.
type emailStrategy struct {
	store Directory
}

func (s *emailStrategy) Name() string        { return model.MethodEmail }
func (s *emailStrategy) Confidence() float64 { return 0.95 }

func (s *emailStrategy) Attempt(ctx context.Context, companyID uuid.UUID, member model.OrganizationMember) (model.Employee, bool, error) {
	if member.Email == "" {
		return model.Employee{}, false, nil
	}
	return lookup(s.store.GetEmployeeByEmail(ctx, companyID, member.Email))
}

// nameStrategy: split the display name into first/last tokens and match
// exactly, case-insensitive.
type nameStrategy struct {
	store Directory
}

func (s *nameStrategy) Name() string        { return model.MethodName }
func (s *nameStrategy) Confidence() float64 { return 0.75 }

func (s *nameStrategy) Attempt(ctx context.Context, companyID uuid.UUID, member model.OrganizationMember) (model.Employee, bool, error) {
	tokens := strings.Fields(member.DisplayName)
	if len(tokens) < 2 {
		return model.Employee{}, false, nil
	}
	first, last := tokens[0], tokens[len(tokens)-1]
	return lookup(s.store.GetEmployeeByName(ctx, companyID, first, last))
}

// commitEmailStrategy: collect distinct author emails from the login's
// stored commits and try an exact employee-email match per candidate.
type commitEmailStrategy struct {
	store Directory
}

func (s *commitEmailStrategy) Name() string        { return model.MethodCommitEmail }
func (s *commitEmailStrategy) Confidence() float64 { return 0.60 }

func (s *commitEmailStrategy) Attempt(ctx context.Context, companyID uuid.UUID, member model.OrganizationMember) (model.Employee, bool, error) {
	if member.Login == "" {
		return model.Employee{}, false, nil
	}
	emails, err := s.store.ListAuthorEmailsByLogin(ctx, companyID, member.Login, commitEmailSampleLimit)
	if err != nil {
		return model.Employee{}, false, err
	}
	for _, email := range emails {
		employee, ok, err := lookup(s.store.GetEmployeeByEmail(ctx, companyID, email))
		if err != nil {
			return model.Employee{}, false, err
		}
		if ok {
			return employee, true, nil
		}
	}
	return model.Employee{}, false, nil
}

// lookup folds a not-found error into a clean miss.
func lookup(employee model.Employee, err error) (model.Employee, bool, error) {
	if err != nil {
		var nf *apperr.NotFoundError
		if errors.As(err, &nf) {
			return model.Employee{}, false, nil
		}
		return model.Employee{}, false, err
	}
	return employee, true, nil
}
