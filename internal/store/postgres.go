// internal/store/postgres.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Smeet23/WorkLedger-sub001/internal/apperr"
	"github.com/Smeet23/WorkLedger-sub001/internal/model"
)

// Postgres is the pgx-backed implementation of the persistence layer.
// Consumers declare their own narrow interfaces over its methods.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// ---- connections ----

const connectionColumns = `id, company_id, scope_type, installation_id, account_login, access_token, status, created_at, updated_at`

func scanConnection(row pgx.Row) (model.Connection, error) {
	var c model.Connection
	err := row.Scan(&c.ID, &c.CompanyID, &c.ScopeType, &c.InstallationID, &c.AccountLogin, &c.AccessToken, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (p *Postgres) GetConnectionByScope(ctx context.Context, scopeID uuid.UUID, scopeType model.ScopeType) (model.Connection, error) {
	var query string
	switch scopeType {
	case model.ScopeInstallation:
		query = `SELECT ` + connectionColumns + ` FROM connections WHERE company_id = $1 AND scope_type = 'installation'`
	case model.ScopeDelegated:
		query = `SELECT ` + connectionColumns + ` FROM connections WHERE employee_id = $1 AND scope_type = 'delegated'`
	default:
		return model.Connection{}, &apperr.ValidationError{Field: "scope_type", Reason: string(scopeType)}
	}
	conn, err := scanConnection(p.pool.QueryRow(ctx, query, scopeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Connection{}, &apperr.NotFoundError{Resource: "connection", Key: scopeID.String()}
	}
	return conn, err
}

func (p *Postgres) GetConnectionByInstallationID(ctx context.Context, installationID int64) (model.Connection, error) {
	conn, err := scanConnection(p.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE installation_id = $1`, installationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Connection{}, &apperr.NotFoundError{Resource: "installation", Key: fmt.Sprintf("%d", installationID)}
	}
	return conn, err
}

func (p *Postgres) UpsertConnection(ctx context.Context, c model.Connection) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO connections (id, company_id, scope_type, installation_id, account_login, access_token, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
ON CONFLICT (installation_id) DO UPDATE SET
    account_login = EXCLUDED.account_login,
    access_token  = CASE WHEN EXCLUDED.access_token = '' THEN connections.access_token ELSE EXCLUDED.access_token END,
    status        = EXCLUDED.status,
    updated_at    = now()`,
		c.ID, c.CompanyID, c.ScopeType, c.InstallationID, c.AccountLogin, c.AccessToken, c.Status)
	return err
}

func (p *Postgres) MarkConnectionDeleted(ctx context.Context, installationID int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE connections SET status = 'deleted', updated_at = now() WHERE installation_id = $1`, installationID)
	return err
}

// ---- companies ----

func (p *Postgres) GetCompany(ctx context.Context, id uuid.UUID) (model.Company, error) {
	var c model.Company
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, github_login, created_at FROM companies WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.GithubLogin, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Company{}, &apperr.NotFoundError{Resource: "company", Key: id.String()}
	}
	return c, err
}

func (p *Postgres) GetCompanyByGithubLogin(ctx context.Context, login string) (model.Company, error) {
	var c model.Company
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, github_login, created_at FROM companies WHERE lower(github_login) = lower($1)`, login).
		Scan(&c.ID, &c.Name, &c.GithubLogin, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Company{}, &apperr.NotFoundError{Resource: "company", Key: login}
	}
	return c, err
}

// ---- repositories ----

const repositoryColumns = `id, github_repo_id, company_id, owner, name, private, default_branch, language, languages, frameworks, stars_count, forks_count, total_commits, pushed_at, last_synced_at, created_at, updated_at`

func scanRepository(row pgx.Row) (model.Repository, error) {
	var r model.Repository
	var langs []byte
	err := row.Scan(&r.ID, &r.GithubRepoID, &r.CompanyID, &r.Owner, &r.Name, &r.Private, &r.DefaultBranch,
		&r.Language, &langs, &r.Frameworks, &r.StarsCount, &r.ForksCount, &r.TotalCommits,
		&r.PushedAt, &r.LastSyncedAt, &r.DBCreatedAt, &r.DBUpdatedAt)
	if err != nil {
		return r, err
	}
	if len(langs) > 0 {
		if err := json.Unmarshal(langs, &r.Languages); err != nil {
			return r, err
		}
	}
	return r, nil
}

// UpsertRepository inserts or updates a repository by its external id and
// returns the stored row.
func (p *Postgres) UpsertRepository(ctx context.Context, r model.Repository) (model.Repository, error) {
	langs, err := json.Marshal(r.Languages)
	if err != nil {
		return model.Repository{}, err
	}
	if r.Languages == nil {
		langs = []byte(`{}`)
	}
	if r.Frameworks == nil {
		r.Frameworks = []string{}
	}
	return scanRepository(p.pool.QueryRow(ctx, `
INSERT INTO repositories (github_repo_id, company_id, owner, name, private, default_branch, language, languages, frameworks, stars_count, forks_count, pushed_at, last_synced_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now(), now())
ON CONFLICT (github_repo_id) DO UPDATE SET
    owner          = EXCLUDED.owner,
    name           = EXCLUDED.name,
    private        = EXCLUDED.private,
    default_branch = EXCLUDED.default_branch,
    language       = EXCLUDED.language,
    languages      = CASE WHEN EXCLUDED.languages = '{}'::jsonb THEN repositories.languages ELSE EXCLUDED.languages END,
    frameworks     = CASE WHEN EXCLUDED.frameworks = '{}'::text[] THEN repositories.frameworks ELSE EXCLUDED.frameworks END,
    stars_count    = EXCLUDED.stars_count,
    forks_count    = EXCLUDED.forks_count,
    pushed_at      = EXCLUDED.pushed_at,
    last_synced_at = now(),
    updated_at     = now()
RETURNING `+repositoryColumns,
		r.GithubRepoID, r.CompanyID, r.Owner, r.Name, r.Private, r.DefaultBranch, r.Language,
		langs, r.Frameworks, r.StarsCount, r.ForksCount, r.PushedAt))
}

func (p *Postgres) GetRepositoryByGithubID(ctx context.Context, githubRepoID int64) (model.Repository, error) {
	repo, err := scanRepository(p.pool.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE github_repo_id = $1`, githubRepoID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Repository{}, &apperr.NotFoundError{Resource: "repository", Key: fmt.Sprintf("%d", githubRepoID)}
	}
	return repo, err
}

func (p *Postgres) DeleteRepositoryByGithubID(ctx context.Context, githubRepoID int64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM repositories WHERE github_repo_id = $1`, githubRepoID)
	return err
}

// RecomputeRepositoryCommitTotal recounts stored commits for the repository.
// A recount converges under replays where an increment would drift.
func (p *Postgres) RecomputeRepositoryCommitTotal(ctx context.Context, repositoryID int64) (int, error) {
	var total int
	err := p.pool.QueryRow(ctx, `
UPDATE repositories
SET total_commits = (SELECT COUNT(*) FROM commits WHERE repository_id = $1), updated_at = now()
WHERE id = $1
RETURNING total_commits`, repositoryID).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &apperr.NotFoundError{Resource: "repository", Key: fmt.Sprintf("%d", repositoryID)}
	}
	return total, err
}

func (p *Postgres) LinkRepositoryEmployee(ctx context.Context, repositoryID int64, employeeID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO repository_employees (repository_id, employee_id, created_at)
VALUES ($1, $2, now())
ON CONFLICT (repository_id, employee_id) DO NOTHING`, repositoryID, employeeID)
	return err
}

// ---- commits ----

// UpsertCommit inserts a commit keyed by (repository, sha). It reports
// whether a new row was created; a replayed commit updates stats in place
// only when the new row actually carries them.
func (p *Postgres) UpsertCommit(ctx context.Context, c model.Commit) (bool, error) {
	if c.ParentSHAs == nil {
		c.ParentSHAs = []string{}
	}
	// xmax = 0 distinguishes a fresh insert from a conflict update.
	var inserted bool
	err := p.pool.QueryRow(ctx, `
INSERT INTO commits (repository_id, sha, author_name, author_email, author_login, message, authored_at, committed_at, additions, deletions, files_changed, parent_shas, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
ON CONFLICT (repository_id, sha) DO UPDATE SET
    additions     = CASE WHEN EXCLUDED.additions = 0 AND EXCLUDED.deletions = 0 THEN commits.additions ELSE EXCLUDED.additions END,
    deletions     = CASE WHEN EXCLUDED.additions = 0 AND EXCLUDED.deletions = 0 THEN commits.deletions ELSE EXCLUDED.deletions END,
    files_changed = CASE WHEN EXCLUDED.files_changed = 0 THEN commits.files_changed ELSE EXCLUDED.files_changed END
RETURNING (xmax = 0)`,
		c.RepositoryID, c.SHA, c.AuthorName, c.AuthorEmail, c.AuthorLogin, c.Message,
		c.AuthoredAt, c.CommittedAt, c.Additions, c.Deletions, c.FilesChanged, c.ParentSHAs).Scan(&inserted)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ListAuthorEmailsByLogin returns the distinct author emails observed on a
// login's stored commits within the company, bounded by limit.
func (p *Postgres) ListAuthorEmailsByLogin(ctx context.Context, companyID uuid.UUID, login string, limit int) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
SELECT DISTINCT c.author_email
FROM commits c
JOIN repositories r ON r.id = c.repository_id
WHERE r.company_id = $1 AND c.author_login = $2 AND c.author_email <> ''
LIMIT $3`, companyID, login, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var emails []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// ---- employees ----

const employeeColumns = `id, company_id, email, first_name, last_name, COALESCE(github_username, ''), confidence, COALESCE(method, ''), created_at`

func scanEmployee(row pgx.Row) (model.Employee, error) {
	var e model.Employee
	err := row.Scan(&e.ID, &e.CompanyID, &e.Email, &e.FirstName, &e.LastName, &e.GithubUsername, &e.Confidence, &e.Method, &e.CreatedAt)
	return e, err
}

func (p *Postgres) GetEmployee(ctx context.Context, id uuid.UUID) (model.Employee, error) {
	e, err := scanEmployee(p.pool.QueryRow(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Employee{}, &apperr.NotFoundError{Resource: "employee", Key: id.String()}
	}
	return e, err
}

func (p *Postgres) GetEmployeeByEmail(ctx context.Context, companyID uuid.UUID, email string) (model.Employee, error) {
	e, err := scanEmployee(p.pool.QueryRow(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE company_id = $1 AND lower(email) = lower($2)`, companyID, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Employee{}, &apperr.NotFoundError{Resource: "employee", Key: email}
	}
	return e, err
}

func (p *Postgres) GetEmployeeByName(ctx context.Context, companyID uuid.UUID, firstName, lastName string) (model.Employee, error) {
	e, err := scanEmployee(p.pool.QueryRow(ctx, `
SELECT `+employeeColumns+` FROM employees
WHERE company_id = $1 AND lower(first_name) = lower($2) AND lower(last_name) = lower($3)`,
		companyID, firstName, lastName))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Employee{}, &apperr.NotFoundError{Resource: "employee", Key: firstName + " " + lastName}
	}
	return e, err
}

func (p *Postgres) GetEmployeeByUsername(ctx context.Context, companyID uuid.UUID, username string) (model.Employee, error) {
	e, err := scanEmployee(p.pool.QueryRow(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE company_id = $1 AND github_username = $2`, companyID, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Employee{}, &apperr.NotFoundError{Resource: "employee", Key: username}
	}
	return e, err
}

func (p *Postgres) SetEmployeeGithubLink(ctx context.Context, employeeID uuid.UUID, username string, confidence float64, method string) error {
	_, err := p.pool.Exec(ctx, `
UPDATE employees SET github_username = $2, confidence = $3, method = $4 WHERE id = $1`,
		employeeID, username, confidence, method)
	return err
}

func (p *Postgres) ClearEmployeeGithubLink(ctx context.Context, employeeID uuid.UUID) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE employees SET github_username = NULL, confidence = 0, method = NULL WHERE id = $1`, employeeID)
	return err
}

func (p *Postgres) ListLinkedEmployees(ctx context.Context, companyID uuid.UUID) ([]model.Employee, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE company_id = $1 AND github_username IS NOT NULL ORDER BY email`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var employees []model.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

// ---- organization members ----

const memberColumns = `id, company_id, github_user_id, login, email, display_name, avatar_url, employee_id, confidence, COALESCE(method, ''), COALESCE(matched_at, 'epoch'::timestamptz), created_at, updated_at`

func scanMember(row pgx.Row) (model.OrganizationMember, error) {
	var m model.OrganizationMember
	err := row.Scan(&m.ID, &m.CompanyID, &m.GithubUserID, &m.Login, &m.Email, &m.DisplayName, &m.AvatarURL,
		&m.EmployeeID, &m.Confidence, &m.Method, &m.MatchedAt, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// UpsertOrganizationMember refreshes the external-account snapshot. Link
// fields (employee_id, confidence, method) are deliberately left untouched
// so a rescan can never downgrade an existing match.
func (p *Postgres) UpsertOrganizationMember(ctx context.Context, m model.OrganizationMember) (model.OrganizationMember, error) {
	return scanMember(p.pool.QueryRow(ctx, `
INSERT INTO organization_members (id, company_id, github_user_id, login, email, display_name, avatar_url, confidence, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, now(), now())
ON CONFLICT (company_id, github_user_id) DO UPDATE SET
    login        = EXCLUDED.login,
    email        = CASE WHEN EXCLUDED.email = '' THEN organization_members.email ELSE EXCLUDED.email END,
    display_name = CASE WHEN EXCLUDED.display_name = '' THEN organization_members.display_name ELSE EXCLUDED.display_name END,
    avatar_url   = EXCLUDED.avatar_url,
    updated_at   = now()
RETURNING `+memberColumns,
		m.ID, m.CompanyID, m.GithubUserID, m.Login, m.Email, m.DisplayName, m.AvatarURL))
}

func (p *Postgres) GetOrganizationMember(ctx context.Context, id uuid.UUID) (model.OrganizationMember, error) {
	m, err := scanMember(p.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM organization_members WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OrganizationMember{}, &apperr.NotFoundError{Resource: "organization member", Key: id.String()}
	}
	return m, err
}

func (p *Postgres) ListOrganizationMembers(ctx context.Context, companyID uuid.UUID, resolved bool) ([]model.OrganizationMember, error) {
	cond := "employee_id IS NULL"
	if resolved {
		cond = "employee_id IS NOT NULL"
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM organization_members WHERE company_id = $1 AND `+cond+` ORDER BY login`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []model.OrganizationMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (p *Postgres) SetMemberMatch(ctx context.Context, memberID uuid.UUID, employeeID uuid.NullUUID, confidence float64, method string) error {
	_, err := p.pool.Exec(ctx, `
UPDATE organization_members
SET employee_id = $2, confidence = $3, method = NULLIF($4, ''), matched_at = CASE WHEN $2 IS NULL THEN NULL ELSE now() END, updated_at = now()
WHERE id = $1`, memberID, employeeID, confidence, method)
	return err
}

// ---- webhook events ----

// InsertWebhookEvent records a delivery and reports whether it is new.
// A duplicate delivery id leaves the existing row untouched.
func (p *Postgres) InsertWebhookEvent(ctx context.Context, ev model.WebhookEvent) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO webhook_events (id, delivery_id, event_type, action, payload, status, retry_count, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, now())
ON CONFLICT (delivery_id) DO NOTHING`,
		ev.ID, ev.DeliveryID, ev.EventType, ev.Action, ev.Payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) MarkEventProcessed(ctx context.Context, deliveryID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE webhook_events SET status = 'processed', error = '', processed_at = now() WHERE delivery_id = $1`, deliveryID)
	return err
}

func (p *Postgres) MarkEventFailed(ctx context.Context, deliveryID, message string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE webhook_events SET status = 'failed', error = $2, retry_count = retry_count + 1 WHERE delivery_id = $1`, deliveryID, message)
	return err
}

// ---- skills ----

func (p *Postgres) UpsertSkill(ctx context.Context, name, category string) (model.Skill, error) {
	var s model.Skill
	err := p.pool.QueryRow(ctx, `
INSERT INTO skills (id, name, category)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET category = EXCLUDED.category
RETURNING id, name, category`, uuid.New(), name, category).Scan(&s.ID, &s.Name, &s.Category)
	return s, err
}

// UpsertSkillRecord writes the recomputed snapshot for (employee, skill).
// A manually curated record is never overwritten by inference.
func (p *Postgres) UpsertSkillRecord(ctx context.Context, rec model.SkillRecord) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO skill_records (id, employee_id, skill_id, level, confidence, lines_of_code, repo_count, commit_count, last_used_at, source, detail, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
ON CONFLICT (employee_id, skill_id) DO UPDATE SET
    level         = EXCLUDED.level,
    confidence    = EXCLUDED.confidence,
    lines_of_code = EXCLUDED.lines_of_code,
    repo_count    = EXCLUDED.repo_count,
    commit_count  = EXCLUDED.commit_count,
    last_used_at  = EXCLUDED.last_used_at,
    source        = EXCLUDED.source,
    detail        = EXCLUDED.detail,
    updated_at    = now()
WHERE skill_records.source <> 'manual'`,
		rec.ID, rec.EmployeeID, rec.SkillID, rec.Level, rec.Confidence, rec.LinesOfCode,
		rec.RepoCount, rec.CommitCount, rec.LastUsedAt, rec.Source, rec.Detail)
	return err
}

// ListEmployeeRepoActivity aggregates, per repository the employee has
// commits in, the employee's commit count against the repository total.
// Commits are attributed by registered email or linked github username.
func (p *Postgres) ListEmployeeRepoActivity(ctx context.Context, employeeID uuid.UUID) ([]model.RepoActivity, error) {
	rows, err := p.pool.Query(ctx, `
SELECT r.id, r.github_repo_id, r.company_id, r.owner, r.name, r.language, r.languages, r.frameworks, r.total_commits,
       COUNT(c.sha) AS employee_commits,
       MAX(c.authored_at) AS last_commit_at
FROM employees e
JOIN commits c ON lower(c.author_email) = lower(e.email)
    OR (e.github_username IS NOT NULL AND c.author_login = e.github_username)
JOIN repositories r ON r.id = c.repository_id
WHERE e.id = $1
GROUP BY r.id`, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var activity []model.RepoActivity
	for rows.Next() {
		var a model.RepoActivity
		var langs []byte
		if err := rows.Scan(&a.Repository.ID, &a.Repository.GithubRepoID, &a.Repository.CompanyID,
			&a.Repository.Owner, &a.Repository.Name, &a.Repository.Language, &langs, &a.Repository.Frameworks,
			&a.Repository.TotalCommits, &a.EmployeeCommits, &a.LastCommitAt); err != nil {
			return nil, err
		}
		if len(langs) > 0 {
			if err := json.Unmarshal(langs, &a.Repository.Languages); err != nil {
				return nil, err
			}
		}
		activity = append(activity, a)
	}
	return activity, rows.Err()
}

// Ping verifies the connection pool is usable within the deadline.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}
