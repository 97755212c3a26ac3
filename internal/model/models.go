// internal/model/models.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// ScopeType identifies what kind of external credential a sync scope uses.
type ScopeType string

const (
	ScopeInstallation ScopeType = "installation" // organization-wide app install
	ScopeDelegated    ScopeType = "delegated"    // per-employee OAuth token
)

// Connection is the stored credential link between a company (or employee)
// and the external platform.
type Connection struct {
	ID             uuid.UUID
	CompanyID      uuid.UUID
	ScopeType      ScopeType
	InstallationID int64
	AccountLogin   string
	AccessToken    string
	Status         string // active, suspended, deleted
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Company is the owning organization for repositories and employees.
type Company struct {
	ID          uuid.UUID
	Name        string
	GithubLogin string
	CreatedAt   time.Time
}

// Repository represents the metadata of an external repository.
// Repositories are always owned by a company; per-employee views derive
// from the RepositoryEmployee association.
type Repository struct {
	ID            int64
	GithubRepoID  int64 `json:"github_repo_id"`
	CompanyID     uuid.UUID
	Owner         string
	Name          string
	Private       bool
	DefaultBranch string
	Language      string
	Languages     map[string]int64 // bytes per language
	Frameworks    []string
	StarsCount    int
	ForksCount    int
	TotalCommits  int
	PushedAt      time.Time
	LastSyncedAt  time.Time
	DBCreatedAt   time.Time
	DBUpdatedAt   time.Time
}

func (r Repository) FullName() string { return r.Owner + "/" + r.Name }

// Commit is unique per (RepositoryID, SHA); redelivery must never duplicate.
type Commit struct {
	SHA          string
	RepositoryID int64
	AuthorName   string
	AuthorEmail  string
	AuthorLogin  string
	Message      string
	AuthoredAt   time.Time
	CommittedAt  time.Time
	Additions    int
	Deletions    int
	FilesChanged int
	ParentSHAs   []string
	DBCreatedAt  time.Time
}

// Employee is an internal identity from the employee registry.
type Employee struct {
	ID             uuid.UUID
	CompanyID      uuid.UUID
	Email          string
	FirstName      string
	LastName       string
	GithubUsername string
	// Confidence and Method describe how the github link was discovered.
	Confidence float64
	Method     string
	CreatedAt  time.Time
}

// MatchMethod values, ordered informally by trust.
const (
	MethodEmail       = "email"
	MethodName        = "name"
	MethodCommitEmail = "commit_email"
	MethodManual      = "manual"
)

// OrganizationMember is a snapshot of an external account observed during a
// discovery scan. It persists independently of Employee so unresolved
// identities stay visible for manual review.
type OrganizationMember struct {
	ID           uuid.UUID
	CompanyID    uuid.UUID
	GithubUserID int64
	Login        string
	Email        string
	DisplayName  string
	AvatarURL    string
	EmployeeID   uuid.NullUUID
	Confidence   float64
	Method       string
	MatchedAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MatchResult is the outcome of one identity-resolution attempt.
type MatchResult struct {
	EmployeeID uuid.UUID
	Confidence float64
	Method     string
	Matched    bool
}

// SkillLevel is an ordered proficiency scale.
type SkillLevel string

const (
	LevelBeginner     SkillLevel = "beginner"
	LevelIntermediate SkillLevel = "intermediate"
	LevelAdvanced     SkillLevel = "advanced"
	LevelExpert       SkillLevel = "expert"
)

var levelRank = map[SkillLevel]int{
	LevelBeginner:     0,
	LevelIntermediate: 1,
	LevelAdvanced:     2,
	LevelExpert:       3,
}

// Rank returns the ordinal position of the level (Beginner == 0).
func (l SkillLevel) Rank() int { return levelRank[l] }

// Skill taxonomy categories.
const (
	CategoryLanguage  = "Programming Language"
	CategoryFramework = "Framework"
)

type Skill struct {
	ID       uuid.UUID
	Name     string
	Category string
}

// SkillRecord is a snapshot of current understanding for one
// (employee, skill) pair; inference fully recomputes it every pass.
type SkillRecord struct {
	ID          uuid.UUID
	EmployeeID  uuid.UUID
	SkillID     uuid.UUID
	Level       SkillLevel
	Confidence  float64 // in [0,1]
	LinesOfCode int64   // proportional proxy, not a measurement
	RepoCount   int
	CommitCount int
	LastUsedAt  time.Time
	Source      string // "auto" or "manual"
	Detail      string
	UpdatedAt   time.Time
}

const (
	SourceAuto   = "auto"
	SourceManual = "manual"
)

// WebhookEvent processing states.
const (
	EventPending   = "pending"
	EventProcessed = "processed"
	EventFailed    = "failed"
)

// WebhookEvent is one received delivery; DeliveryID is the idempotency key.
type WebhookEvent struct {
	ID          uuid.UUID
	DeliveryID  string
	EventType   string
	Action      string
	Payload     []byte
	Status      string
	RetryCount  int
	Error       string
	ProcessedAt time.Time
	CreatedAt   time.Time
}

// RepoActivity aggregates one employee's footprint in one repository,
// the input row for proportional skill attribution.
type RepoActivity struct {
	Repository      Repository
	EmployeeCommits int
	LastCommitAt    time.Time
}

// ContributionRatio is the fraction of the repository's commits attributable
// to the employee, used to proportionally allocate language bytes.
func (a RepoActivity) ContributionRatio() float64 {
	if a.Repository.TotalCommits <= 0 {
		return 0
	}
	ratio := float64(a.EmployeeCommits) / float64(a.Repository.TotalCommits)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// SyncMode selects how much work a sync run may do.
type SyncMode string

const (
	SyncQuick SyncMode = "quick"
	SyncFull  SyncMode = "full"
)

// RepoSyncDetail reports the per-repository outcome of a sync run.
type RepoSyncDetail struct {
	FullName   string   `json:"full_name"`
	Commits    int      `json:"commits"`
	Languages  []string `json:"languages"`
	Frameworks []string `json:"frameworks"`
	Error      string   `json:"error,omitempty"`
}

// SyncReport aggregates run-level counters for a sync run.
type SyncReport struct {
	Mode         SyncMode         `json:"mode"`
	Repositories int              `json:"repositories"`
	Commits      int              `json:"commits"`
	PullRequests int              `json:"pull_requests"`
	Languages    int              `json:"languages"`
	Frameworks   int              `json:"frameworks"`
	Skipped      int              `json:"skipped"`
	Details      []RepoSyncDetail `json:"details"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
}
