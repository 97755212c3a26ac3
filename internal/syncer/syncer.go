// internal/syncer/syncer.go
package syncer

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Smeet23/WorkLedger-sub001/internal/model"
)

// Platform is the slice of the platform client the orchestrator drives.
// Every listing call is page-wise; a page shorter than the requested size
// is the end-of-list signal.
type Platform interface {
	ListOrgRepositories(ctx context.Context, org string, page, perPage int) ([]model.Repository, error)
	ListUserRepositories(ctx context.Context, page, perPage int) ([]model.Repository, error)
	SearchContributedRepositories(ctx context.Context, login string, page, perPage int) ([]model.Repository, error)
	ListCommits(ctx context.Context, owner, name string, since time.Time, page, perPage int) ([]model.Commit, error)
	GetCommit(ctx context.Context, owner, name, sha string) (model.Commit, error)
	ListLanguages(ctx context.Context, owner, name string) (map[string]int64, error)
	DetectFrameworks(ctx context.Context, owner, name string) ([]string, error)
	CountPullRequests(ctx context.Context, owner, name string) (int, error)
	ListOrgMembers(ctx context.Context, org string, page, perPage int) ([]model.OrganizationMember, error)
	GetUser(ctx context.Context, login string) (model.OrganizationMember, error)
}

// ClientFactory issues an authenticated platform client scoped per run.
type ClientFactory func(ctx context.Context, scopeID uuid.UUID, scopeType model.ScopeType) (Platform, model.Connection, error)

// SyncStore is the slice of Storage the orchestrator writes to.
type SyncStore interface {
	GetCompany(ctx context.Context, id uuid.UUID) (model.Company, error)
	UpsertRepository(ctx context.Context, r model.Repository) (model.Repository, error)
	UpsertCommit(ctx context.Context, c model.Commit) (bool, error)
	RecomputeRepositoryCommitTotal(ctx context.Context, repositoryID int64) (int, error)
	UpsertOrganizationMember(ctx context.Context, m model.OrganizationMember) (model.OrganizationMember, error)
	LinkRepositoryEmployee(ctx context.Context, repositoryID int64, employeeID uuid.UUID) error
	ListLinkedEmployees(ctx context.Context, companyID uuid.UUID) ([]model.Employee, error)
}

// Resolver runs identity resolution for a discovered member.
type Resolver interface {
	Match(ctx context.Context, companyID uuid.UUID, member model.OrganizationMember) (model.MatchResult, error)
}

// Enqueuer schedules deferred skill inference.
type Enqueuer interface {
	EnqueueInference(companyID, employeeID uuid.UUID)
}

// Options bound the work a run may do.
type Options struct {
	PageSize        int
	QuickMaxRepos   int
	QuickMaxCommits int
	QuickLookback   time.Duration
	StatPrefix      int
	PauseEveryPages int
	PauseDuration   time.Duration
}

// Syncer orchestrates full and quick synchronization runs. Work is strictly
// sequential: one repository, one page, one commit at a time, so the run
// stays within the platform's rate-limit budget.
type Syncer struct {
	store    SyncStore
	clients  ClientFactory
	resolver Resolver
	queue    Enqueuer
	opts     Options
	logger   *slog.Logger
	pause    func(time.Duration)
}

func NewSyncer(store SyncStore, clients ClientFactory, resolver Resolver, queue Enqueuer, opts Options, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:    store,
		clients:  clients,
		resolver: resolver,
		queue:    queue,
		opts:     opts,
		logger:   logger,
		pause:    time.Sleep,
	}
}

// RunSync synchronizes one company scope. A structural failure (credential,
// repository enumeration) aborts the run; per-repository and per-commit
// failures are logged and skipped. The integration is read-only: the run
// never mutates the platform.
func (s *Syncer) RunSync(ctx context.Context, companyID uuid.UUID, mode model.SyncMode) (*model.SyncReport, error) {
	logger := s.logger.With("company_id", companyID, "mode", mode)
	logger.Info("Starting sync run")

	report := &model.SyncReport{Mode: mode, StartedAt: time.Now()}

	company, err := s.store.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	client, conn, err := s.clients(ctx, companyID, model.ScopeInstallation)
	if err != nil {
		return nil, err
	}
	orgLogin := company.GithubLogin
	if orgLogin == "" {
		orgLogin = conn.AccountLogin
	}

	repos, err := s.enumerateRepositories(ctx, client, orgLogin, mode)
	if err != nil {
		// No further progress is possible without the repository list.
		return nil, err
	}
	logger.Info("Repository enumeration complete", "count", len(repos))

	languages := make(map[string]bool)
	frameworks := make(map[string]bool)
	for _, repo := range repos {
		detail := s.syncRepository(ctx, client, companyID, repo, mode)
		report.Details = append(report.Details, detail)
		if detail.Error != "" {
			report.Skipped++
			continue
		}
		report.Repositories++
		report.Commits += detail.Commits
		for _, l := range detail.Languages {
			languages[l] = true
		}
		for _, f := range detail.Frameworks {
			frameworks[f] = true
		}
		prs, err := client.CountPullRequests(ctx, repo.Owner, repo.Name)
		if err != nil {
			logger.Warn("Pull request count failed, skipping", "repo", repo.FullName(), "error", err)
		} else {
			report.PullRequests += prs
		}
	}
	report.Languages = len(languages)
	report.Frameworks = len(frameworks)

	s.discoverMembers(ctx, client, companyID, orgLogin)

	// Inference runs off the sync path; the worker drains the queue.
	employees, err := s.store.ListLinkedEmployees(ctx, companyID)
	if err != nil {
		logger.Error("Listing linked employees failed, skipping inference", "error", err)
	} else {
		for _, e := range employees {
			s.queue.EnqueueInference(companyID, e.ID)
		}
	}

	report.FinishedAt = time.Now()
	logger.Info("Sync run finished",
		"repositories", report.Repositories, "commits", report.Commits, "skipped", report.Skipped)
	return report, nil
}

// enumerateRepositories merges the organization listing, the affiliation
// listing and the contributed-to search into one set deduplicated by
// external id, first seen wins.
func (s *Syncer) enumerateRepositories(ctx context.Context, client Platform, orgLogin string, mode model.SyncMode) ([]model.Repository, error) {
	maxRepos := 0 // unbounded
	if mode == model.SyncQuick {
		maxRepos = s.opts.QuickMaxRepos
	}

	seen := make(map[int64]bool)
	var merged []model.Repository
	add := func(repos []model.Repository) {
		for _, r := range repos {
			if seen[r.GithubRepoID] {
				continue
			}
			seen[r.GithubRepoID] = true
			merged = append(merged, r)
		}
	}

	sources := []func(page int) ([]model.Repository, error){
		func(page int) ([]model.Repository, error) {
			return client.ListOrgRepositories(ctx, orgLogin, page, s.opts.PageSize)
		},
		func(page int) ([]model.Repository, error) {
			return client.ListUserRepositories(ctx, page, s.opts.PageSize)
		},
		func(page int) ([]model.Repository, error) {
			return client.SearchContributedRepositories(ctx, orgLogin, page, s.opts.PageSize)
		},
	}

	for _, source := range sources {
		for page := 1; ; page++ {
			repos, err := source(page)
			if err != nil {
				return nil, err
			}
			add(repos)
			if len(repos) < s.opts.PageSize {
				break
			}
			if maxRepos > 0 && len(merged) >= maxRepos {
				break
			}
		}
		if maxRepos > 0 && len(merged) >= maxRepos {
			break
		}
	}

	if maxRepos > 0 && len(merged) > maxRepos {
		merged = merged[:maxRepos]
	}
	return merged, nil
}

// syncRepository upserts one repository's metadata and commits. Failures
// are folded into the returned detail; the run continues with the next one.
func (s *Syncer) syncRepository(ctx context.Context, client Platform, companyID uuid.UUID, repo model.Repository, mode model.SyncMode) model.RepoSyncDetail {
	logger := s.logger.With("repo", repo.FullName())
	detail := model.RepoSyncDetail{FullName: repo.FullName()}

	langs, err := client.ListLanguages(ctx, repo.Owner, repo.Name)
	if err != nil {
		// Language histogram is enrichment; the repository still syncs.
		logger.Warn("Language fetch failed, continuing without histogram", "error", err)
	} else {
		repo.Languages = langs
	}
	fws, err := client.DetectFrameworks(ctx, repo.Owner, repo.Name)
	if err != nil {
		logger.Warn("Framework detection failed, continuing without tags", "error", err)
	} else {
		repo.Frameworks = fws
	}

	repo.CompanyID = companyID
	stored, err := s.store.UpsertRepository(ctx, repo)
	if err != nil {
		logger.Error("Repository upsert failed, skipping", "error", err)
		detail.Error = err.Error()
		return detail
	}

	commits, err := s.syncCommits(ctx, client, stored, mode)
	if err != nil {
		logger.Error("Commit sync failed, skipping repository", "error", err)
		detail.Error = err.Error()
		return detail
	}
	detail.Commits = commits
	detail.Languages = sortedKeys(repo.Languages)
	detail.Frameworks = repo.Frameworks

	if _, err := s.store.RecomputeRepositoryCommitTotal(ctx, stored.ID); err != nil {
		logger.Error("Commit total recount failed", "error", err)
	}
	return detail
}

// syncCommits paginates commits until a short page, upserting each by
// (repository, sha). Full diff stats are fetched only for a bounded prefix
// of the first page to conserve rate-limit budget; the remainder keeps
// zeroed stats.
func (s *Syncer) syncCommits(ctx context.Context, client Platform, repo model.Repository, mode model.SyncMode) (int, error) {
	var since time.Time
	maxCommits := 0
	if mode == model.SyncQuick {
		since = time.Now().Add(-s.opts.QuickLookback)
		maxCommits = s.opts.QuickMaxCommits
	}

	processed := 0
	withStats := 0
	for page := 1; ; page++ {
		commits, err := client.ListCommits(ctx, repo.Owner, repo.Name, since, page, s.opts.PageSize)
		if err != nil {
			return processed, err
		}
		for _, commit := range commits {
			if withStats < s.opts.StatPrefix {
				detailed, err := client.GetCommit(ctx, repo.Owner, repo.Name, commit.SHA)
				if err != nil {
					s.logger.Warn("Commit detail fetch failed, storing without stats",
						"repo", repo.FullName(), "sha", commit.SHA, "error", err)
				} else {
					commit = detailed
				}
				withStats++
			}
			commit.RepositoryID = repo.ID
			if _, err := s.store.UpsertCommit(ctx, commit); err != nil {
				s.logger.Error("Commit upsert failed, skipping",
					"repo", repo.FullName(), "sha", commit.SHA, "error", err)
				continue
			}
			processed++
			if maxCommits > 0 && processed >= maxCommits {
				return processed, nil
			}
		}
		if len(commits) < s.opts.PageSize {
			break
		}
		if mode == model.SyncFull && s.opts.PauseEveryPages > 0 && page%s.opts.PauseEveryPages == 0 {
			// Cooperative pause to respect rate limits during long runs.
			s.pause(s.opts.PauseDuration)
		}
	}
	return processed, nil
}

// discoverMembers scans the organization roster, refreshes member snapshots
// and runs identity resolution for each. Scan failures never fail the run.
func (s *Syncer) discoverMembers(ctx context.Context, client Platform, companyID uuid.UUID, orgLogin string) {
	for page := 1; ; page++ {
		members, err := client.ListOrgMembers(ctx, orgLogin, page, s.opts.PageSize)
		if err != nil {
			s.logger.Warn("Member discovery failed, continuing without rescan", "error", err)
			return
		}
		for _, member := range members {
			member.ID = uuid.New()
			member.CompanyID = companyID
			s.enrichMember(ctx, client, &member)
			stored, err := s.store.UpsertOrganizationMember(ctx, member)
			if err != nil {
				s.logger.Error("Member upsert failed, skipping", "login", member.Login, "error", err)
				continue
			}
			if _, err := s.resolver.Match(ctx, companyID, stored); err != nil {
				s.logger.Error("Identity resolution failed, skipping", "login", member.Login, "error", err)
			}
		}
		if len(members) < s.opts.PageSize {
			return
		}
	}
}

// enrichMember fills email and display name from the public profile. The
// members listing omits both, and without them identity resolution could never
// get past the commit-email strategy. Profile failures keep the bare snapshot.
func (s *Syncer) enrichMember(ctx context.Context, client Platform, member *model.OrganizationMember) {
	if member.Email != "" && member.DisplayName != "" {
		return
	}
	profile, err := client.GetUser(ctx, member.Login)
	if err != nil {
		s.logger.Warn("Profile fetch failed, keeping bare snapshot", "login", member.Login, "error", err)
		return
	}
	if member.Email == "" {
		member.Email = profile.Email
	}
	if member.DisplayName == "" {
		member.DisplayName = profile.DisplayName
	}
	if member.AvatarURL == "" {
		member.AvatarURL = profile.AvatarURL
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
