// internal/syncer/syncer_test.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Smeet23/WorkLedger-sub001/internal/model"
)

// MockSyncStore is a mock of the SyncStore interface.
type MockSyncStore struct {
	mock.Mock
}

func (m *MockSyncStore) GetCompany(ctx context.Context, id uuid.UUID) (model.Company, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Company), args.Error(1)
}
func (m *MockSyncStore) UpsertRepository(ctx context.Context, r model.Repository) (model.Repository, error) {
	args := m.Called(ctx, r)
	return args.Get(0).(model.Repository), args.Error(1)
}
func (m *MockSyncStore) UpsertCommit(ctx context.Context, c model.Commit) (bool, error) {
	args := m.Called(ctx, c)
	return args.Bool(0), args.Error(1)
}
func (m *MockSyncStore) RecomputeRepositoryCommitTotal(ctx context.Context, repositoryID int64) (int, error) {
	args := m.Called(ctx, repositoryID)
	return args.Int(0), args.Error(1)
}
func (m *MockSyncStore) UpsertOrganizationMember(ctx context.Context, om model.OrganizationMember) (model.OrganizationMember, error) {
	args := m.Called(ctx, om)
	return args.Get(0).(model.OrganizationMember), args.Error(1)
}
func (m *MockSyncStore) LinkRepositoryEmployee(ctx context.Context, repositoryID int64, employeeID uuid.UUID) error {
	args := m.Called(ctx, repositoryID, employeeID)
	return args.Error(0)
}
func (m *MockSyncStore) ListLinkedEmployees(ctx context.Context, companyID uuid.UUID) ([]model.Employee, error) {
	args := m.Called(ctx, companyID)
	return args.Get(0).([]model.Employee), args.Error(1)
}

// stubPlatform is a configurable Platform fake. Unset hooks return empty
// results, which reads as an immediate end-of-list.
type stubPlatform struct {
	orgRepos    func(page int) ([]model.Repository, error)
	userRepos   func(page int) ([]model.Repository, error)
	contributed func(page int) ([]model.Repository, error)
	commits     func(owner, name string, page int) ([]model.Commit, error)
	languages   func(owner, name string) (map[string]int64, error)
	members     func(page int) ([]model.OrganizationMember, error)
	user        func(login string) (model.OrganizationMember, error)
	commitCalls int
}

func (s *stubPlatform) ListOrgRepositories(_ context.Context, _ string, page, _ int) ([]model.Repository, error) {
	if s.orgRepos == nil {
		return nil, nil
	}
	return s.orgRepos(page)
}
func (s *stubPlatform) ListUserRepositories(_ context.Context, page, _ int) ([]model.Repository, error) {
	if s.userRepos == nil {
		return nil, nil
	}
	return s.userRepos(page)
}
func (s *stubPlatform) SearchContributedRepositories(_ context.Context, _ string, page, _ int) ([]model.Repository, error) {
	if s.contributed == nil {
		return nil, nil
	}
	return s.contributed(page)
}
func (s *stubPlatform) ListCommits(_ context.Context, owner, name string, _ time.Time, page, _ int) ([]model.Commit, error) {
	s.commitCalls++
	if s.commits == nil {
		return nil, nil
	}
	return s.commits(owner, name, page)
}
func (s *stubPlatform) GetCommit(_ context.Context, _, _, sha string) (model.Commit, error) {
	return model.Commit{SHA: sha, Additions: 10, Deletions: 2, FilesChanged: 1}, nil
}
func (s *stubPlatform) ListLanguages(_ context.Context, owner, name string) (map[string]int64, error) {
	if s.languages == nil {
		return map[string]int64{"Go": 1000}, nil
	}
	return s.languages(owner, name)
}
func (s *stubPlatform) DetectFrameworks(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}
func (s *stubPlatform) CountPullRequests(_ context.Context, _, _ string) (int, error) {
	return 0, nil
}
func (s *stubPlatform) ListOrgMembers(_ context.Context, _ string, page, _ int) ([]model.OrganizationMember, error) {
	if s.members == nil {
		return nil, nil
	}
	return s.members(page)
}
func (s *stubPlatform) GetUser(_ context.Context, login string) (model.OrganizationMember, error) {
	if s.user == nil {
		return model.OrganizationMember{Login: login}, nil
	}
	return s.user(login)
}

type stubResolver struct{}

func (stubResolver) Match(_ context.Context, _ uuid.UUID, _ model.OrganizationMember) (model.MatchResult, error) {
	return model.MatchResult{}, nil
}

type stubEnqueuer struct{ calls int }

func (s *stubEnqueuer) EnqueueInference(_, _ uuid.UUID) { s.calls++ }

func makeCommits(prefix string, n int) []model.Commit {
	commits := make([]model.Commit, n)
	for i := range commits {
		commits[i] = model.Commit{SHA: fmt.Sprintf("%s-%03d", prefix, i)}
	}
	return commits
}

func newTestSyncer(store SyncStore, platform Platform, queue Enqueuer, opts Options) *Syncer {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	factory := func(_ context.Context, _ uuid.UUID, _ model.ScopeType) (Platform, model.Connection, error) {
		return platform, model.Connection{AccountLogin: "acme"}, nil
	}
	s := NewSyncer(store, factory, stubResolver{}, queue, opts, logger)
	s.pause = func(time.Duration) {} // no real sleeping in tests
	return s
}

func defaultOptions() Options {
	return Options{
		PageSize:        100,
		QuickMaxRepos:   10,
		QuickMaxCommits: 100,
		QuickLookback:   30 * 24 * time.Hour,
		StatPrefix:      0,
		PauseEveryPages: 10,
		PauseDuration:   time.Millisecond,
	}
}

func expectCompany(store *MockSyncStore, companyID uuid.UUID) {
	store.On("GetCompany", mock.Anything, companyID).
		Return(model.Company{ID: companyID, GithubLogin: "acme"}, nil).Once()
	store.On("ListLinkedEmployees", mock.Anything, companyID).
		Return([]model.Employee{}, nil).Maybe()
}

func TestSyncer_CommitPaginationTerminatesOnShortPage(t *testing.T) {
	companyID := uuid.New()
	store := new(MockSyncStore)
	expectCompany(store, companyID)

	repo := model.Repository{GithubRepoID: 7, Owner: "acme", Name: "api"}
	platform := &stubPlatform{
		orgRepos: func(page int) ([]model.Repository, error) {
			if page == 1 {
				return []model.Repository{repo}, nil
			}
			return nil, nil
		},
		commits: func(_, _ string, page int) ([]model.Commit, error) {
			switch page {
			case 1, 2:
				return makeCommits(fmt.Sprintf("p%d", page), 100), nil
			case 3:
				return makeCommits("p3", 37), nil
			default:
				t.Fatalf("page %d should never be fetched", page)
				return nil, nil
			}
		},
	}

	store.On("UpsertRepository", mock.Anything, mock.Anything).
		Return(model.Repository{ID: 1, GithubRepoID: 7, Owner: "acme", Name: "api"}, nil).Once()
	store.On("UpsertCommit", mock.Anything, mock.Anything).Return(true, nil).Times(237)
	store.On("RecomputeRepositoryCommitTotal", mock.Anything, int64(1)).Return(237, nil).Once()

	s := newTestSyncer(store, platform, &stubEnqueuer{}, defaultOptions())
	report, err := s.RunSync(context.Background(), companyID, model.SyncFull)

	require.NoError(t, err)
	assert.Equal(t, 3, platform.commitCalls, "pages [100, 100, 37] must fetch exactly 3 pages")
	assert.Equal(t, 237, report.Commits)
	store.AssertExpectations(t)
}

func TestSyncer_DeduplicatesListingSources(t *testing.T) {
	companyID := uuid.New()
	store := new(MockSyncStore)
	expectCompany(store, companyID)

	shared := model.Repository{GithubRepoID: 42, Owner: "acme", Name: "shared"}
	platform := &stubPlatform{
		orgRepos: func(page int) ([]model.Repository, error) {
			if page == 1 {
				return []model.Repository{shared}, nil
			}
			return nil, nil
		},
		contributed: func(page int) ([]model.Repository, error) {
			if page == 1 {
				return []model.Repository{shared}, nil
			}
			return nil, nil
		},
	}

	// A repository appearing in both listings upserts exactly once.
	store.On("UpsertRepository", mock.Anything, mock.MatchedBy(func(r model.Repository) bool {
		return r.GithubRepoID == 42
	})).Return(model.Repository{ID: 1, GithubRepoID: 42}, nil).Once()
	store.On("RecomputeRepositoryCommitTotal", mock.Anything, int64(1)).Return(0, nil).Once()

	s := newTestSyncer(store, platform, &stubEnqueuer{}, defaultOptions())
	report, err := s.RunSync(context.Background(), companyID, model.SyncFull)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Repositories)
	store.AssertExpectations(t)
}

func TestSyncer_PerRepositoryFailureIsIsolated(t *testing.T) {
	companyID := uuid.New()
	store := new(MockSyncStore)
	expectCompany(store, companyID)

	repos := []model.Repository{
		{GithubRepoID: 1, Owner: "acme", Name: "a"},
		{GithubRepoID: 2, Owner: "acme", Name: "b"},
		{GithubRepoID: 3, Owner: "acme", Name: "c"},
	}
	platform := &stubPlatform{
		orgRepos: func(page int) ([]model.Repository, error) {
			if page == 1 {
				return repos, nil
			}
			return nil, nil
		},
		languages: func(_, name string) (map[string]int64, error) {
			if name == "b" {
				return nil, errors.New("histogram unavailable")
			}
			return map[string]int64{"Go": 1000}, nil
		},
	}

	store.On("UpsertRepository", mock.Anything, mock.Anything).
		Return(model.Repository{}, nil).Times(3)
	store.On("RecomputeRepositoryCommitTotal", mock.Anything, mock.Anything).Return(0, nil).Times(3)

	s := newTestSyncer(store, platform, &stubEnqueuer{}, defaultOptions())
	report, err := s.RunSync(context.Background(), companyID, model.SyncFull)

	// The language-fetch failure for b degrades to a missing histogram;
	// all three repositories still sync.
	require.NoError(t, err)
	assert.Equal(t, 3, report.Repositories)
	assert.Equal(t, 0, report.Skipped)
	store.AssertExpectations(t)
}

func TestSyncer_RepositoryUpsertFailureSkipsOnlyThatRepository(t *testing.T) {
	companyID := uuid.New()
	store := new(MockSyncStore)
	expectCompany(store, companyID)

	repos := []model.Repository{
		{GithubRepoID: 1, Owner: "acme", Name: "a"},
		{GithubRepoID: 2, Owner: "acme", Name: "b"},
	}
	platform := &stubPlatform{
		orgRepos: func(page int) ([]model.Repository, error) {
			if page == 1 {
				return repos, nil
			}
			return nil, nil
		},
	}

	store.On("UpsertRepository", mock.Anything, mock.MatchedBy(func(r model.Repository) bool {
		return r.GithubRepoID == 1
	})).Return(model.Repository{}, errors.New("constraint violation")).Once()
	store.On("UpsertRepository", mock.Anything, mock.MatchedBy(func(r model.Repository) bool {
		return r.GithubRepoID == 2
	})).Return(model.Repository{ID: 2, GithubRepoID: 2}, nil).Once()
	store.On("RecomputeRepositoryCommitTotal", mock.Anything, int64(2)).Return(0, nil).Once()

	s := newTestSyncer(store, platform, &stubEnqueuer{}, defaultOptions())
	report, err := s.RunSync(context.Background(), companyID, model.SyncFull)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Repositories)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Details, 2)
	assert.NotEmpty(t, report.Details[0].Error)
	assert.Empty(t, report.Details[1].Error)
}

func TestSyncer_EnumerationFailureAbortsRun(t *testing.T) {
	companyID := uuid.New()
	store := new(MockSyncStore)
	expectCompany(store, companyID)

	platform := &stubPlatform{
		orgRepos: func(int) ([]model.Repository, error) {
			return nil, errors.New("listing unavailable")
		},
	}

	s := newTestSyncer(store, platform, &stubEnqueuer{}, defaultOptions())
	_, err := s.RunSync(context.Background(), companyID, model.SyncFull)

	require.Error(t, err)
	store.AssertNotCalled(t, "UpsertRepository")
}

func TestSyncer_QuickModeBoundsCommits(t *testing.T) {
	companyID := uuid.New()
	store := new(MockSyncStore)
	expectCompany(store, companyID)

	repo := model.Repository{GithubRepoID: 9, Owner: "acme", Name: "big"}
	platform := &stubPlatform{
		orgRepos: func(page int) ([]model.Repository, error) {
			if page == 1 {
				return []model.Repository{repo}, nil
			}
			return nil, nil
		},
		commits: func(_, _ string, page int) ([]model.Commit, error) {
			return makeCommits(fmt.Sprintf("p%d", page), 100), nil // endless full pages
		},
	}

	opts := defaultOptions()
	opts.QuickMaxCommits = 150
	store.On("UpsertRepository", mock.Anything, mock.Anything).
		Return(model.Repository{ID: 1, GithubRepoID: 9}, nil).Once()
	store.On("UpsertCommit", mock.Anything, mock.Anything).Return(true, nil).Times(150)
	store.On("RecomputeRepositoryCommitTotal", mock.Anything, int64(1)).Return(150, nil).Once()

	s := newTestSyncer(store, platform, &stubEnqueuer{}, opts)
	report, err := s.RunSync(context.Background(), companyID, model.SyncQuick)

	require.NoError(t, err)
	assert.Equal(t, 150, report.Commits)
	store.AssertExpectations(t)
}

func TestSyncer_MemberDiscoveryEnrichesFromProfile(t *testing.T) {
	companyID := uuid.New()
	store := new(MockSyncStore)
	expectCompany(store, companyID)

	// The members listing carries login and id only; emails and display names
	// come from the public profile.
	platform := &stubPlatform{
		members: func(page int) ([]model.OrganizationMember, error) {
			if page == 1 {
				return []model.OrganizationMember{
					{GithubUserID: 1, Login: "octocat"},
					{GithubUserID: 2, Login: "hubot"},
				}, nil
			}
			return nil, nil
		},
		user: func(login string) (model.OrganizationMember, error) {
			if login == "octocat" {
				return model.OrganizationMember{
					Login: "octocat", Email: "octo@corp.example", DisplayName: "Octo Cat",
				}, nil
			}
			return model.OrganizationMember{}, errors.New("profile unavailable")
		},
	}

	store.On("UpsertOrganizationMember", mock.Anything, mock.MatchedBy(func(m model.OrganizationMember) bool {
		return m.Login == "octocat" && m.Email == "octo@corp.example" && m.DisplayName == "Octo Cat"
	})).Return(model.OrganizationMember{Login: "octocat"}, nil).Once()
	// A failed profile fetch keeps the bare snapshot instead of dropping it.
	store.On("UpsertOrganizationMember", mock.Anything, mock.MatchedBy(func(m model.OrganizationMember) bool {
		return m.Login == "hubot" && m.Email == ""
	})).Return(model.OrganizationMember{Login: "hubot"}, nil).Once()

	s := newTestSyncer(store, platform, &stubEnqueuer{}, defaultOptions())
	_, err := s.RunSync(context.Background(), companyID, model.SyncFull)

	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestSyncer_EnqueuesInferenceForLinkedEmployees(t *testing.T) {
	companyID := uuid.New()
	store := new(MockSyncStore)
	store.On("GetCompany", mock.Anything, companyID).
		Return(model.Company{ID: companyID, GithubLogin: "acme"}, nil).Once()
	store.On("ListLinkedEmployees", mock.Anything, companyID).
		Return([]model.Employee{{ID: uuid.New()}, {ID: uuid.New()}}, nil).Once()

	queue := &stubEnqueuer{}
	s := newTestSyncer(store, &stubPlatform{}, queue, defaultOptions())
	_, err := s.RunSync(context.Background(), companyID, model.SyncFull)

	require.NoError(t, err)
	assert.Equal(t, 2, queue.calls)
}
