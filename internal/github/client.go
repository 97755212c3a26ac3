// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github.com/Smeet23/WorkLedger-sub001/internal/apperr"
	"github.com/Smeet23/WorkLedger-sub001/internal/model"
)

// Client is a wrapper around the go-github client. All listing calls are
// page-wise: the caller supplies the page number and decides when to stop,
// so pagination termination and rate-limit pacing stay with the orchestrator.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:     github.NewClient(tc),
		logger: logger,
	}
}

// OverrideBaseURL points the client at an alternate API root, keeping the
// configured transport and credentials. Used in tests.
func (c *Client) OverrideBaseURL(url string) error {
	ghc, err := c.gh.WithEnterpriseURLs(url, url)
	if err != nil {
		return err
	}
	c.gh = ghc
	return nil
}

// ListOrgRepositories fetches one page of an organization's repositories.
func (c *Client) ListOrgRepositories(ctx context.Context, org string, page, perPage int) ([]model.Repository, error) {
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	}
	repos, _, err := c.gh.Repositories.ListByOrg(ctx, org, opts)
	if err != nil {
		return nil, translate("list org repositories", err)
	}
	out := make([]model.Repository, 0, len(repos))
	for _, r := range repos {
		out = append(out, toInternalRepository(r))
	}
	return out, nil
}

// ListUserRepositories fetches one page of repositories the authenticated
// user owns, collaborates on, or reaches through organization membership.
func (c *Client) ListUserRepositories(ctx context.Context, page, perPage int) ([]model.Repository, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Affiliation: "owner,collaborator,organization_member",
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	}
	repos, _, err := c.gh.Repositories.ListByAuthenticatedUser(ctx, opts)
	if err != nil {
		return nil, translate("list user repositories", err)
	}
	out := make([]model.Repository, 0, len(repos))
	for _, r := range repos {
		out = append(out, toInternalRepository(r))
	}
	return out, nil
}

// SearchContributedRepositories fetches one page of repositories the login
// has contributed to, via the search API.
func (c *Client) SearchContributedRepositories(ctx context.Context, login string, page, perPage int) ([]model.Repository, error) {
	opts := &github.SearchOptions{
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	}
	result, _, err := c.gh.Search.Repositories(ctx, fmt.Sprintf("user:%s", login), opts)
	if err != nil {
		return nil, translate("search contributed repositories", err)
	}
	out := make([]model.Repository, 0, len(result.Repositories))
	for _, r := range result.Repositories {
		out = append(out, toInternalRepository(r))
	}
	return out, nil
}

// ListCommits fetches one page of commits for a repository. Diff stats are
// not populated here; GetCommit fetches them per SHA.
func (c *Client) ListCommits(ctx context.Context, owner, name string, since time.Time, page, perPage int) ([]model.Commit, error) {
	opts := &github.CommitsListOptions{
		Since:       since,
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	}
	c.logger.Debug("Fetching commits page", "owner", owner, "repo", name, "page", page)
	commits, _, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
	if err != nil {
		return nil, translate("list commits", err)
	}
	out := make([]model.Commit, 0, len(commits))
	for _, commit := range commits {
		out = append(out, toInternalCommit(commit))
	}
	return out, nil
}

// GetCommit fetches a single commit with full diff stats.
func (c *Client) GetCommit(ctx context.Context, owner, name, sha string) (model.Commit, error) {
	commit, _, err := c.gh.Repositories.GetCommit(ctx, owner, name, sha, nil)
	if err != nil {
		return model.Commit{}, translate("get commit", err)
	}
	mc := toInternalCommit(commit)
	mc.Additions = commit.GetStats().GetAdditions()
	mc.Deletions = commit.GetStats().GetDeletions()
	mc.FilesChanged = len(commit.Files)
	return mc, nil
}

// ListLanguages fetches the byte-count histogram per language.
func (c *Client) ListLanguages(ctx context.Context, owner, name string) (map[string]int64, error) {
	langs, _, err := c.gh.Repositories.ListLanguages(ctx, owner, name)
	if err != nil {
		return nil, translate("list languages", err)
	}
	out := make(map[string]int64, len(langs))
	for lang, bytes := range langs {
		out[lang] = int64(bytes)
	}
	return out, nil
}

// GetFileContent fetches and decodes a file from the repository's default
// branch. Returns a NotFoundError when the path does not exist.
func (c *Client) GetFileContent(ctx context.Context, owner, name, path string) (string, error) {
	file, _, _, err := c.gh.Repositories.GetContents(ctx, owner, name, path, nil)
	if err != nil {
		return "", translate("get file content", err)
	}
	if file == nil {
		return "", &apperr.NotFoundError{Resource: "file", Key: path}
	}
	content, err := file.GetContent()
	if err != nil {
		return "", &apperr.ExternalServiceError{Op: "decode file content", Err: err}
	}
	return content, nil
}

// CountPullRequests returns the total number of pull requests ever opened
// against the repository, via the search API's total count.
func (c *Client) CountPullRequests(ctx context.Context, owner, name string) (int, error) {
	opts := &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 1}}
	result, _, err := c.gh.Search.Issues(ctx, fmt.Sprintf("repo:%s/%s type:pr", owner, name), opts)
	if err != nil {
		return 0, translate("count pull requests", err)
	}
	return result.GetTotal(), nil
}

// ListOrgMembers fetches one page of an organization's members.
func (c *Client) ListOrgMembers(ctx context.Context, org string, page, perPage int) ([]model.OrganizationMember, error) {
	opts := &github.ListMembersOptions{
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	}
	users, _, err := c.gh.Organizations.ListMembers(ctx, org, opts)
	if err != nil {
		return nil, translate("list org members", err)
	}
	out := make([]model.OrganizationMember, 0, len(users))
	for _, u := range users {
		out = append(out, model.OrganizationMember{
			GithubUserID: u.GetID(),
			Login:        u.GetLogin(),
			Email:        u.GetEmail(),
			DisplayName:  u.GetName(),
			AvatarURL:    u.GetAvatarURL(),
		})
	}
	return out, nil
}

// GetUser fetches the public profile for a login, which carries the email
// and display name the members listing often omits.
func (c *Client) GetUser(ctx context.Context, login string) (model.OrganizationMember, error) {
	u, _, err := c.gh.Users.Get(ctx, login)
	if err != nil {
		return model.OrganizationMember{}, translate("get user", err)
	}
	return model.OrganizationMember{
		GithubUserID: u.GetID(),
		Login:        u.GetLogin(),
		Email:        u.GetEmail(),
		DisplayName:  u.GetName(),
		AvatarURL:    u.GetAvatarURL(),
	}, nil
}

// translate converts go-github errors into the typed taxonomy. Rate-limit
// responses become retryable errors carrying the platform's own reset signal.
func translate(op string, err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		retryAfter := time.Until(rateErr.Rate.Reset.Time)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &apperr.RateLimitError{RetryAfter: retryAfter}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		retryAfter := time.Minute
		if abuseErr.RetryAfter != nil {
			retryAfter = *abuseErr.RetryAfter
		}
		return &apperr.RateLimitError{RetryAfter: retryAfter}
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusNotFound:
			return &apperr.NotFoundError{Resource: "platform resource", Key: op}
		case http.StatusUnauthorized:
			return &apperr.AuthenticationError{Reason: "platform rejected credential"}
		}
	}
	return &apperr.ExternalServiceError{Op: op, Err: err}
}

// toInternalRepository translates a github.Repository object to our internal model.Repository.
func toInternalRepository(r *github.Repository) model.Repository {
	return model.Repository{
		GithubRepoID:  r.GetID(),
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		Private:       r.GetPrivate(),
		DefaultBranch: r.GetDefaultBranch(),
		Language:      r.GetLanguage(),
		StarsCount:    r.GetStargazersCount(),
		ForksCount:    r.GetForksCount(),
		PushedAt:      r.GetPushedAt().Time,
	}
}

// toInternalCommit translates a github.RepositoryCommit object to our internal model.Commit.
func toInternalCommit(c *github.RepositoryCommit) model.Commit {
	parents := make([]string, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, p.GetSHA())
	}
	return model.Commit{
		SHA:         c.GetSHA(),
		AuthorName:  c.GetCommit().GetAuthor().GetName(),
		AuthorEmail: c.GetCommit().GetAuthor().GetEmail(),
		AuthorLogin: c.GetAuthor().GetLogin(),
		Message:     c.GetCommit().GetMessage(),
		AuthoredAt:  c.GetCommit().GetAuthor().GetDate().Time,
		CommittedAt: c.GetCommit().GetCommitter().GetDate().Time,
		ParentSHAs:  parents,
	}
}
