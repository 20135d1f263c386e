package github

import (
	"context"
	"fmt"
	"time"

	gogithub "github.com/google/go-github/v60/github"

	ferrors "github.com/foremanhq/foreman/internal/errors"
)

// WorkItem is an open backlog issue with its declared dependencies.
type WorkItem struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	DependsOn []int  `json:"depends_on,omitempty"`
}

// ListOpenItems returns all open issues of a repository, with
// dependencies parsed from each body. Pull requests are excluded.
// Order follows the API listing.
func (c *Client) ListOpenItems(ctx context.Context, owner, repo string) ([]WorkItem, error) {
	gh, err := c.api(ctx)
	if err != nil {
		return nil, err
	}

	opts := &gogithub.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var items []WorkItem
	for {
		issues, resp, err := gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, wrapAPIError("listing open issues", resp, err)
		}
		for _, is := range issues {
			if is.IsPullRequest() {
				continue
			}
			item := WorkItem{
				Number:    is.GetNumber(),
				Title:     is.GetTitle(),
				DependsOn: ParseDependsOn(is.GetBody()),
			}
			c.titles.Add(titleKey(owner, repo, item.Number), item.Title)
			items = append(items, item)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return items, nil
}

// ResolvedSince returns the numbers of issues closed at or after the
// given time. Pull requests are excluded.
func (c *Client) ResolvedSince(ctx context.Context, owner, repo string, since time.Time) ([]int, error) {
	gh, err := c.api(ctx)
	if err != nil {
		return nil, err
	}

	opts := &gogithub.IssueListByRepoOptions{
		State:       "closed",
		Since:       since,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var numbers []int
	for {
		issues, resp, err := gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, wrapAPIError("listing closed issues", resp, err)
		}
		for _, is := range issues {
			if is.IsPullRequest() {
				continue
			}
			if is.ClosedAt != nil && is.GetClosedAt().Before(since) {
				continue
			}
			numbers = append(numbers, is.GetNumber())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return numbers, nil
}

// Title returns an issue title, served from the LRU cache when the
// issue was seen in a recent listing.
func (c *Client) Title(ctx context.Context, owner, repo string, number int) (string, error) {
	key := titleKey(owner, repo, number)
	if title, ok := c.titles.Get(key); ok {
		return title, nil
	}

	gh, err := c.api(ctx)
	if err != nil {
		return "", err
	}
	is, resp, err := gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return "", wrapAPIError("fetching issue", resp, err)
	}
	title := is.GetTitle()
	c.titles.Add(key, title)
	return title, nil
}

func titleKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

func wrapAPIError(op string, resp *gogithub.Response, err error) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return &ferrors.APIError{
		Service:    "github",
		StatusCode: status,
		Message:    op,
		Err:        err,
	}
}
