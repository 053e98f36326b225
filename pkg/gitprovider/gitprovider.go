// Package gitprovider defines the git hosting operations the orchestrator
// needs when publishing task results.
package gitprovider

import "context"

// PROptions configures a new pull request.
type PROptions struct {
	Repo   string // "owner/repo"
	Branch string // source branch
	Base   string // target branch (default: "main")
	Title  string
	Body   string
}

// Provider is the interface for git hosting operations.
type Provider interface {
	CreatePR(ctx context.Context, opts PROptions) (url string, number int, err error)
	GetDefaultBranch(ctx context.Context, repo string) (string, error)
}
