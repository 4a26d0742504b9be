// Package git keeps local checkouts of source and packaging repositories in
// sync with their remotes and reads commit history from them.
//
// It covers:
//   - cloning and refreshing a branch (fetch plus hard reset to the remote tip)
//   - falling back to a default branch when the configured one is missing
//   - first-parent history since a timestamp, oldest first
//   - SSH, token and basic authentication
//   - classification of go-git failures into retryable and permanent errors
package git
