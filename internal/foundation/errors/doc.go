// Package errors provides the classified error type used across repobuilder.
//
// A ClassifiedError carries a category (ledger, publish, build, git, ...),
// a severity, a retry hint and structured context. Errors are created with
// the fluent ErrorBuilder:
//
//	err := errors.WrapError(cause, errors.CategoryPublish, "promotion failed").
//		WithContext("name", "current-passed-ci").
//		Build()
//
// CLIErrorAdapter maps classified errors to process exit codes and
// HTTPErrorAdapter maps them to HTTP status codes for the API server.
package errors
