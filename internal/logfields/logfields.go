package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID        = "run_id"
	KeyProject      = "project"
	KeyCommitID     = "commit_id"
	KeyCommitHash   = "commit_hash"
	KeyDistroHash   = "distro_hash"
	KeyExtendedHash = "extended_hash"
	KeyStatus       = "status"
	KeyComponent    = "component"
	KeyPromotion    = "promotion"
	KeyWorker       = "worker"
	KeyDriver       = "driver"
	KeyPath         = "path"
	KeyURL          = "url"
	KeyCount        = "count"
	KeyDurationMS   = "duration_ms"
	KeyError        = "error"
	KeyJob          = "job"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Project(name string) slog.Attr   { return slog.String(KeyProject, name) }
func CommitID(id int64) slog.Attr     { return slog.Int64(KeyCommitID, id) }
func CommitHash(h string) slog.Attr   { return slog.String(KeyCommitHash, h) }
func DistroHash(h string) slog.Attr   { return slog.String(KeyDistroHash, h) }
func ExtendedHash(h string) slog.Attr { return slog.String(KeyExtendedHash, h) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Component(c string) slog.Attr    { return slog.String(KeyComponent, c) }
func Promotion(name string) slog.Attr { return slog.String(KeyPromotion, name) }
func Worker(id string) slog.Attr      { return slog.String(KeyWorker, id) }
func Driver(name string) slog.Attr    { return slog.String(KeyDriver, name) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Count(n int) slog.Attr           { return slog.Int(KeyCount, n) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Job(name string) slog.Attr       { return slog.String(KeyJob, name) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Commit groups the identity of one build attempt.
func Commit(project, commitHash, distroHash string) slog.Attr {
	return slog.Group("commit",
		slog.String(KeyProject, project),
		slog.String(KeyCommitHash, commitHash),
		slog.String(KeyDistroHash, distroHash),
	)
}
