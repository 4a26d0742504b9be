package metrics

import "time"

// ResultLabel enumerates fetch result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailed  ResultLabel = "failed"
)

// Recorder defines observability hooks for build passes. Implementations may
// forward to Prometheus or any other backend. Callers hold a Recorder value
// and never nil-check it; NoopRecorder is the default.
type Recorder interface {
	ObserveBuildDuration(d time.Duration)
	IncBuildOutcome(status string) // status: SUCCESS|FAILED|RETRY
	IncRetry(project string)
	IncPromotion(name string)
	AddPurged(n int)
	IncSkipped(project string)
	ObserveFetchDuration(d time.Duration, result ResultLabel)
	SetQueueDepth(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveBuildDuration(time.Duration)              {}
func (NoopRecorder) IncBuildOutcome(string)                          {}
func (NoopRecorder) IncRetry(string)                                 {}
func (NoopRecorder) IncPromotion(string)                             {}
func (NoopRecorder) AddPurged(int)                                   {}
func (NoopRecorder) IncSkipped(string)                               {}
func (NoopRecorder) ObserveFetchDuration(time.Duration, ResultLabel) {}
func (NoopRecorder) SetQueueDepth(int)                               {}
