// Package metrics provides the observability hooks of a repobuilder process.
//
// Components receive a Recorder through their constructor options and call
// it unconditionally. NoopRecorder is the default, so a process without a
// metrics listener pays nothing:
//
//	proc := processor.New(store, layout, cfg, processor.WithRecorder(metrics.NoopRecorder{}))
//
// When the daemon serves /metrics it builds a PrometheusRecorder on a private
// registry and hands the same registry to HTTPHandler.
package metrics
