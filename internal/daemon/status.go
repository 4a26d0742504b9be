package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/repobuilder/internal/scheduler"
)

// BuildSummary describes the last periodic build pass.
type BuildSummary struct {
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"duration_ns"`
	Report   *scheduler.Report `json:"report,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// PurgeSummary describes the last purge run.
type PurgeSummary struct {
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration_ns"`
	Purged     int           `json:"purged"`
	Aggregates int           `json:"aggregates"`
	Error      string        `json:"error,omitempty"`
}

// StatusInfo is served on /status.
type StatusInfo struct {
	Status     Status               `json:"status"`
	StartTime  time.Time            `json:"start_time"`
	Uptime     string               `json:"uptime"`
	ConfigFile string               `json:"config_file,omitempty"`
	NextRuns   map[string]time.Time `json:"next_runs,omitempty"`
	LastBuild  *BuildSummary        `json:"last_build,omitempty"`
	LastPurge  *PurgeSummary        `json:"last_purge,omitempty"`
	Listeners  int                  `json:"event_listeners"`
}

// StatusInfo returns a snapshot of the daemon state.
func (d *Daemon) StatusInfo() StatusInfo {
	info := StatusInfo{
		Status:     d.GetStatus(),
		StartTime:  d.startTime,
		ConfigFile: d.configPath,
		LastBuild:  d.lastBuild.Load(),
		LastPurge:  d.lastPurge.Load(),
		Listeners:  d.stream.SubscriberCount(),
	}
	if !d.startTime.IsZero() {
		info.Uptime = time.Since(d.startTime).Round(time.Second).String()
	}
	d.mu.RLock()
	for name, id := range d.jobs {
		if next, ok := d.scheduler.NextRun(id); ok {
			if info.NextRuns == nil {
				info.NextRuns = map[string]time.Time{}
			}
			info.NextRuns[name] = next
		}
	}
	d.mu.RUnlock()
	return info
}

// router serves /status itself and hands everything else to the API of the
// active runtime, which changes on reload.
func (d *Daemon) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", d.handleStatus)
	r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		d.handler.Load().(http.Handler).ServeHTTP(w, req)
	}))
	return r
}

func (d *Daemon) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(d.StatusInfo())
}
