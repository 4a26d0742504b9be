package commands

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/daemon"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
	"git.home.luguber.info/inful/repobuilder/internal/metrics"
)

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct {
	HeadOnly    bool     `name:"head-only" help:"Build the most recent commit of every package only."`
	PackageName []string `name:"package-name" short:"p" help:"Build these packages only."`
	Workers     int      `help:"Override the configured number of workers."`
	Auth        bool     `help:"Require API users on mutating routes."`
	NoReload    bool     `name:"no-reload" help:"Do not reload the configuration when the file changes."`
}

func (d *DaemonCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	watchPath := root.Config
	if d.NoReload {
		watchPath = ""
	}
	dmn, err := daemon.New(g.context(), watchPath, cfg, daemon.Options{
		Build: (&BuildCmd{
			HeadOnly:    d.HeadOnly,
			PackageName: d.PackageName,
			Workers:     d.Workers,
		}).Options(),
		Recorder:       metrics.NewPrometheusRecorder(reg),
		MetricsHandler: metrics.HTTPHandler(reg),
		RequireAuth:    d.Auth,
	})
	if err != nil {
		return err
	}

	slog.Info("Starting daemon mode", logfields.Path(root.Config))
	if err := dmn.Start(g.context()); err != nil {
		return err
	}
	slog.Info("Daemon stopped successfully")
	return nil
}
