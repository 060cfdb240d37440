package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/config"
	"github.com/goliatone/go-ossa/telemetry"
)

var version = "dev"

type Globals struct {
	Config    string `help:"Path to a YAML config file." type:"path" env:"OSSA_CONFIG"`
	LogLevel  string `name:"log-level" help:"Override the configured log level."`
	Telemetry bool   `help:"Enable OpenTelemetry export."`
}

type CLI struct {
	Globals

	Validate ValidateCmd `cmd:"" help:"Validate workflow definitions."`
	Run      RunCmd      `cmd:"" help:"Run a workflow against the built-in demo agents."`
	Manifest ManifestCmd `cmd:"" help:"Validate a channel manifest."`
	Ping     PingCmd     `cmd:"" help:"Round-trip commands and events over an in-process broker."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

// app carries what every subcommand needs.
type app struct {
	cfg      config.Config
	logger   ossa.Logger
	out      io.Writer
	shutdown telemetry.ShutdownFunc
}

func newApp(g Globals, out, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.Telemetry {
		cfg.Telemetry.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	shutdown, err := telemetry.InitWithConfig(cfg.Telemetry.ServiceName, version, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		Writer:       logOut,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   cfg.Logger(logOut),
		out:      out,
		shutdown: shutdown,
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown: %v", err)
	}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("ossa"),
		kong.Description("Reliable asynchronous coordination for agent workflows."),
		kong.UsageOnError(),
	)

	a, err := newApp(cli.Globals, os.Stdout, os.Stderr)
	ctx.FatalIfErrorf(err)

	err = ctx.Run(a)
	a.close()
	ctx.FatalIfErrorf(err)
}
