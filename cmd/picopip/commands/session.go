package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/picopip/picopip/pkg/config"
	"github.com/picopip/picopip/pkg/engine"
	"github.com/picopip/picopip/pkg/proxy"
	"github.com/picopip/picopip/pkg/stores"
	"github.com/picopip/picopip/pkg/target"
	"github.com/picopip/picopip/pkg/telemetry"
	"github.com/picopip/picopip/pkg/workspace"
)

// targetFlags select the installation target. Exactly one may be
// given; none means auto-detect.
type targetFlags struct {
	port      string
	mount     string
	dir       string
	targetDir string
}

func addTargetFlags(cmd *cobra.Command, tf *targetFlags) {
	cmd.Flags().StringVarP(&tf.port, "port", "p", "", "serial port of a MicroPython board")
	cmd.Flags().StringVarP(&tf.mount, "mount", "m", "", "mount point of a device volume")
	cmd.Flags().StringVarP(&tf.dir, "dir", "d", "", "local directory target")
	cmd.Flags().StringVarP(&tf.targetDir, "target", "t", "", "installation directory on the target (default per target kind)")
	cmd.MarkFlagsMutuallyExclusive("port", "mount", "dir")
}

// openAdapter resolves the target flags into an adapter. Without any
// flag the configured serial port wins, then auto-detection.
func openAdapter(tf targetFlags, cfg *config.Config) (target.Adapter, error) {
	switch {
	case tf.port != "":
		return target.NewSerialAdapter(tf.port)
	case tf.mount != "":
		return target.NewMountAdapter(tf.mount)
	case tf.dir != "":
		return target.NewDirAdapter(tf.dir)
	case cfg.SerialPort != "":
		return target.NewSerialAdapter(cfg.SerialPort)
	default:
		return target.Detect()
	}
}

// loadConfig loads the config file and applies the global flags on
// top, then installs logging and tracing.
func loadConfig(version string) (*config.Config, *telemetry.Tracer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if traceSpans {
		cfg.Tracing.Enabled = true
	}

	tcfg := &telemetry.Config{
		ServiceName:    "picopip",
		ServiceVersion: version,
		Logging: telemetry.LoggingConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		},
		Tracing: telemetry.TracingConfig{
			Enabled:       cfg.Tracing.Enabled,
			Exporter:      cfg.Tracing.Exporter,
			SamplingRate:  cfg.Tracing.SamplingRate,
			ExportTimeout: 30 * time.Second,
		},
	}
	if err := tcfg.Validate(); err != nil {
		return nil, nil, err
	}
	if _, err := telemetry.NewLogger(tcfg.Logging); err != nil {
		return nil, nil, err
	}
	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion)
	if err != nil {
		return nil, nil, err
	}
	return cfg, tracer, nil
}

// indexFlags select which upstream indexes the proxy consults.
type indexFlags struct {
	indexURL  string
	extras    []string
	noDefault bool
	noMpOrg   bool
	dummies   []string
}

func addIndexFlags(cmd *cobra.Command, f *indexFlags) {
	cmd.Flags().StringVarP(&f.indexURL, "index-url", "i", "", "replace the default package index")
	cmd.Flags().StringSliceVar(&f.extras, "extra-index-url", nil, "additional package indexes, consulted in order")
	cmd.Flags().BoolVar(&f.noDefault, "no-index", false, "disable the default package index")
	cmd.Flags().BoolVar(&f.noMpOrg, "no-mp-org", false, "disable the micropython.org package index")
	cmd.Flags().StringSliceVar(&f.dummies, "dummy", nil, "serve these packages as empty placeholders")
}

// buildRouteTable merges the config file and the index flags into the
// proxy route table. Flags win where both set the same scalar.
func buildRouteTable(cfg *config.Config, idx indexFlags) *proxy.RouteTable {
	indexURL := idx.indexURL
	if indexURL == "" {
		indexURL = cfg.IndexURL
	}
	return proxy.BuildRouteTable(proxy.RouteConfig{
		IndexURL:           indexURL,
		ExtraIndexURLs:     append(append([]string{}, cfg.ExtraIndexURLs...), idx.extras...),
		NoDefaultIndex:     idx.noDefault || cfg.NoDefaultIndex,
		NoMicroPythonIndex: idx.noMpOrg || cfg.NoMicroPythonIndex,
		DummyPackages:      append(append([]string{}, cfg.DummyPackages...), idx.dummies...),
		ExcludeIndex:       cfg.ExcludeIndex,
	})
}

// sessionContext bundles everything a reconciliation command needs
// and knows how to tear it down.
type sessionContext struct {
	cfg     *config.Config
	tracer  *telemetry.Tracer
	adapter target.Adapter
	ws      *workspace.Workspace
	prx     *proxy.Server
	store   *stores.SQLiteStore
	session *engine.Session
}

// openSession wires a full session: target adapter, proxy index,
// workspace, journal, and the engine on top.
func openSession(ctx context.Context, version string, tf targetFlags, idx indexFlags, compile bool) (*sessionContext, error) {
	cfg, tracer, err := loadConfig(version)
	if err != nil {
		return nil, err
	}
	sc := &sessionContext{cfg: cfg, tracer: tracer}

	sc.adapter, err = openAdapter(tf, cfg)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	log.Info().Str("target", sc.adapter.Describe()).Msg("Using target")

	sc.prx = proxy.NewServer(buildRouteTable(cfg, idx))
	if err := sc.prx.Start(); err != nil {
		sc.close(ctx)
		return nil, err
	}
	log.Debug().Str("index", sc.prx.IndexURL()).Msg("Proxy index listening")

	installer := workspace.NewPipInstaller(cfg.Python)
	sc.ws, err = workspace.Open(ctx, workspace.Config{CacheDir: cfg.CacheDir, Python: cfg.Python}, installer)
	if err != nil {
		sc.close(ctx)
		return nil, err
	}

	var journal engine.Journal
	if cfg.Journal.Enabled {
		path := cfg.Journal.Path
		if path == "" {
			path, err = config.DefaultJournalPath()
			if err != nil {
				sc.close(ctx)
				return nil, err
			}
		}
		sc.store, err = stores.NewSQLiteStore(stores.Config{Path: path})
		if err == nil {
			err = sc.store.Init(ctx)
		}
		if err == nil {
			err = sc.store.Migrate(ctx)
		}
		if err != nil {
			// The journal is a convenience; a session must not fail
			// because the journal database is unavailable.
			log.Warn().Err(err).Msg("Session journal unavailable")
			sc.store = nil
		} else {
			journal = sc.store
		}
	}

	var compiler engine.Compiler
	if compile {
		exe := cfg.MpyCross
		if exe == "" {
			exe = "mpy-cross"
		}
		compiler = &engine.MpyCross{Executable: exe}
	}

	sc.session, err = engine.NewSession(engine.SessionOptions{
		Environment: sc.ws,
		Adapter:     sc.adapter,
		TargetDir:   tf.targetDir,
		IndexURL:    sc.prx.IndexURL(),
		Compiler:    compiler,
		Journal:     journal,
	})
	if err != nil {
		sc.close(ctx)
		return nil, err
	}
	return sc, nil
}

// openTarget wires only the target adapter, for read-only commands.
func openTarget(ctx context.Context, version string, tf targetFlags) (*sessionContext, error) {
	cfg, tracer, err := loadConfig(version)
	if err != nil {
		return nil, err
	}
	sc := &sessionContext{cfg: cfg, tracer: tracer}
	sc.adapter, err = openAdapter(tf, cfg)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	return sc, nil
}

func (sc *sessionContext) close(ctx context.Context) {
	if sc.ws != nil {
		if err := sc.ws.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to release workspace")
		}
	}
	if sc.prx != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sc.prx.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down proxy index")
		}
		cancel()
	}
	if sc.store != nil {
		if err := sc.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close session journal")
		}
	}
	if sc.adapter != nil {
		if err := sc.adapter.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close target")
		}
	}
	if sc.tracer != nil {
		if err := sc.tracer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
}

func classifyOpenError(err error) error {
	if _, ok := err.(*target.NoTargetError); ok {
		return engine.NewPermanentError("no target selected", err).
			WithCode(engine.ErrCodeNoTargetFound)
	}
	return fmt.Errorf("failed to open target: %w", err)
}
