// obstools-example records a small run and uploads it.
//
// It creates a run with one stage, a number of groups under the stage, and
// text objects in every group, then shuts the client down and prints the
// viewer URL and delivery statistics.
//
// Settings come from, in increasing precedence: a YAML config file
// (--config), OBS_TOOLS_* environment variables (optionally loaded from a
// .env file), and flags. With --api-host=local an in-process receiver stands
// in for the API, so the example runs without network access.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	obstools "github.com/Dig-Doug/observation-tools-client"
	"github.com/Dig-Doug/observation-tools-client/transport/oci"
)

const apiHostLocal = "local"

type config struct {
	configFile      string
	envFile         string
	projectID       string
	apiHost         string
	uiHost          string
	token           string
	backend         string
	ociRepo         string
	plainHTTP       bool
	compression     string
	workers         int
	groups          int
	objects         int
	blocking        bool
	latency         time.Duration
	failEvery       int
	shutdownTimeout time.Duration
	verbose         bool
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, flags, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := loadEnvFile(cfg.envFile, flags.Changed("env-file")); err != nil {
		return err
	}

	clientCfg := &obstools.Config{}
	if cfg.configFile != "" {
		if clientCfg, err = obstools.LoadConfig(cfg.configFile); err != nil {
			return err
		}
	}
	if err := clientCfg.ApplyEnv(); err != nil {
		return err
	}
	applyFlags(clientCfg, cfg, flags)

	opts := []obstools.Option{obstools.WithLogger(logger)}
	cleanup, backendOpts, err := backendOptions(clientCfg, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	opts = append(opts, backendOpts...)

	client, err := obstools.NewClientFromConfig(clientCfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runURL, recordErr := record(ctx, client, cfg)

	stats, err := client.Shutdown(context.Background())
	if recordErr != nil {
		return errors.Join(recordErr, err)
	}
	fmt.Println(runURL)
	fmt.Printf("enqueued=%d confirmed=%d failed=%d retries=%d undelivered=%d\n",
		stats.Enqueued, stats.Confirmed, stats.Failed, stats.Retries, stats.Undelivered)
	return err
}

func parseFlags(args []string) (config, *pflag.FlagSet, error) {
	var cfg config
	flags := pflag.NewFlagSet("obstools-example", pflag.ContinueOnError)
	flags.StringVar(&cfg.configFile, "config", "", "YAML client config file")
	flags.StringVar(&cfg.envFile, "env-file", ".env", "dotenv file with OBS_TOOLS_* variables (ignored if missing unless set explicitly)")
	flags.StringVarP(&cfg.projectID, "project", "p", "", "project id")
	flags.StringVar(&cfg.apiHost, "api-host", "", `API base URL, or "local" for an in-process receiver`)
	flags.StringVar(&cfg.uiHost, "ui-host", "", "UI base URL used for the viewer link")
	flags.StringVar(&cfg.token, "token", "", "bearer token")
	flags.StringVar(&cfg.backend, "backend", "http", "transport: http or oci")
	flags.StringVar(&cfg.ociRepo, "oci-repo", "", "OCI repository for --backend=oci (e.g. localhost:5000/obstools)")
	flags.BoolVar(&cfg.plainHTTP, "plain-http", false, "use plain HTTP for the OCI registry")
	flags.StringVar(&cfg.compression, "compression", "", "request compression: none, zstd, lz4")
	flags.IntVar(&cfg.workers, "workers", 0, "upload workers (0 keeps the configured value)")
	flags.IntVar(&cfg.groups, "groups", 2, "groups to create under the stage")
	flags.IntVar(&cfg.objects, "objects", 1, "text objects per group")
	flags.BoolVar(&cfg.blocking, "blocking", false, "wait for the run to be confirmed before adding children")
	flags.DurationVar(&cfg.latency, "latency", 0, "added latency per HTTP request")
	flags.IntVar(&cfg.failEvery, "fail-every", 0, "local receiver answers every Nth request with 503")
	flags.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 0, "drain timeout (0 keeps the configured value)")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "debug logging")

	if err := flags.Parse(args); err != nil {
		return cfg, nil, err
	}
	if cfg.groups < 0 || cfg.objects < 0 {
		return cfg, nil, errors.New("--groups and --objects must be non-negative")
	}
	return cfg, flags, nil
}

func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyFlags overrides config values with flags that were set.
func applyFlags(dst *obstools.Config, cfg config, flags *pflag.FlagSet) {
	if flags.Changed("project") {
		dst.ProjectID = cfg.projectID
	}
	if flags.Changed("api-host") && cfg.apiHost != apiHostLocal {
		dst.APIHost = cfg.apiHost
	}
	if flags.Changed("ui-host") {
		dst.UIHost = cfg.uiHost
	}
	if flags.Changed("token") {
		dst.Token = cfg.token
	}
	if flags.Changed("compression") {
		dst.Compression = cfg.compression
	}
	if cfg.workers > 0 {
		dst.Queue.Workers = cfg.workers
	}
	if cfg.shutdownTimeout > 0 {
		dst.ShutdownTimeout = obstools.Duration(cfg.shutdownTimeout)
	}
}

// backendOptions returns the transport options for the selected backend and
// a cleanup function that is always non-nil.
func backendOptions(clientCfg *obstools.Config, cfg config, logger *slog.Logger) (func(), []obstools.Option, error) {
	noop := func() {}
	switch cfg.backend {
	case "http":
		var opts []obstools.Option
		cleanup := noop
		if cfg.apiHost == apiHostLocal {
			recv, err := newLocalReceiver(cfg.failEvery, logger)
			if err != nil {
				return noop, nil, err
			}
			cleanup = recv.Close
			opts = append(opts, obstools.WithEndpoint(recv.URL()))
		}
		if cfg.latency > 0 {
			opts = append(opts, obstools.WithHTTPClient(newHTTPClient(cfg.latency)))
		}
		return cleanup, opts, nil

	case "oci":
		if cfg.ociRepo == "" {
			return noop, nil, errors.New("--oci-repo is required for --backend=oci")
		}
		sender, err := oci.New(cfg.ociRepo,
			oci.WithDockerConfig(),
			oci.WithToken(clientCfg.Token),
			oci.WithPlainHTTP(cfg.plainHTTP),
		)
		if err != nil {
			return noop, nil, err
		}
		logger.Debug("using OCI backend", "repository", sender.Repository(), "project", clientCfg.ProjectID)
		return noop, []obstools.Option{obstools.WithTransport(sender)}, nil

	default:
		return noop, nil, fmt.Errorf("unknown backend %q", cfg.backend)
	}
}

// record builds the example run and returns its viewer URL.
func record(ctx context.Context, client *obstools.Client, cfg config) (string, error) {
	md := obstools.NewUserMetadata("obstools-example").
		With("host", hostname()).
		With("started", time.Now().UTC().Format(time.RFC3339))

	var (
		run *obstools.RunUploader
		err error
	)
	if cfg.blocking {
		run, err = client.CreateRunBlocking(ctx, md)
	} else {
		run, err = client.CreateRun(md)
	}
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	stage, err := run.CreateStage(obstools.NewUserMetadata("stage"))
	if err != nil {
		return "", err
	}
	for g := range cfg.groups {
		if ctx.Err() != nil {
			return run.ViewerURL(), ctx.Err()
		}
		group, err := stage.ChildUploader(obstools.NewUserMetadata(fmt.Sprintf("group-%d", g)))
		if err != nil {
			return "", err
		}
		for o := range cfg.objects {
			text := fmt.Sprintf("g%03d-o%03d.", g, o)
			if _, err := group.CreateObjectData(fmt.Sprintf("object-%d", o), text); err != nil {
				return "", err
			}
		}
	}
	return run.ViewerURL(), nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
