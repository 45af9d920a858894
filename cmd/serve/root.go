package serve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dKB/cmd/util"
	"github.com/ValentinKolb/dKB/lib/kb"
	"github.com/ValentinKolb/dKB/lib/store/ostore"
	"github.com/ValentinKolb/dKB/lib/syncer"
	"github.com/ValentinKolb/dKB/lib/util"
	"github.com/ValentinKolb/dKB/lib/watcher"
	"github.com/ValentinKolb/dKB/rpc/common"
	"github.com/ValentinKolb/dKB/rpc/server"
	"github.com/ValentinKolb/dKB/rpc/transport/http"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("rpc")

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dKB server",
		Long:    `Start the dKB server: watch a directory of JSON files, keep the document in sync with it and with the HTTP api, and rebuild the Prolog knowledge base on every change. The configuration can be set via command line flags or environment variables. The format of the environment variables is DKB_<flag> (e.g. DKB_WATCH_DIR=./data)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "watch-dir"
	ServeCmd.PersistentFlags().String(key, "./watched_json_files", cmdUtil.WrapString("Directory with the JSON files that are synced into the document. It is created if it does not exist"))

	key = "file-suffix"
	ServeCmd.PersistentFlags().String(key, ".json", cmdUtil.WrapString("Only files with this suffix are synced"))

	key = "watch-mode"
	ServeCmd.PersistentFlags().String(key, "notify", cmdUtil.WrapString("How changes are detected: notify (filesystem notifications) or poll (periodic directory scans)"))

	key = "poll-interval-ms"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Interval in milliseconds of directory scans and write stability checks"))

	key = "stability-ms"
	ServeCmd.PersistentFlags().Int(key, 300, cmdUtil.WrapString("A file is read once its size and modification time did not change for this many milliseconds"))

	key = "ignore-initial"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Do not sync files that exist when the server starts"))

	key = "sync-deletes"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Remove the entry of a file when the file is deleted"))

	key = "lenient-json"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Accept comments and trailing commas in JSON files"))

	key = "source-field"
	ServeCmd.PersistentFlags().String(key, "prolog", cmdUtil.WrapString("Field of an entry that holds its Prolog source. Submissions via the api must contain this field"))

	key = "source-expr"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Expression that extracts the Prolog source of an entry (variables: key, origin, fileName, payload). Defaults to the source field of the payload"))

	key = "debounce-ms"
	ServeCmd.PersistentFlags().Int(key, 200, cmdUtil.WrapString("The knowledge base is rebuilt once no change arrived for this many milliseconds"))

	key = "max-wait-ms"
	ServeCmd.PersistentFlags().Int(key, 2000, cmdUtil.WrapString("Maximum delay in milliseconds of a rebuild under a constant stream of changes"))

	key = "compile-timeout"
	ServeCmd.PersistentFlags().Duration(key, 5*time.Second, cmdUtil.WrapString("Maximum duration of a single knowledge base build"))

	key = "query-timeout"
	ServeCmd.PersistentFlags().Duration(key, 5*time.Second, cmdUtil.WrapString("Maximum duration of a query"))

	key = "query-all"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Return all solutions of a query instead of the first one"))

	key = "query-limit"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Maximum number of solutions returned with --query-all"))

	key = "kb-out"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("If set, the source of every successful knowledge base build is written to this file (e.g. knowledge_base.pl)"))

	key = "change-buffer"
	ServeCmd.PersistentFlags().Int(key, 256, cmdUtil.WrapString("Number of document changes buffered for the knowledge base"))

	key = "replica-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Name of this replica (e.g. 'node-1'), defaults to the hostname"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:3000", cmdUtil.WrapString("The address on which the API will listen (e.g. 0.0.0.0:3000, /tmp/dkb.sock, ...)"))

	key = "shutdown-timeout"
	ServeCmd.PersistentFlags().Duration(key, 10*time.Second, cmdUtil.WrapString("How long active requests may take to finish on shutdown"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.WatchDir = viper.GetString("watch-dir")
	serveCmdConfig.FileSuffix = viper.GetString("file-suffix")
	serveCmdConfig.WatchMode = viper.GetString("watch-mode")
	serveCmdConfig.PollInterval = time.Duration(viper.GetInt("poll-interval-ms")) * time.Millisecond
	serveCmdConfig.StabilityThreshold = time.Duration(viper.GetInt("stability-ms")) * time.Millisecond
	serveCmdConfig.IgnoreInitial = viper.GetBool("ignore-initial")
	serveCmdConfig.SyncDeletes = viper.GetBool("sync-deletes")
	serveCmdConfig.LenientJSON = viper.GetBool("lenient-json")
	serveCmdConfig.SourceField = viper.GetString("source-field")
	serveCmdConfig.SourceExpr = viper.GetString("source-expr")
	serveCmdConfig.Debounce = time.Duration(viper.GetInt("debounce-ms")) * time.Millisecond
	serveCmdConfig.MaxWait = time.Duration(viper.GetInt("max-wait-ms")) * time.Millisecond
	serveCmdConfig.CompileTimeout = viper.GetDuration("compile-timeout")
	serveCmdConfig.QueryTimeout = viper.GetDuration("query-timeout")
	serveCmdConfig.QueryAll = viper.GetBool("query-all")
	serveCmdConfig.QueryLimit = viper.GetInt("query-limit")
	serveCmdConfig.OutputFile = viper.GetString("kb-out")
	serveCmdConfig.ChangeBuffer = viper.GetInt("change-buffer")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// validate
	switch watcher.Mode(serveCmdConfig.WatchMode) {
	case watcher.ModeNotify, watcher.ModePoll:
	default:
		return fmt.Errorf("invalid watch mode %q (expected notify or poll)", serveCmdConfig.WatchMode)
	}
	if serveCmdConfig.SourceField == "" {
		return fmt.Errorf("source-field must not be empty")
	}
	if serveCmdConfig.SourceExpr == "" {
		serveCmdConfig.SourceExpr = fmt.Sprintf("payload[%q]", serveCmdConfig.SourceField)
	}
	if _, err := common.ParseLogLevel(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	// parse replica id
	id := viper.GetString("replica-id")
	if id == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("replica-id is not set and the hostname is unknown: %w", err)
		}
		id = hostname
	}
	serveCmdConfig.ReplicaID = util.HashString(id, 0)

	return nil
}

// run starts the dKB server and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	cfg := *serveCmdConfig

	// Init logger
	common.InitLoggers(cfg.LogLevel)
	Logger.Infof(cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Document and sync engine
	engine := syncer.NewEngine(ostore.NewOrderedStore(cfg.ReplicaID))
	engine.Start()
	defer engine.Stop()

	// Knowledge base
	rebuilder, err := kb.NewRebuilder(engine, kb.Config{
		Debounce:       cfg.Debounce,
		MaxWait:        cfg.MaxWait,
		CompileTimeout: cfg.CompileTimeout,
		QueryTimeout:   cfg.QueryTimeout,
		QueryAll:       cfg.QueryAll,
		QueryLimit:     cfg.QueryLimit,
		SourceExpr:     cfg.SourceExpr,
		OutputFile:     cfg.OutputFile,
		ChangeBuffer:   cfg.ChangeBuffer,
	})
	if err != nil {
		return fmt.Errorf("invalid knowledge base configuration: %w", err)
	}
	rebuilder.Start(ctx)
	defer rebuilder.Stop()

	// Filesystem
	w := watcher.New(watcher.Config{
		Dir:                cfg.WatchDir,
		Suffix:             cfg.FileSuffix,
		Mode:               watcher.Mode(cfg.WatchMode),
		PollInterval:       cfg.PollInterval,
		StabilityThreshold: cfg.StabilityThreshold,
		IgnoreInitial:      cfg.IgnoreInitial,
		EnableDeletion:     cfg.SyncDeletes,
		Lenient:            cfg.LenientJSON,
	}, func(ctx context.Context, ev watcher.FileEvent) {
		_, err := engine.Apply(ctx, syncer.FileSubmission{
			Path:    ev.Path,
			Action:  ev.Action,
			Payload: ev.Payload,
			ModTime: ev.ModTime,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			Logger.Errorf("failed to sync %s (%s): %v", ev.Path, ev.Action, err)
		}
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch %s: %w", cfg.WatchDir, err)
	}
	defer w.Stop()

	// HTTP api
	srv := server.NewRPCServer(cfg, http.NewHttpServerTransport(), engine, rebuilder)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	select {
	case <-ctx.Done():
		Logger.Infof("received shutdown signal")
	case err := <-serveErr:
		return err
	}

	// Shutdown order: watcher, api, knowledge base, engine (the last two by defer)
	w.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		Logger.Warningf("graceful shutdown failed: %v", err)
	}
	if err := <-serveErr; err != nil {
		return err
	}

	Logger.Infof("dKB stopped")
	return nil
}

// initConfig reads in ENV variables and .env files if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dkb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
