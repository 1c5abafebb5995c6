package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/cuemby/warden/pkg/backup"
	"github.com/cuemby/warden/pkg/blocking"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/container"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/filesystem"
	"github.com/cuemby/warden/pkg/install"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/manager"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/pubsub"
	"github.com/cuemby/warden/pkg/ratelimit"
	"github.com/cuemby/warden/pkg/remote"
	"github.com/cuemby/warden/pkg/schedule"
	"github.com/cuemby/warden/pkg/security"
	srv "github.com/cuemby/warden/pkg/server"
	"github.com/cuemby/warden/pkg/sftp"
	"github.com/cuemby/warden/pkg/sink"
	"github.com/cuemby/warden/pkg/stats"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/transfer"
	"github.com/cuemby/warden/pkg/types"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// colorOutput is disabled when stdout isn't a terminal, matching cobra CLIs'
// usual convention of never emitting ANSI escapes into a redirected/piped
// output stream.
var colorOutput = isatty.IsTerminal(os.Stdout.Fd())

func statusLine(ok bool, msg string) string {
	if !colorOutput {
		if ok {
			return "[ OK ] " + msg
		}
		return "[FAIL] " + msg
	}
	if ok {
		return color.GreenString("[ OK ] ") + msg
	}
	return color.RedString("[FAIL] ") + msg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if colorOutput {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - per-node game server control daemon",
	Long: `Warden manages the lifecycle of game server containers on a single
node: power state, console streaming, resource stats, backups, transfers,
scheduled tasks, and SFTP file access.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Warden version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/etc/warden/config.toml", "Path to the daemon configuration file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the warden daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runDaemon(configPath)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the daemon configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/etc/warden/config.toml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.Save(path, config.Default()); err != nil {
			return err
		}
		fmt.Println(statusLine(true, "wrote default configuration to "+path))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}

// runDaemon wires every collaborator together and blocks until a shutdown
// signal is received, mirroring the teacher's cluster-init command's
// start/defer-stop/signal-wait sequence, narrowed to a single-node daemon.
func runDaemon(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Warn("no configuration file found, using defaults")
		cfg = config.Default()
	}

	if err := os.MkdirAll(cfg.System.DataDirectory, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.System.BackupDirectory, 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if err := os.MkdirAll(cfg.System.TmpDirectory, 0o755); err != nil {
		return fmt.Errorf("create tmp directory: %w", err)
	}

	store, err := storage.Open(cfg.System.RootDirectory)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	containerdClient, err := container.New(cfg.Docker.Socket)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer containerdClient.Close()

	blockingPool := blocking.New(4)
	defer blockingPool.Stop()

	var backupLimiter *ratelimit.TokenBucket
	if limit, err := parseMiBps(cfg.System.BackupRateLimitMiBps); err == nil && limit > 0 {
		backupLimiter = ratelimit.New(limit, limit)
	}

	var remoteClient *remote.Client
	if cfg.Remote.URL != "" {
		remoteClient = remote.New(cfg.Remote.URL, cfg.Remote.TokenID, cfg.Remote.Token, time.Duration(cfg.Remote.TimeoutSec)*time.Second)
	}

	var statsBuffer *stats.Buffer
	var publisher *pubsub.Publisher
	if cfg.Redis.Enabled {
		backend, err := pubsub.NewStatsBackend(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect stats backend: %w", err)
		}
		statsBuffer = stats.NewWithExternal(backend, 3*time.Minute)
		publisher, err = pubsub.NewPublisher(cfg.Redis.URL, cfg.Redis.Prefix)
		if err != nil {
			return fmt.Errorf("connect event publisher: %w", err)
		}
		defer publisher.Close()
	} else {
		statsBuffer = stats.New()
	}

	factory := func(ctx context.Context, persisted types.Server) (*srv.Server, error) {
		bus := events.NewBus()
		sinkPool := sink.New()
		env := containerdClient.Environment(persisted.UUID)
		installer := install.New(containerdClient, bus)

		serverRoot := cfg.System.DataDirectory + "/" + persisted.UUID
		fs, err := filesystem.New(serverRoot, persisted.Configuration.DenylistGlobs, persisted.Configuration.DiskLimitBytes)
		if err != nil {
			return nil, fmt.Errorf("create server filesystem: %w", err)
		}

		// Each server gets its own backup/transfer engine bound to its own
		// bus: backup_started/transfer_progress events must reach that
		// server's subscribers (console, remote notifier), never a sibling
		// server's.
		backupEngine := backup.New(cfg.System.DataDirectory, cfg.System.BackupDirectory, blockingPool, backupLimiter, bus)
		transferEngine := transfer.New(cfg.System.DataDirectory, cfg.System.TmpDirectory, blockingPool, bus)

		server := srv.New(persisted, srv.Deps{
			Bus:         bus,
			Sink:        sinkPool,
			Env:         env,
			Filesystem:  fs,
			Installer:   installer,
			Backups:     backupEngine,
			Transfers:   transferEngine,
			CrashPolicy: types.DefaultCrashPolicy(),
		})

		exec := schedule.NewExecutor(bus, server.RunScheduleTask, func(status types.ScheduleStatus) {
			if remoteClient != nil {
				_ = remoteClient.NotifyScheduleExecuting(ctx, persisted.UUID, status)
			}
		})
		exec.Start()
		server.SetSchedules(exec)

		go pollStats(ctx, persisted.UUID, env, fs.Root(), statsBuffer, bus, blockingPool, remoteClient)

		if publisher != nil {
			go forwardEvents(ctx, bus, publisher, persisted.UUID)
		}
		return server, nil
	}

	mgr := manager.New(store, factory)
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load servers: %w", err)
	}

	if cfg.SFTP.Enabled {
		hostKey, err := security.EnsureHostKey(cfg.SFTP.HostKey)
		if err != nil {
			return fmt.Errorf("load sftp host key: %w", err)
		}
		sftpServer := sftp.New(sftp.Config{
			BindAddress: cfg.SFTP.BindAddress,
			BindPort:    cfg.SFTP.BindPort,
			HostKey:     hostKey,
			ReadOnly:    cfg.SFTP.ReadOnly,
		}, func(username string) (*filesystem.Filesystem, bool) {
			server, ok := mgr.Get(username)
			if !ok {
				return nil, false
			}
			return server.Filesystem(), true
		})
		addr := fmt.Sprintf("%s:%d", cfg.SFTP.BindAddress, cfg.SFTP.BindPort)
		go func() {
			if err := sftpServer.ListenAndServe(ctx, addr); err != nil {
				log.Errorf("sftp server stopped", err)
			}
		}()
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server stopped", err)
		}
	}()

	log.Info("warden daemon started")
	fmt.Println(statusLine(true, "warden daemon started"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	for _, server := range mgr.List() {
		if err := mgr.Persist(server); err != nil {
			log.Errorf("failed to persist server on shutdown", err)
		}
	}
	return nil
}

func parseMiBps(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	var mib float64
	_, err := fmt.Sscanf(s, "%f", &mib)
	return mib * 1024 * 1024, err
}

// metricsPushTicks governs how often a stats snapshot is additionally
// pushed to the remote panel via remote.Client.SendMetrics, supplementing the
// panel's pull-based Stats API. Deliberately much coarser than the 5-second
// poll tick so the periodic push described in SPEC_FULL.md §6 stays low-frequency.
const metricsPushTicks = 12 // 12 * 5s = 60s

// pollStats samples a running container's resource usage every 5 seconds
// (spec.md §4.7 poll_stats), publishing each snapshot as an EventStats and
// recording it in the shared StatsBuffer. The cgroup is only loadable once
// the container's task has actually started, so transient load failures are
// expected while a server is offline and are simply retried next tick. Every
// metricsPushTicks-th tick, if a remote panel is configured, the same
// snapshot is also pushed via SendMetrics.
func pollStats(ctx context.Context, serverUUID string, env *container.Environment, mountRoot string, buffer *stats.Buffer, bus *events.Bus, pool *blocking.Pool, remoteClient *remote.Client) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var source *container.StatsSource
	var tick int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tick++
		if !env.IsRunning(ctx) {
			source = nil
			continue
		}
		if source == nil {
			cgroupPath := container.CgroupPath(serverUUID)
			var err error
			source, err = container.NewStatsSource(env, cgroupPath, container.OnlineCPUCount(cgroupPath), mountRoot, pool)
			if err != nil {
				continue
			}
		}
		snapshot, err := source.Poll(ctx)
		if err != nil {
			continue
		}
		_ = buffer.Push(serverUUID, snapshot)
		bus.Publish(&types.Event{Kind: types.EventStats, Stats: snapshot})

		if remoteClient != nil && tick%metricsPushTicks == 0 {
			if err := remoteClient.SendMetrics(ctx, serverUUID, snapshot); err != nil {
				log.Errorf("failed to push metrics to remote", err)
			}
		}
	}
}

func forwardEvents(ctx context.Context, bus *events.Bus, publisher *pubsub.Publisher, serverUUID string) {
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			_ = publisher.Publish(ctx, serverUUID, ev)
		}
	}
}
