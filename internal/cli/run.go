package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scenehost/internal/comms"
	"github.com/roach88/scenehost/internal/config"
	"github.com/roach88/scenehost/internal/console"
	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/engine"
	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/permission"
	"github.com/roach88/scenehost/internal/sandbox"
	"github.com/roach88/scenehost/internal/scheduler"
	"github.com/roach88/scenehost/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database  string
	Realm     string
	RealmsDir string
	At        string
	Listen    string
	Peers     []string
	Watch     bool
	NoConsole bool

	// Frames runs this many frames without a wall clock and exits. Zero
	// runs until interrupted.
	Frames int

	// IDGenerator overrides the host id source (for testing). If nil,
	// UUIDv7 ids are used.
	IDGenerator engine.IDGenerator

	// Stdin is where console lines are read from (for testing). Defaults to
	// the command's input.
	Stdin io.Reader
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenes-dir>",
		Short: "Run the scenes in a directory",
		Long: `Start the host loop over a directory of scenes.

Every sub-directory holding a scene.json is a scene. Scenes within the load
radius of the player are loaded and ticked each frame. Console commands are
read from stdin one per line (type "help" for the list); permission prompts
are answered with "allow <request-id>" or "deny <request-id>".

Example:
  scenehost run ./scenes
  scenehost run ./scenes --db ./host.db --at 3,4 --watch
  scenehost run ./scenes --listen :7070 --peer ws://other:7070/ws
  scenehost run ./scenes --frames 60 --no-console`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Realm, "realm", "", "realm name (default from config)")
	cmd.Flags().StringVar(&opts.RealmsDir, "realms", "", "directory holding one scenes directory per realm")
	cmd.Flags().StringVar(&opts.At, "at", "", "starting parcel as x,y (default from config)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "address to accept peer websocket connections on")
	cmd.Flags().StringArrayVar(&opts.Peers, "peer", nil, "peer websocket URL to dial (repeatable)")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload a scene when its files change")
	cmd.Flags().IntVar(&opts.Frames, "frames", 0, "run this many frames headless and exit")
	cmd.Flags().BoolVar(&opts.NoConsole, "no-console", false, "do not read console commands from stdin")

	return cmd
}

// applyRunFlags overrides config values with the flags that were set.
func applyRunFlags(cfg *config.Config, opts *RunOptions) error {
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	if opts.Realm != "" {
		cfg.Realm = opts.Realm
	}
	if opts.At != "" {
		p, err := ir.ParseParcel(opts.At)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		cfg.Start = config.StartConfig{X: p.X, Y: p.Y}
	}
	if opts.Listen != "" {
		cfg.Comms.Listen = opts.Listen
	}
	if len(opts.Peers) > 0 {
		cfg.Comms.Peers = append(cfg.Comms.Peers, opts.Peers...)
	}
	if opts.Frames < 0 {
		return fmt.Errorf("--frames must not be negative")
	}
	return cfg.Validate()
}

// engineOptions turns config sections into engine options.
func engineOptions(cfg config.Config, logger *slog.Logger) ([]engine.Option, error) {
	rules, err := permission.CompileRules(cfg.Permission.Rules)
	if err != nil {
		return nil, fmt.Errorf("permission rules: %w", err)
	}
	s := cfg.Scheduler
	sb := cfg.Sandbox
	return []engine.Option{
		engine.WithLogger(logger),
		engine.WithRealm(cfg.Realm),
		engine.WithWorld(engine.NewMemWorld(ir.Parcel{X: cfg.Start.X, Y: cfg.Start.Y})),
		engine.WithQueueSize(cfg.Engine.QueueSize),
		engine.WithMessageQuota(cfg.Engine.MessageQuota),
		engine.WithOpTimeout(cfg.Engine.OpTimeout),
		engine.WithFrameRate(s.FrameRate),
		engine.WithGateOptions(
			permission.WithRules(rules),
			permission.WithTimeout(cfg.Permission.Timeout),
			permission.WithInteractive(cfg.Permission.IsInteractive()),
		),
		engine.WithSchedulerOptions(
			scheduler.WithLoadRadius(s.LoadRadius),
			scheduler.WithKeepWarmRadius(s.KeepWarmRadius),
			scheduler.WithTeleportDistance(s.TeleportDistance),
			scheduler.WithFrameBudget(s.FrameBudget),
			scheduler.WithMinTickBudget(s.MinTickBudget),
		),
		engine.WithSandboxOptions(
			sandbox.WithHardLimit(sb.HardLimit),
			sandbox.WithSpawnTimeout(sb.SpawnTimeout),
			sandbox.WithInboxSize(sb.InboxSize),
			sandbox.WithDebtDecay(sb.DebtDecay),
		),
	}, nil
}

// realmResolver serves each realm from a sub-directory of dir.
func realmResolver(dir string, cfg config.Config, logger *slog.Logger) engine.RealmResolver {
	return func(realm string) (content.Catalog, error) {
		if !validRealmName(realm) {
			return nil, fmt.Errorf("invalid realm name %q", realm)
		}
		_, cat, err := openCatalog(filepath.Join(dir, realm), cfg, logger)
		return cat, err
	}
}

func validRealmName(realm string) bool {
	return realm != "" && realm != "." && realm != ".." && filepath.Base(realm) == realm
}

func runHost(opts *RunOptions, scenesDir string, cmd *cobra.Command) error {
	logger := slog.Default()

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if err := applyRunFlags(&cfg, opts); err != nil {
		return WrapExitError(ExitCommandError, "invalid run options", err)
	}

	dirCat, cat, err := openCatalog(scenesDir, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("scenes scanned", "dir", dirCat.Root(), "scenes", len(dirCat.Scenes()))

	logger.Info("opening database", "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	engOpts, err := engineOptions(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	engOpts = append(engOpts, engine.WithStore(st))
	if opts.IDGenerator != nil {
		engOpts = append(engOpts, engine.WithIDGenerator(opts.IDGenerator))
	}
	if opts.RealmsDir != "" {
		engOpts = append(engOpts, engine.WithRealmResolver(realmResolver(opts.RealmsDir, cfg, logger)))
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// The transport needs the actor id before the engine exists, so the
	// id is fixed here and handed to both.
	ids := opts.IDGenerator
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	actor := ir.ActorID("host-" + ids.Generate())
	engOpts = append(engOpts, engine.WithActor(actor))

	if cfg.Comms.Listen != "" || len(cfg.Comms.Peers) > 0 {
		transport, stopComms, err := startComms(ctx, actor, cfg.Comms, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start peer transport", err)
		}
		defer stopComms()
		engOpts = append(engOpts, engine.WithTransport(transport))
	}

	eng, err := engine.New(cat, engOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	defer eng.Close()

	if opts.Watch {
		watcher, err := NewSceneWatcher(dirCat.Root(), DefaultWatchDebounce, func(scene ir.SceneID) {
			reloadChanged(ctx, eng, dirCat, scene, logger)
		}, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to watch scenes", err)
		}
		go watcher.Run(ctx)
		logger.Info("watching scenes for changes", "dir", dirCat.Root())
	}

	out := cmd.OutOrStdout()
	if opts.Frames > 0 {
		return runHeadless(ctx, eng, opts.Frames, cfg.Scheduler.FrameRate, out)
	}

	if !opts.NoConsole {
		in := opts.Stdin
		if in == nil {
			in = cmd.InOrStdin()
		}
		go readConsole(ctx, eng, in, out, logger)
	}

	logger.Info("engine starting", "db", cfg.Store.Path, "scenes_dir", scenesDir, "actor", actor)
	fmt.Fprintln(out, "Host started. Type \"help\" for console commands.")
	fmt.Fprintln(out, "Press Ctrl-C to stop.")

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	logger.Info("engine stopped gracefully")
	return nil
}

// runHeadless steps a fixed number of frames, then prints the scene table.
func runHeadless(ctx context.Context, eng *engine.Engine, frames, rate int, out io.Writer) error {
	if err := eng.Settle(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to load scenes", err)
	}
	dt := time.Second / time.Duration(rate)
	for i := 0; i < frames && ctx.Err() == nil; i++ {
		eng.Step(ctx, dt)
	}
	table, err := eng.Exec(ctx, console.Command{Verb: console.VerbScenes})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list scenes", err)
	}
	fmt.Fprintln(out, table)
	return nil
}

// readConsole runs console lines on the host loop until in is exhausted or
// ctx ends.
func readConsole(ctx context.Context, eng *engine.Engine, in io.Reader, out io.Writer, logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		result, err := eng.Execute(ctx, scanner.Text())
		switch {
		case errors.Is(err, console.ErrEmpty):
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
		default:
			fmt.Fprintln(out, result)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("console input failed", "error", err)
	}
}

// reloadChanged rescans the catalog and reloads the scene if it is live.
func reloadChanged(ctx context.Context, eng *engine.Engine, dirCat *content.DirCatalog, scene ir.SceneID, logger *slog.Logger) {
	if err := dirCat.Refresh(); err != nil {
		logger.Warn("rescan after change failed", "error", err)
		return
	}
	out, err := eng.Execute(ctx, "reload "+string(scene))
	if err != nil {
		logger.Debug("changed scene not reloaded", "scene_id", scene, "error", err)
		return
	}
	logger.Info(out, "scene_id", scene)
}

// startComms starts the websocket transport: a listener when Listen is set
// and one dial per peer. The returned func stops both.
func startComms(ctx context.Context, actor ir.ActorID, cc config.CommsConfig, logger *slog.Logger) (*comms.WSTransport, func(), error) {
	ws, err := comms.NewWS(actor,
		comms.WithLogger(logger),
		comms.WithCompression(cc.Compression()),
	)
	if err != nil {
		return nil, nil, err
	}

	var srv *http.Server
	if cc.Listen != "" {
		ln, err := net.Listen("tcp", cc.Listen)
		if err != nil {
			ws.Close()
			return nil, nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/ws", ws.Handler())
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("peer listener failed", "error", err)
			}
		}()
		logger.Info("accepting peers", "addr", ln.Addr().String())
	}

	for _, url := range cc.Peers {
		if err := ws.Dial(ctx, url); err != nil {
			logger.Warn("peer dial failed", "url", url, "error", err)
			continue
		}
		logger.Info("peer connected", "url", url)
	}

	stop := func() {
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
		ws.Close()
	}
	return ws, stop, nil
}
