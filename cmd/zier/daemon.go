package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kir-gadjello/zier-alpha/internal/agent"
	"github.com/kir-gadjello/zier-alpha/internal/approval"
	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/gate"
	"github.com/kir-gadjello/zier-alpha/internal/heartbeat"
	"github.com/kir-gadjello/zier-alpha/internal/ingress"
	"github.com/kir-gadjello/zier-alpha/internal/llm"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
	"github.com/kir-gadjello/zier-alpha/internal/metrics"
	"github.com/kir-gadjello/zier-alpha/internal/pidfile"
	"github.com/kir-gadjello/zier-alpha/internal/pprof"
	"github.com/kir-gadjello/zier-alpha/internal/scheduler"
	"github.com/kir-gadjello/zier-alpha/internal/scripting"
	"github.com/kir-gadjello/zier-alpha/internal/session"
	"github.com/kir-gadjello/zier-alpha/internal/tools"
	"github.com/kir-gadjello/zier-alpha/internal/web"
)

func buildDaemonCmd() *cobra.Command {
	var (
		noConsole bool
		profiling pprof.Config
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the agent runtime",
		Long: `Run the agent runtime in the foreground.

The daemon loads scripts from the scripts directory, starts the scheduler,
heartbeat and approval API, and answers owner messages typed on stdin or
posted to /messages. SIGINT or SIGTERM stops it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if profiling.Addr != "" || profiling.HeapProfile != "" {
				prof := pprof.New(profiling)
				if err := prof.Start(); err != nil {
					return err
				}
				defer prof.Stop(context.Background())
			}
			return runDaemon(ctx, cfg, !noConsole)
		},
	}
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "Do not read owner messages from stdin")
	cmd.Flags().StringVar(&profiling.Addr, "pprof", "", "Serve runtime profiles on this loopback address")
	cmd.Flags().StringVar(&profiling.HeapProfile, "heap-profile", "", "Write a heap profile here on shutdown")
	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config, withConsole bool) error {
	log := logger.Global().WithPrefix("daemon")
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	record := pidfile.ForWorkspace(cfg.Workspace)
	if err := record.Claim(pidfile.Info{Addr: cfg.Approval.Listen}); err != nil {
		return err
	}
	defer record.Remove()

	b, err := newBase(cfg)
	if err != nil {
		return err
	}
	m := metrics.New()

	var coord *approval.Coordinator
	coord = approval.NewCoordinator(approval.Options{
		Timeout: cfg.ApprovalTimeout(),
		Observe: func(tool, state string) {
			m.ObserveApproval(tool, state)
			m.SetPendingApprovals(coord.Len())
		},
	})
	coord.AddPresenter(approval.PresenterFunc(func(context.Context, approval.Pending) error {
		m.SetPendingApprovals(coord.Len())
		return nil
	}))

	bus := ingress.NewBus(cfg.Ingress.BusSize)
	sched := scheduler.New(bus)
	for _, err := range sched.LoadJobs(cfg.Jobs) {
		log.Error("job skipped: %v", err)
	}

	svc := scripting.NewService(&scripting.Host{
		Roots:               b.roots,
		Isolator:            b.isolator,
		Policy:              b.policy,
		HTTPClient:          &http.Client{Timeout: consts.DefaultFetchTimeout},
		Events:              bus,
		Scheduler:           sched,
		Config:              cfg,
		Approver:            coord,
		Observe:             m.ObserveScriptOp,
		ScriptsDir:          cfg.Scripts.Dir,
		AllowUnconfinedExec: cfg.Sandbox.AllowUnconfinedExec,
		LockTimeout:         cfg.LockTimeout(),
		ExecTimeout:         cfg.ProcessTimeout(),
	}, b.ceiling)

	reg, manager := b.registry(ctx, true)
	if manager != nil {
		defer manager.Close()
	}
	scriptTools := tools.NewScriptTools(reg, svc)
	loader := scripting.NewLoader(cfg.Scripts.Dir, svc, 0)
	loader.OnChange = func() { scriptTools.Sync() }
	defer loader.Close()
	n, err := loader.LoadAll(ctx)
	if err != nil {
		log.Warn("script directory %s: %v", cfg.Scripts.Dir, err)
	}
	log.Info("loaded %d script(s) from %s", n, cfg.Scripts.Dir)
	scriptTools.Sync()
	if cfg.Scripts.Watch {
		if err := loader.Watch(ctx); err != nil {
			log.Warn("script hot reload disabled: %v", err)
		}
	}

	executor := tools.NewExecutor(tools.ExecutorOptions{
		Registry:        reg,
		Approvals:       coord,
		RequireApproval: cfg.Tools.RequireApproval,
		Output: tools.OutputOptions{
			MaxChars:      cfg.Tools.ToolOutputMaxChars,
			UseDelimiters: cfg.Tools.UseContentDelimiters,
			Redact:        cfg.Tools.RedactSecrets,
		},
		LogInjection: cfg.Tools.LogInjectionWarnings,
		Observe: func(tool string, kind tools.ErrorKind, elapsed time.Duration) {
			m.ObserveTool(tool, string(kind), elapsed)
		},
	})

	store, err := session.Open(cfg.Session)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := llm.FromConfig(cfg.Provider)
	if err != nil {
		return err
	}
	engine := agent.NewEngine(agent.EngineOptions{
		Provider:   provider,
		Executor:   executor,
		Store:      store,
		Status:     []agent.StatusSource{svc},
		ObserveLLM: m.ObserveLLM,
	})

	server, err := web.NewServer(web.Options{
		Addr:        cfg.Approval.Listen,
		Token:       cfg.Approval.Token,
		Coordinator: coord,
		Metrics:     m.Handler(),
		Submit: func(ctx context.Context, text string) error {
			return bus.Submit(ctx, "http:owner", text)
		},
	})
	if err != nil {
		return err
	}
	coord.AddPresenter(server)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()
	if err := record.Write(pidfile.Info{Addr: server.Addr(), Token: server.Token()}); err != nil {
		log.Warn("failed to record daemon address: %v", err)
	}
	log.Info("approval API listening on %s", server.Addr())

	responders := []agent.Responder{server}
	var con *console
	if withConsole {
		con = newConsole(os.Stdin, os.Stdout, bus, coord)
		if cfg.Approval.Terminal {
			coord.AddPresenter(con)
		}
		responders = append(responders, con)
	}

	turnGate := gate.New(cfg.Turns.Concurrency)
	controller := agent.NewController(agent.ControllerOptions{
		Router:  ingress.NewRouter(cfg.Owners, cfg.Jobs),
		Gate:    turnGate,
		Engine:  engine,
		Scripts: loader,
		Debouncer: ingress.NewDebouncer(ingress.DebounceOptions{
			Window:      cfg.DebounceWindow(),
			MaxMessages: cfg.Ingress.MaxMessages,
			MaxChars:    cfg.Ingress.MaxChars,
		}),
		Responder:      fanOut(responders),
		ObserveIngress: m.ObserveIngress,
		ObserveTurn:    m.ObserveTurn,
	})

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() { controller.Run(ctx, bus.C()) })
	run(func() {
		coord.RunSweeper(ctx, cfg.SweepInterval(), func(e approval.Expired) {
			server.NotifyExpired(e)
			if con != nil {
				con.NotifyExpired(e)
			}
			m.SetPendingApprovals(coord.Len())
		})
	})
	sched.Start(ctx)
	if cfg.Heartbeat.Enabled {
		hb, err := heartbeat.FromConfig(cfg.Heartbeat, cfg.Workspace, turnGate, bus)
		if err != nil {
			log.Error("heartbeat disabled: %v", err)
		} else {
			run(func() { hb.Run(ctx) })
		}
	}
	if con != nil {
		// stdin is never closed under us, so the reader is not waited for
		go func() {
			if err := con.Run(ctx); err != nil {
				log.Warn("console stopped: %v", err)
			}
		}()
	}

	log.Info("daemon started (workspace %s, sandbox %s)", cfg.Workspace, b.isolator.Name())
	<-ctx.Done()
	log.Info("shutting down")

	sched.Stop()
	shutdown, cancel := context.WithTimeout(context.Background(), consts.DefaultShutdownTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		svc.Close(shutdown)
		close(done)
	}()
	select {
	case <-done:
	case <-shutdown.Done():
		log.Warn("shutdown timed out after %s", consts.DefaultShutdownTimeout)
	}
	return nil
}

// fanOut delivers a reply to every responder; the first error is returned.
func fanOut(rs []agent.Responder) agent.Responder {
	return agent.ResponderFunc(func(ctx context.Context, source, text string) error {
		var first error
		for _, r := range rs {
			if err := r.Respond(ctx, source, text); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
