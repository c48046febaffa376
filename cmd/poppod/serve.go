package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/poppobuilder/poppod/internal/autoscaler"
	"github.com/poppobuilder/poppod/internal/balancer"
	"github.com/poppobuilder/poppod/internal/config"
	"github.com/poppobuilder/poppod/internal/controlplane"
	"github.com/poppobuilder/poppod/internal/domain"
	"github.com/poppobuilder/poppod/internal/events"
	"github.com/poppobuilder/poppod/internal/lifecycle"
	"github.com/poppobuilder/poppod/internal/log"
	"github.com/poppobuilder/poppod/internal/metrics"
	"github.com/poppobuilder/poppod/internal/queue"
	"github.com/poppobuilder/poppod/internal/registry"
	"github.com/poppobuilder/poppod/internal/scheduler"
	"github.com/poppobuilder/poppod/internal/statestore"
)

// defaultWorkerMaxConcurrent bounds how many in-flight tasks a
// pool-spawned worker (one not tied to a specific project's
// MaxConcurrent override) may run at once.
const defaultWorkerMaxConcurrent = 5

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("worker-command", "poppod-worker", "Command used to spawn task-handler worker processes")
	serveCmd.Flags().StringSlice("worker-args", nil, "Arguments passed to each spawned worker")
	serveCmd.Flags().String("socket-path", "", "Override the control socket path (default: <config-dir>/daemon.sock)")
	serveCmd.Flags().String("http-addr", "", "HTTP listener address for /health, /ready, /metrics (empty disables it)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	workerCommand, _ := cmd.Flags().GetString("worker-command")
	workerArgs, _ := cmd.Flags().GetStringSlice("worker-args")
	socketOverride, _ := cmd.Flags().GetString("socket-path")
	httpAddr, _ := cmd.Flags().GetString("http-addr")

	for _, dir := range []string{configDir, filepath.Join(configDir, "state"), filepath.Join(configDir, "logs"), filepath.Join(configDir, "backup")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	cfgStore := config.New(filepath.Join(configDir, "config.json"), broker)
	if err := cfgStore.Load(); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfgStore.Watch(); err != nil {
		log.Logger.Warn().Err(err).Msg("config file watch failed, external edits require reload-config")
	}
	defer cfgStore.StopWatch()

	doc := cfgStore.Get()

	store, err := statestore.Open(filepath.Join(configDir, "state"))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	// reg and q reference each other (project weight lookups, running-task
	// counts); both sides resolve through forward-declared pointers rather
	// than an import cycle.
	var reg *registry.Registry
	weightFn := func(projectID string) float64 {
		if reg == nil {
			return 1.0
		}
		p, err := reg.Get(projectID)
		if err != nil {
			return 1.0
		}
		return p.Weight
	}
	q := queue.New(queue.Config{
		MaxQueueSize:      doc.TaskQueue.MaxQueueSize,
		PreemptionEnabled: doc.TaskQueue.PriorityManagement.Preemption.Enabled,
	}, weightFn, broker)

	runningCounter := func(projectID string) int {
		n := 0
		for _, t := range q.TasksByProject()[projectID] {
			if t.Status == domain.TaskRunning {
				n++
			}
		}
		return n
	}
	reg = registry.New(runningCounter)

	balCfg := balancer.DefaultConfig()
	if alg := balancer.Algorithm(doc.WorkerPool.Strategy); alg != "" {
		balCfg.Algorithm = alg
	}
	bal := balancer.New(balCfg)

	onResult := func(workerID, taskID string, ok bool, message string) {
		bal.DecrementLoad(workerID)
		if ok {
			if err := q.Complete(taskID); err != nil {
				log.Logger.Warn().Err(err).Str("task_id", taskID).Msg("completing task reported by worker failed")
			}
			return
		}
		retryDelay := time.Duration(doc.Defaults.RetryDelayMS) * time.Millisecond
		timeout := time.Duration(doc.Defaults.TimeoutMS) * time.Millisecond
		if err := q.Fail(taskID, message, retryDelay, timeout); err != nil {
			log.Logger.Warn().Err(err).Str("task_id", taskID).Msg("failing task reported by worker failed")
		}
	}

	lcCfg := lifecycle.DefaultConfig()
	lcCfg.Command = workerCommand
	lcCfg.Args = workerArgs
	lcMgr := lifecycle.New(lcCfg, broker, onResult)

	q.OnPreempt(func(ev queue.PreemptEvent) {
		log.Logger.Info().
			Str("incoming_task", ev.Incoming.ID).
			Str("running_task", ev.Running.ID).
			Msg("preemption decided; handler is responsible for pause/resume")
	})

	dispatch := func(project domain.Project, task domain.Task) error {
		workerID, err := bal.SelectWorker(task.ProjectID)
		if err != nil {
			return err
		}
		if err := q.StartTask(task.ID, workerID); err != nil {
			return err
		}
		bal.IncrementLoad(workerID)
		lcMgr.IncrementLoad(workerID)
		return lcMgr.Dispatch(workerID, task)
	}
	sched := scheduler.New(reg, q, dispatch, time.Second, scheduler.Strategy(doc.Daemon.SchedulingStrategy))

	queueStatsFn := func() domain.TaskQueueSnapshot { return q.Snapshot() }
	workerStatsFn := func() domain.WorkerStatsSnapshot {
		workers := lcMgr.List()
		var active int
		for _, w := range workers {
			if w.Status == domain.WorkerRunning {
				active++
			}
		}
		return domain.WorkerStatsSnapshot{Total: len(workers), Active: active, Idle: len(workers) - active}
	}
	collector := metrics.New(metrics.DefaultConfig(), queueStatsFn, workerStatsFn)

	scaleFn := func(delta int) (int, error) {
		if delta > 0 {
			for i := 0; i < delta; i++ {
				id, err := lcMgr.SpawnWorker("", defaultWorkerMaxConcurrent, 1.0)
				if err != nil {
					return len(lcMgr.List()), err
				}
				bal.RegisterWorker(domain.Worker{ID: id, MaxConcurrent: defaultWorkerMaxConcurrent, Weight: 1.0})
			}
		} else if delta < 0 {
			workers := lcMgr.List()
			for i := 0; i < -delta && i < len(workers); i++ {
				_ = lcMgr.StopWorker(workers[i].ID, true)
				bal.UnregisterWorker(workers[i].ID)
			}
		}
		return len(lcMgr.List()), nil
	}
	ascMetricsFn := func() autoscaler.Inputs {
		agg := collector.GetAggregated()
		qs := q.Stats()
		return autoscaler.Inputs{
			CPUAverage:     agg.CPUAverageOverall,
			MemoryPercent:  agg.MemoryWindowAvg,
			QueuePending:   qs.Queued,
			QueueCapacity:  doc.TaskQueue.MaxQueueSize,
			CurrentWorkers: len(lcMgr.List()),
		}
	}
	ascCfg := autoscaler.DefaultConfig()
	ascCfg.MinWorkers = doc.WorkerPool.MinWorkers
	ascCfg.MaxWorkers = doc.WorkerPool.MaxWorkers
	asc := autoscaler.New(ascCfg, ascMetricsFn, scaleFn, broker)

	scalingSub := broker.Subscribe()
	go func() {
		for ev := range scalingSub {
			if ev.Type != events.ScalingDecided {
				continue
			}
			hist := asc.History()
			if len(hist) == 0 {
				continue
			}
			if err := store.AppendScalingEvent(hist[len(hist)-1]); err != nil {
				log.Logger.Warn().Err(err).Msg("persisting scaling event failed")
			}
		}
	}()
	defer broker.Unsubscribe(scalingSub)

	socketPath := socketOverride
	if socketPath == "" {
		socketPath = filepath.Join(configDir, doc.Daemon.SocketPath)
	}
	if httpAddr == "" && doc.Daemon.Port != 0 {
		httpAddr = fmt.Sprintf("%s:%d", doc.Daemon.Host, doc.Daemon.Port)
	}

	var shutdownOnce sync.Once
	shutdownCh := make(chan struct{})
	shutdownFn := func() { shutdownOnce.Do(func() { close(shutdownCh) }) }

	cpCfg := controlplane.DefaultConfig()
	cpCfg.SocketPath = socketPath
	cpCfg.HTTPAddr = httpAddr
	cp := controlplane.New(cpCfg, controlplane.Dependencies{
		Registry:  reg,
		Queue:     q,
		Workers:   lcMgr,
		Scaler:    asc,
		Config:    cfgStore,
		Metrics:   collector,
		Scheduler: sched,
		Shutdown:  shutdownFn,
	})

	if err := writePIDFile(configDir, doc.Daemon.Port); err != nil {
		log.Logger.Warn().Err(err).Msg("writing pid file failed")
	}
	defer os.Remove(filepath.Join(configDir, "daemon.pid"))

	lcMgr.Start()
	bal.Start()
	collector.Start()
	asc.Start()
	sched.Start()
	if err := cp.Start(); err != nil {
		return fmt.Errorf("starting control plane: %w", err)
	}

	fmt.Printf("poppod is running. Control socket: %s\n", socketPath)
	if httpAddr != "" {
		fmt.Printf("HTTP surface: http://%s/health\n", httpAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case <-shutdownCh:
		fmt.Println("Shutdown requested over the control plane...")
	}

	sched.Stop()
	asc.Stop()
	collector.Stop()
	bal.Stop()
	lcMgr.Stop()
	_ = cp.Stop()

	fmt.Println("poppod stopped.")
	return nil
}

func writePIDFile(configDir string, port int) error {
	content := fmt.Sprintf("%d\n%d\n", os.Getpid(), port)
	return os.WriteFile(filepath.Join(configDir, "daemon.pid"), []byte(content), 0o644)
}
