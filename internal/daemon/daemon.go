package daemon

import (
	"errors"
	"fmt"
	"os"

	"github.com/cachefilesd/cachefilesd/internal/cachestate"
	"github.com/cachefilesd/cachefilesd/internal/config"
	"github.com/cachefilesd/cachefilesd/internal/cullqueue"
	"github.com/cachefilesd/cachefilesd/internal/fsck"
	"github.com/cachefilesd/cachefilesd/internal/graveyard"
	"github.com/cachefilesd/cachefilesd/internal/indexio"
	"github.com/cachefilesd/cachefilesd/internal/kernelchan"
	"github.com/cachefilesd/cachefilesd/internal/logger"
	"github.com/cachefilesd/cachefilesd/internal/metrics"
)

// pollTimeoutMillis bounds how long one iteration's channel.Wait blocks
// before the loop re-checks its signal flags, substituting for the
// original's signal-masked suspension (see flags.go).
const pollTimeoutMillis = 1000

// Daemon wires every component into the single-threaded control loop.
type Daemon struct {
	state   *cachestate.State
	cfg     *config.Config
	channel *kernelchan.Channel
	queue   *cullqueue.Queue
	reaper  *graveyard.Reaper
	metrics *metrics.Registry

	pager  *indexio.Pager
	ops    *cullOps
	rootFD int

	bound bool // set once Bind() has been issued; selects fsck.Online vs fsck.Offline

	flags    signalFlags
	fsckDone chan error
}

// New assembles a Daemon from its already-opened dependencies. Index and
// atimes files are opened by the caller (package cmd) since their
// lifetime spans both fsck and the queue/ops layer.
func New(state *cachestate.State, cfg *config.Config, channel *kernelchan.Channel, reaper *graveyard.Reaper, reg *metrics.Registry, indexFile, atimesFile *os.File, rootFD int) (*Daemon, error) {
	if state.Root == "" || state.Root == "/" || state.GraveyardDir == state.Root {
		return nil, &InvariantError{Msg: "cache root resolves to filesystem root; refusing to risk destroying it"}
	}

	queue, err := cullqueue.New(cfg.CullTable)
	if err != nil {
		return nil, err
	}
	pager := indexio.NewPager(state.Geo, indexFile, atimesFile)
	ops := newCullOps(state, pager, channel)

	return &Daemon{
		state:   state,
		cfg:     cfg,
		channel: channel,
		queue:   queue,
		reaper:  reaper,
		metrics: reg,
		pager:   pager,
		ops:     ops,
		rootFD:  rootFD,
	}, nil
}

// Bind issues the one-time bind command and switches fsck remediation to
// online mode.
func (d *Daemon) Bind() error {
	if err := d.channel.Bind(); err != nil {
		return fmt.Errorf("daemon: bind: %w", err)
	}
	d.bound = true
	d.state.Flags.SetBound(true)
	return nil
}

// Run drives the control loop until a stop signal arrives or an
// unrecoverable error occurs. It takes no context: a stop signal or an
// error is the only way it returns.
func (d *Daemon) Run() error {
	unregister := installSignalHandlers(&d.flags)
	defer unregister()

	d.flags.jumpstart.Store(true)

	if err := d.reaper.Arm(); err != nil {
		return fmt.Errorf("daemon: arm graveyard watcher: %w", err)
	}
	defer d.reaper.Close()

	for {
		if d.flags.stop.Load() {
			return d.shutdown()
		}

		if err := d.runOnce(); err != nil {
			return err
		}

		if d.flags.stop.Load() {
			return d.shutdown()
		}

		ready, err := d.channel.Wait(pollTimeoutMillis)
		if err != nil {
			return fmt.Errorf("daemon: poll kernel channel: %w", err)
		}
		_ = ready // readiness itself carries no info beyond "read again next loop"
	}
}

// shutdown implements the cancellation contract: graceful exit
// at the next loop boundary, fsck-in-progress left to finish.
func (d *Daemon) shutdown() error {
	logger.Infof("daemon: stop requested, shutting down")
	if d.fsckDone != nil {
		logger.Infof("daemon: waiting for in-flight fsck to finish")
		if err := <-d.fsckDone; err != nil {
			return err
		}
	}
	return d.pager.Close()
}

// runOnce executes one iteration's fixed work order: fsck dispatch,
// culling phase, reap.
func (d *Daemon) runOnce() error {
	st, err := d.channel.ReadState()
	if err != nil {
		return fmt.Errorf("daemon: read kernel state: %w", err)
	}

	if st.NeedFsck {
		d.state.Flags.SetNeedFsck(true)
	}

	if err := d.maybeCollectFsck(); err != nil {
		return err
	}
	if d.state.Flags.NeedFsck() && !d.state.Flags.FsckRunning() {
		d.startFsck()
	}

	if !d.cfg.NoCull {
		if err := d.cullPhase(st); err != nil {
			return err
		}
	}

	// The graveyard watcher reports through fsnotify events rather than
	// SIGIO; any pending event requests a reap the same way SIGIO does.
	for drained := false; !drained; {
		select {
		case _, ok := <-d.reaper.Events():
			if ok {
				d.flags.reap.Store(true)
			} else {
				drained = true
			}
		default:
			drained = true
		}
	}

	if d.flags.reap.CompareAndSwap(true, false) {
		if err := d.reaper.Reap(); err != nil {
			return fmt.Errorf("daemon: reap graveyard: %w", err)
		}
		if err := d.reaper.Arm(); err != nil {
			return fmt.Errorf("daemon: re-arm graveyard watcher: %w", err)
		}
		d.metrics.ReapsCompleted.Inc()
	}

	return nil
}

// cullPhase runs the culling step of the work order.
func (d *Daemon) cullPhase(st kernelchan.State) error {
	atimes, err := d.ops.openAtimes()
	if err != nil {
		return err
	}
	defer atimes.Close()
	reader := cullqueue.OpenAtimesFile(atimes)

	switch {
	case d.flags.jumpstart.Load() && d.queue.Empty():
		if err := d.queue.Build(reader, true, nil); err != nil {
			return wrapErr(err)
		}
		armRefreshAlarm(refreshIntervalSeconds)
		d.flags.jumpstart.Store(false)
	case d.flags.refresh.CompareAndSwap(true, false) && d.queue.Ready():
		if err := d.queue.Refresh(reader); err != nil {
			return wrapErr(err)
		}
		armRefreshAlarm(refreshIntervalSeconds)
	}

	if st.Cull {
		if d.queue.Ready() {
			drained, err := d.queue.Cull(d.ops)
			d.metrics.QueueDepth.Set(float64(d.queue.Len()))
			d.metrics.QueueThrash.Set(float64(d.queue.Thrash()))
			if err != nil {
				if errors.Is(err, cullqueue.ErrThrashLimitExceeded) {
					d.metrics.CullAttempts.WithLabelValues("thrash_limit").Inc()
					return err
				}
				d.metrics.CullAttempts.WithLabelValues("error").Inc()
				return fmt.Errorf("daemon: cull: %w", err)
			}
			outcome := "drained"
			if drained == 0 {
				outcome = "empty"
			}
			d.metrics.CullAttempts.WithLabelValues(outcome).Inc()
		} else {
			d.flags.jumpstart.Store(true)
		}
	}
	return nil
}

func wrapErr(err error) error {
	return fmt.Errorf("daemon: %w", err)
}

// startFsck launches the deep scan as a goroutine. Go has no fork(2): the
// original's forked-child-plus-SIGCHLD-handler model is replaced with a
// goroutine guarded by fsck_running and a completion channel the next
// loop iteration drains — functionally the same "only one concurrent
// fsck, parent observes completion and its exit status" contract without
// process-level isolation. The niceness-19 scheduling hint has no
// equivalent for a single-process goroutine and is dropped.
func (d *Daemon) startFsck() {
	d.state.Flags.SetFsckRunning(true)
	done := make(chan error, 1)
	d.fsckDone = done

	mode := fsck.Offline
	var kernel fsck.KernelOps
	if d.bound {
		mode = fsck.Online
		kernel = fsckKernelOps{channel: d.channel}
	}

	go func() {
		done <- d.runFsck(mode, kernel)
	}()
}

func (d *Daemon) runFsck(mode fsck.Mode, kernel fsck.KernelOps) error {
	modeLabel := "offline"
	if mode == fsck.Online {
		modeLabel = "online"
	}
	d.metrics.FsckRuns.WithLabelValues(modeLabel).Inc()

	idx, err := os.OpenFile(d.state.CullIndexPath, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("daemon: fsck open index: %w", err)
	}
	defer idx.Close()
	atm, err := os.OpenFile(d.state.CullAtimesPath, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("daemon: fsck open atimes: %w", err)
	}
	defer atm.Close()

	checker := fsck.NewChecker(d.state, idx, atm, d.rootFD, mode, kernel)
	runErr := checker.RunDeep(d.state.CacheDir)
	if runErr != nil {
		logger.Errorf("daemon: fsck deep scan failed: %v", runErr)
	} else if checker.Fixes > 0 {
		for phase, n := range checker.FixesByPhase() {
			d.metrics.FsckRepairs.WithLabelValues(phase).Add(float64(n))
		}
		logger.Infof("daemon: fsck repaired %d inconsistencies", checker.Fixes)
	}

	if completeErr := checker.Complete(runErr, d.channel.Fsck); completeErr != nil {
		logger.Errorf("daemon: fsck completion: %v", completeErr)
	}
	return runErr
}

// maybeCollectFsck drains a finished fsck goroutine, mirroring the
// original's SIGCHLD handler: clears fsck_running and, on failure, sets
// the global stop flag, since a failed fsck causes the parent to stop
// the same way a non-zero child exit does in the original.
func (d *Daemon) maybeCollectFsck() error {
	if d.fsckDone == nil {
		return nil
	}
	select {
	case err := <-d.fsckDone:
		d.fsckDone = nil
		d.state.Flags.SetFsckRunning(false)
		d.state.Flags.SetNeedFsck(false)
		if err != nil {
			d.flags.stop.Store(true)
		}
		return nil
	default:
		return nil
	}
}

// openAtimes is a small indirection so tests can swap in a fixture file
// without touching cullOps' exported surface.
func (o *cullOps) openAtimes() (*os.File, error) {
	return os.Open(o.state.CullAtimesPath)
}
