// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jacobsa/daemonize"

	"github.com/cachefilesd/cachefilesd/internal/cachestate"
	"github.com/cachefilesd/cachefilesd/internal/config"
	"github.com/cachefilesd/cachefilesd/internal/daemon"
	"github.com/cachefilesd/cachefilesd/internal/fsck"
	"github.com/cachefilesd/cachefilesd/internal/graveyard"
	"github.com/cachefilesd/cachefilesd/internal/kernelchan"
	"github.com/cachefilesd/cachefilesd/internal/logger"
	"github.com/cachefilesd/cachefilesd/internal/metrics"
)

// Version is this rewrite's own version string, unrelated to the
// upstream C daemon's numbering.
const Version = "0.1.0"

const (
	defaultConfigPath = "/etc/cachefilesd.conf"
	defaultLogPath    = "/var/log/cachefilesd.log"
)

var (
	debugCount  int
	logStderr   bool
	noDaemonize bool
	pidFile     string
	configFile  string
	forceScan   bool
	scanOnly    bool
	showVersion bool
	foreground  bool // set on the re-exec'd daemon child, see daemonizeSelf
)

var rootCmd = &cobra.Command{
	Use:   "cachefilesd",
	Short: "Userspace manager for the Linux kernel disk cache",
	Long: `cachefilesd cooperates with the in-kernel cachefiles module: it culls
cached objects by access time under pressure, runs a consistency checker
over the on-disk index, and relays kernel requests over a control
channel.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runE,
}

func init() {
	flags := rootCmd.Flags()
	flags.CountVarP(&debugCount, "d", "d", "increase debug verbosity (repeatable)")
	flags.BoolVarP(&logStderr, "s", "s", false, "log to stderr instead of the rotated log file")
	flags.BoolVarP(&noDaemonize, "n", "n", false, "do not daemonize; run attached to the terminal")
	flags.StringVarP(&pidFile, "p", "p", "", "write the daemon's pid to this file")
	flags.StringVarP(&configFile, "f", "f", "", "path to the config file (default "+defaultConfigPath+")")
	flags.BoolVarP(&forceScan, "F", "F", false, "force a deep fsck scan on startup")
	flags.BoolVarP(&scanOnly, "c", "c", false, "run fsck offline and exit, without binding to the kernel")
	flags.BoolVarP(&showVersion, "v", "v", false, "print version and exit")

	flags.BoolVar(&foreground, "foreground", false, "internal: skip re-daemonization")
	_ = flags.MarkHidden("foreground")

	if err := config.BindFlags(flags); err != nil {
		panic(fmt.Sprintf("cachefilesd: bind flags: %v", err))
	}
}

// Execute runs the command and translates its error, if any, into the
// daemon's exit-code taxonomy.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(daemon.ExitCodeFor(err))
}

func runE(_ *cobra.Command, _ []string) error {
	if showVersion {
		fmt.Printf("cachefilesd version %s\n", Version)
		return nil
	}

	if !foreground && !noDaemonize {
		return daemonizeSelf()
	}

	signalOutcome := func(error) {}
	if foreground {
		// Only a re-exec'd daemon child has a parent waiting on
		// daemonize.SignalOutcome; a plain -n foreground run has none.
		signalOutcome = func(err error) {
			if sigErr := daemonize.SignalOutcome(err); sigErr != nil {
				fmt.Fprintf(os.Stderr, "cachefilesd: failed to signal outcome to parent: %v\n", sigErr)
			}
		}
	}

	return run(signalOutcome)
}

// daemonizeSelf re-executes the current binary in the background via
// daemonize.Run, the way gcsfuse's legacy_main.go daemonizes gcsfuse,
// passing --foreground so the child skips this branch.
func daemonizeSelf() error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cachefilesd: resolve executable path: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)
	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("cachefilesd: daemonize: %w", err)
	}
	return nil
}

// run performs every startup step through the blocking control loop.
// onReady is called exactly once, with the first fatal error (or nil
// once the daemon has bound to the kernel and is about to serve), so a
// daemonized parent can be told whether to report success.
func run(onReady func(error)) error {
	cfgPath := configFile
	if cfgPath == "" {
		cfgPath = defaultConfigPath
	}
	parsed, err := config.Load(cfgPath)
	if err != nil {
		onReady(err)
		return err
	}

	overrides := config.Overrides{}
	config.ApplyOverrides(&overrides)
	if forceScan {
		overrides.ForceScan = true
	}
	if scanOnly {
		overrides.ScanOnly = true
	}

	if logStderr {
		logger.InitStderr(verbosityToLevel(debugCount), "text")
	} else if err := logger.InitLogFile(defaultLogPath, verbosityToLevel(debugCount), "text", logger.DefaultRotateConfig()); err != nil {
		err = fmt.Errorf("cachefilesd: init log file: %w", err)
		onReady(err)
		return err
	}

	if pidFile != "" {
		if err := writePIDFile(pidFile); err != nil {
			onReady(err)
			return err
		}
		defer os.Remove(pidFile)
	}

	state := cachestate.New(parsed.Dir)

	var lockExists bool
	var lockMTime time.Time
	if fi, statErr := os.Stat(state.LockPath); statErr == nil {
		lockExists = true
		lockMTime = fi.ModTime()
	} else if !os.IsNotExist(statErr) {
		err := fmt.Errorf("cachefilesd: stat lock file: %w", statErr)
		onReady(err)
		return err
	}

	needFsck, err := fsck.Preflight(state, lockExists, lockMTime, time.Now())
	if err != nil {
		onReady(err)
		return err
	}
	if overrides.ForceScan {
		needFsck = true
	}
	state.Flags.SetNeedFsck(needFsck)

	lock, err := os.OpenFile(state.LockPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		err = fmt.Errorf("cachefilesd: create lock file: %w", err)
		onReady(err)
		return err
	}
	lock.Close()

	idx, err := os.OpenFile(state.CullIndexPath, os.O_RDWR, 0o600)
	if err != nil {
		err = fmt.Errorf("cachefilesd: open index file: %w", err)
		onReady(err)
		return err
	}
	defer idx.Close()

	atm, err := os.OpenFile(state.CullAtimesPath, os.O_RDWR, 0o600)
	if err != nil {
		err = fmt.Errorf("cachefilesd: open atimes file: %w", err)
		onReady(err)
		return err
	}
	defer atm.Close()

	rootFD, err := os.Open(state.Root)
	if err != nil {
		err = fmt.Errorf("cachefilesd: open cache root: %w", err)
		onReady(err)
		return err
	}
	defer rootFD.Close()

	if overrides.ScanOnly {
		checker := fsck.NewChecker(state, idx, atm, int(rootFD.Fd()), fsck.Offline, nil)
		runErr := checker.RunDeep(state.CacheDir)
		completeErr := checker.Complete(runErr, nil)
		onReady(runErr)
		if runErr != nil {
			return runErr
		}
		return completeErr
	}

	kfd, err := kernelchan.Open()
	if err != nil {
		err = fmt.Errorf("cachefilesd: open kernel channel: %w", err)
		onReady(err)
		return err
	}
	kernelFile := os.NewFile(uintptr(kfd), "/dev/cachefiles")
	defer kernelFile.Close()
	channel := kernelchan.New(kfd, kernelFile)

	for _, line := range parsed.Passthrough {
		if err := channel.ConfigLine(line); err != nil {
			err = fmt.Errorf("cachefilesd: forward config line %q: %w", line, err)
			onReady(err)
			return err
		}
	}

	reaper, err := graveyard.New(state.GraveyardDir)
	if err != nil {
		onReady(err)
		return err
	}

	reg := metrics.New()
	reg.MustRegister(prometheus.DefaultRegisterer)

	d, err := daemon.New(state, parsed, channel, reaper, reg, idx, atm, int(rootFD.Fd()))
	if err != nil {
		onReady(err)
		return err
	}
	if err := d.Bind(); err != nil {
		onReady(err)
		return err
	}

	onReady(nil)
	return d.Run()
}

func verbosityToLevel(n int) string {
	switch {
	case n >= 2:
		return logger.TRACE
	case n == 1:
		return logger.DEBUG
	default:
		return logger.INFO
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
