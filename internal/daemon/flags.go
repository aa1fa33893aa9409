package daemon

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalFlags holds the four flags the original's handlers set:
// SIGTERM/SIGINT sets stop, SIGIO sets reap, SIGALRM sets refresh.
// jumpstart has no signal of its own: it starts true (an empty queue
// needs a first build) and is re-armed by the control loop itself when
// cull is requested but the queue isn't ready.
//
// Go has no signal-blocking-except-during-poll primitive, so instead of
// masking signals around a single suspension point the handlers here
// just flip atomic.Bool fields; the control loop's bounded-timeout poll
// (kernelchan.Channel.Wait) observes them on its own schedule, which is
// the same "handlers set flags only, work happens in the main loop"
// contract with a polling period substituted for signal masking.
type signalFlags struct {
	stop      atomic.Bool
	reap      atomic.Bool
	refresh   atomic.Bool
	jumpstart atomic.Bool
}

// installSignalHandlers starts a goroutine translating SIGTERM/SIGINT/
// SIGIO/SIGALRM into signalFlags and returns a func to stop listening.
func installSignalHandlers(f *signalFlags) (stopListening func()) {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGIO, syscall.SIGALRM)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					f.stop.Store(true)
				case syscall.SIGIO:
					f.reap.Store(true)
				case syscall.SIGALRM:
					f.refresh.Store(true)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// armRefreshAlarm schedules one SIGALRM seconds from now via unix.Alarm,
// the real alarm(2) syscall, to arm the refresh alarm.
func armRefreshAlarm(seconds uint) {
	unix.Alarm(seconds)
}

const refreshIntervalSeconds = 30
