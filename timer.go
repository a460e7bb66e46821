package main

import (
	"time"
)

// countdown is the per-room game clock. Fields are guarded by the owning
// hub's mutex; the tick goroutine re-acquires it before touching state.
// The stop channel is the handle to the live tick task, nil whenever no
// task is scheduled.
type countdown struct {
	remaining int
	running   bool
	stop      chan struct{}
}

// startClockLocked begins the once-per-second countdown. No-op if the clock
// is already running, the game is over, or no time remains.
func (h *hub) startClockLocked() {
	if h.clock.running || h.gameOver || h.clock.remaining <= 0 {
		return
	}

	stop := make(chan struct{})
	h.clock.running = true
	h.clock.stop = stop

	go h.runClock(stop)
}

// stopClockLocked cancels the tick task. Safe to call on every exit path:
// calling it when the clock is already stopped is a no-op, so pause,
// timeout, game-over, and teardown can all invoke it without coordination.
func (h *hub) stopClockLocked() {
	if !h.clock.running {
		return
	}

	h.clock.running = false
	close(h.clock.stop)
	h.clock.stop = nil
}

// pauseClockLocked stops the clock and tells the room it was paused.
func (h *hub) pauseClockLocked() {
	if !h.clock.running {
		return
	}

	h.stopClockLocked()
	h.broadcastLocked(TimerPausedMessage{
		Type:      "timer_paused",
		Remaining: h.clock.remaining,
	})
}

// runClock decrements the clock once per second until it is cancelled or
// runs out. The stop handle is compared against the hub's current one so a
// stale task that lost a race with pause/rematch exits without side effects.
func (h *hub) runClock(stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.mu.Lock()

			if !h.clock.running || h.clock.stop != stop {
				h.mu.Unlock()
				return
			}

			h.clock.remaining--

			if h.clock.remaining <= 0 {
				h.clock.remaining = 0
				h.clock.running = false
				h.clock.stop = nil

				h.appendLogLocked(logInfo, "", "Time is up!")
				h.broadcastLocked(SimpleMessage{
					Type:    "time_up",
					Message: "Time is up!",
				})
				h.evaluateEndLocked()
				h.broadcastStateLocked()

				h.mu.Unlock()
				return
			}

			h.broadcastLocked(TimerMessage{
				Type:      "timer",
				Remaining: h.clock.remaining,
			})

			h.mu.Unlock()
		}
	}
}
