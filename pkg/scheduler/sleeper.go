package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// Sleeper waits between power-save cycles. Production nodes suspend the
// whole machine; development hosts just block.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper blocks the calling goroutine for the duration. Used on hosts
// that cannot or should not suspend.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RTCWake suspends the machine via rtcwake(8) with an RTC alarm armed for
// the wake time. Requires root and a working RTC.
type RTCWake struct {
	// Mode is the suspend state handed to rtcwake -m; "mem" when empty.
	Mode string
}

func (r RTCWake) Sleep(ctx context.Context, d time.Duration) error {
	mode := r.Mode
	if mode == "" {
		mode = "mem"
	}
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}

	cmd := exec.CommandContext(ctx, "rtcwake", "-m", mode, "-s", strconv.Itoa(secs))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rtcwake failed: %w (%s)", err, out)
	}
	return nil
}
