package mailerr

import (
	"context"
	"time"
)

// Schedule is a fixed backoff: retry n (0-based) waits Schedule[n]. Its length
// is the number of retries after the first attempt.
type Schedule []time.Duration

// Delay returns the wait before retry n and whether that retry is allowed.
func (s Schedule) Delay(retry int) (time.Duration, bool) {
	if retry < 0 || retry >= len(s) {
		return 0, false
	}
	return s[retry], true
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return Cancelled("sleep", ctx.Err())
	}
}

// Retry runs fn, and while shouldRetry accepts the error, sleeps per schedule
// and runs it again. The last error is returned once the schedule is spent.
func Retry(ctx context.Context, schedule Schedule, sleep SleepFunc, shouldRetry func(error) bool, fn func(attempt int) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		delay, ok := schedule.Delay(attempt)
		if !ok {
			return err
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}
