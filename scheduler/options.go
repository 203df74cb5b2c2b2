package scheduler

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-greenloop/poller"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultFastPollTimeout is the initial, short, poll used when the ready
	// queue runs dry.
	DefaultFastPollTimeout = 10 * time.Millisecond

	// DefaultSlowPollTimeout bounds each blocking poll when nothing is timed.
	DefaultSlowPollTimeout = time.Second
)

// defaultFailureLogRates limits how often a panic of the same type is logged.
var defaultFailureLogRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	poller       poller.Poller
	logger       *logiface.Logger[logiface.Event]
	failureRates map[time.Duration]int
	pollerKind   poller.Kind
	fastPoll     time.Duration
	slowPoll     time.Duration
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithPoller uses the provided poller, instead of constructing one. The
// Scheduler takes ownership, closing it on Close.
func WithPoller(p poller.Poller) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if p == nil {
			return &TypeError{Message: "scheduler: nil poller"}
		}
		opts.poller = p
		return nil
	}}
}

// WithPollerKind selects a specific poller backend. By default, the best
// available backend is used, see [poller.Best].
func WithPollerKind(kind poller.Kind) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if !poller.Available(kind) {
			return fmt.Errorf("scheduler: poller %s: %w", kind, poller.ErrUnsupported)
		}
		opts.pollerKind = kind
		return nil
	}}
}

// WithLogger configures structured logging. Logging is disabled by default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithFastPollTimeout overrides [DefaultFastPollTimeout].
func WithFastPollTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d < 0 {
			return &RangeError{Message: "scheduler: negative fast poll timeout"}
		}
		opts.fastPoll = d
		return nil
	}}
}

// WithSlowPollTimeout overrides [DefaultSlowPollTimeout].
func WithSlowPollTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return &RangeError{Message: "scheduler: non-positive slow poll timeout"}
		}
		opts.slowPoll = d
		return nil
	}}
}

// WithFailureLogRates configures the rate limits applied to logging of task
// panics, per panic type, in the format accepted by [catrate.NewLimiter].
// An empty map disables rate limiting.
func WithFailureLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *schedulerOptions) (err error) {
		if len(rates) != 0 {
			defer func() {
				if r := recover(); r != nil {
					err = &RangeError{Message: fmt.Sprint(r)}
				}
			}()
			_ = catrate.NewLimiter(rates)
		}
		opts.failureRates = rates
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		fastPoll:     DefaultFastPollTimeout,
		slowPoll:     DefaultSlowPollTimeout,
		failureRates: defaultFailureLogRates,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
