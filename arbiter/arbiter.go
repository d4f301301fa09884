package arbiter

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	ga "github.com/Meander-Cloud/go-arbiter/arbiter"
	"github.com/Meander-Cloud/go-schedule/scheduler"

	g "github.com/Meander-Cloud/go-peerlink/group"
)

var ErrShutdown = errors.New("arbiter shut down")

type Options struct {
	LogPrefix string
	LogDebug  bool
}

// Arbiter serializes state mutations onto one go-arbiter goroutine, adding named events,
// waited dispatch and timer groups.
type Arbiter struct {
	options *Options
	a       *ga.Arbiter[g.Group]

	// held shared while pushing, so no event is queued once shutdown began
	mutex      sync.RWMutex
	inShutdown atomic.Bool
	exitch     chan struct{}
}

func NewArbiter(options *Options) *Arbiter {
	return &Arbiter{
		options: options,
		a: ga.New(
			&ga.Options[g.Group]{
				LogPrefix: options.LogPrefix,
				LogDebug:  false,
				LogEvent:  options.LogDebug,
			},
		),
		mutex:      sync.RWMutex{},
		inShutdown: atomic.Bool{},
		exitch:     make(chan struct{}),
	}
}

// Shutdown stops the arbiter goroutine, events still queued are dropped.
func (a *Arbiter) Shutdown() {
	a.mutex.Lock()
	if a.inShutdown.Swap(true) {
		a.mutex.Unlock()
		return
	}
	a.mutex.Unlock()

	a.a.Shutdown() // wait
	close(a.exitch)
}

func (a *Arbiter) Scheduler() *scheduler.Scheduler[g.Group] {
	return a.a.Scheduler()
}

// any goroutine
func (a *Arbiter) Dispatch(name string, f func()) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.inShutdown.Load() {
		return fmt.Errorf("%s: %s: %w", a.options.LogPrefix, name, ErrShutdown)
	}

	t0 := time.Now().UTC()
	a.a.Dispatch(
		func() {
			// invoked on arbiter goroutine
			a.run(name, t0, f)
		},
	)
	return nil
}

// arbiter goroutine
func (a *Arbiter) run(name string, t0 time.Time, f func()) {
	defer func() {
		rec := recover()
		if rec != nil {
			log.Printf("%s: %s: functor recovered from panic: %+v", a.options.LogPrefix, name, rec)
		}
	}()

	if a.options.LogDebug {
		log.Printf("%s: %s: queued %dus", a.options.LogPrefix, name, time.Since(t0).Microseconds())
	}
	f()
}

// DispatchWait blocks until f has run, or returns ErrShutdown once f can no longer run.
// any goroutine except the arbiter goroutine
func (a *Arbiter) DispatchWait(name string, f func()) error {
	done := make(chan struct{})
	err := a.Dispatch(
		name,
		func() {
			// invoked on arbiter goroutine
			defer close(done)
			f()
		},
	)
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-a.exitch:
		// the arbiter goroutine is gone, f either ran already or never will
		select {
		case <-done:
			return nil
		default:
			return fmt.Errorf("%s: %s: dropped, %w", a.options.LogPrefix, name, ErrShutdown)
		}
	}
}

// caller must be on arbiter goroutine
func (a *Arbiter) ScheduleTimer(group g.Group, wait time.Duration, f func()) {
	a.a.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]g.Group{group},
				wait,
				f,
				nil,
			),
		},
	)

	if a.options.LogDebug {
		log.Printf("%s: scheduled<%v>: %s", a.options.LogPrefix, wait, group)
	}
}

// caller must be on arbiter goroutine
func (a *Arbiter) ReleaseTimer(group g.Group) {
	a.a.Scheduler().ProcessSync(
		&scheduler.ReleaseGroupEvent[g.Group]{
			Group: group,
		},
	)

	if a.options.LogDebug {
		log.Printf("%s: released: %s", a.options.LogPrefix, group)
	}
}
