package arbiter

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/Meander-Cloud/go-hybrid/config"
)

// Arbiter runs dispatched functors one at a time on the scheduler goroutine.
// Socket writes and user callbacks go through it, so callers never block on I/O.
type Arbiter struct {
	c       *config.Config
	s       *scheduler.Scheduler[Group]
	eventpl sync.Pool
	eventch chan *event

	inShutdown atomic.Bool
}

func NewArbiter(c *config.Config) *Arbiter {
	eventChannelLength := c.GetEventChannelLength()

	a := &Arbiter{
		c: c,
		s: scheduler.NewScheduler[Group](
			&scheduler.Options{
				LogPrefix: fmt.Sprintf("%s-Arbiter", c.LogPrefix),
				LogDebug:  c.LogDebug,
			},
		),
		eventpl: sync.Pool{
			New: func() any {
				return newEvent()
			},
		},
		eventch:    make(chan *event, eventChannelLength),
		inShutdown: atomic.Bool{},
	}

	// add eventch
	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				a.eventch,
				func(_ *scheduler.Scheduler[Group], _ *scheduler.AsyncVariant[Group], recv interface{}) {
					a.handle(recv)
				},
				func(_ *scheduler.Scheduler[Group], v *scheduler.AsyncVariant[Group]) {
					log.Printf("%s: eventch released, select count: %d", c.LogPrefix, v.SelectCount)
				},
			),
		},
	)

	// ownership of internal state is transferred to scheduler goroutine
	a.s.RunAsync()

	return a
}

func (a *Arbiter) Shutdown() {
	a.inShutdown.Store(true)
	a.s.Shutdown() // wait
}

func (a *Arbiter) getEvent() *event {
	evtAny := a.eventpl.Get()
	evt, ok := evtAny.(*event)
	if !ok {
		err := fmt.Errorf("%s: failed to cast event, evtAny=%#v", a.c.LogPrefix, evtAny)
		log.Printf("%s", err.Error())
		panic(err)
	}
	return evt
}

func (a *Arbiter) returnEvent(evt *event) {
	// recycle event
	evt.reset()
	a.eventpl.Put(evt)
}

// scheduler goroutine
func (a *Arbiter) handle(recv interface{}) {
	evt, ok := recv.(*event)
	if !ok {
		log.Printf("%s: failed to cast event, recv=%#v", a.c.LogPrefix, recv)
		return
	}
	defer a.returnEvent(evt)

	t1 := time.Now().UTC()

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				log.Printf(
					"%s: %s functor recovered from panic: %+v",
					a.c.LogPrefix,
					evt.g,
					rec,
				)
			}
		}()
		evt.f()
	}()

	if !a.c.LogDebug {
		return
	}

	t2 := time.Now().UTC()

	// log event lifecycle
	log.Printf(
		"%s: %s event goQueueWait=%dus, evtFuncElapsed=%dus",
		a.c.LogPrefix,
		evt.g,
		t1.Sub(evt.t0).Microseconds(),
		t2.Sub(t1).Microseconds(),
	)
}

// any goroutine, never blocks
func (a *Arbiter) Dispatch(g Group, f func()) error {
	if a.inShutdown.Load() {
		err := fmt.Errorf("%s: in shutdown, dropping %s event", a.c.LogPrefix, g)
		log.Printf("%s", err.Error())
		return err
	}

	evt := a.getEvent()
	evt.g = g
	evt.f = f
	evt.t0 = time.Now().UTC()

	select {
	case a.eventch <- evt:
	default:
		err := fmt.Errorf("%s: failed to push %s event to eventch", a.c.LogPrefix, g)
		log.Printf("%s", err.Error())

		a.returnEvent(evt)
		return err
	}

	return nil
}
