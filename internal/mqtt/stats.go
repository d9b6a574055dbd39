package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/emberhall/hearth/internal/events"
)

// Snapshot is the Collector's view of today's activity.
type Snapshot struct {
	RequestsToday int64
	CommandsToday int64
	LastRequest   time.Time
	LastIntent    string
}

// Collector accumulates request and command counts that reset at
// local midnight. It is safe for concurrent use. Feed it from the
// event bus via [Collector.Run], or directly through the On* methods.
type Collector struct {
	mu          sync.Mutex
	requests    int64
	commands    int64
	lastRequest time.Time
	lastIntent  string
	resetDay    int // day-of-year of last reset
	loc         *time.Location
}

// NewCollector creates an accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewCollector(loc *time.Location) *Collector {
	if loc == nil {
		loc = time.Local
	}
	return &Collector{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// OnRequest records a completed utterance.
func (c *Collector) OnRequest(intent string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeReset()
	c.requests++
	c.lastRequest = at
	c.lastIntent = intent
}

// OnCommands records n device commands executed from a confirmed
// session.
func (c *Collector) OnCommands(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeReset()
	c.commands += int64(n)
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeReset()
	return Snapshot{
		RequestsToday: c.requests,
		CommandsToday: c.commands,
		LastRequest:   c.lastRequest,
		LastIntent:    c.lastIntent,
	}
}

// maybeReset zeroes the counters if the local day-of-year has
// changed. Must be called with c.mu held. The last-request fields
// survive the rollover.
func (c *Collector) maybeReset() {
	today := time.Now().In(c.loc).YearDay()
	if today != c.resetDay {
		c.requests = 0
		c.commands = 0
		c.resetDay = today
	}
}

// Run subscribes to the event bus and feeds the accumulator until ctx
// is cancelled. Events the Collector does not care about are ignored.
func (c *Collector) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.handle(e)
		}
	}
}

func (c *Collector) handle(e events.Event) {
	switch e.Kind {
	case events.KindRequestComplete:
		intent, _ := e.Data["intent"].(string)
		c.OnRequest(intent, e.Timestamp)
	case events.KindCommandsExecuted:
		if n, ok := e.Data["commands"].(int); ok {
			c.OnCommands(n)
		}
	}
}
