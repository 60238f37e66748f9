// Package memory provides an in-process calendar provider with push
// subscriptions and fault injection. Data is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/provider"
)

// Op names a provider call for fault injection.
type Op string

const (
	OpList   Op = "list"
	OpGet    Op = "get"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

var _ provider.Provider = (*Provider)(nil)
var _ provider.Subscriber = (*Provider)(nil)

type fault struct {
	err        error
	afterApply bool
	corrupt    bool
}

// Provider implements provider.Provider in memory.
type Provider struct {
	mu sync.RWMutex

	name        string
	events      map[string]provider.Event // external id -> event
	calendars   map[string]models.Calendar
	subscribers []chan struct{}

	faults      map[Op][]fault
	unavailable bool
	latency     time.Duration
	now         func() time.Time

	calls map[Op]int
}

// Option configures a Provider.
type Option func(*Provider)

// WithName sets the provider name reported in change records.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithClock overrides the time source used for LastModified markers.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New creates an empty provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:      "memory",
		events:    make(map[string]provider.Event),
		calendars: make(map[string]models.Calendar),
		faults:    make(map[Op][]fault),
		calls:     make(map[Op]int),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string {
	return p.name
}

// FailNext makes the next call of op return err without side effects.
func (p *Provider) FailNext(op Op, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], fault{err: err})
}

// FailAfterApply makes the next call of op apply its effect and then return
// err, simulating an ambiguous failure such as a response timeout.
func (p *Provider) FailAfterApply(op Op, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], fault{err: err, afterApply: true})
}

// CorruptNext makes the next create or update store a different title than
// requested while reporting success, so read-back verification fails.
func (p *Provider) CorruptNext(op Op) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], fault{corrupt: true})
}

// SetUnavailable makes every call fail with provider.ErrUnavailable.
func (p *Provider) SetUnavailable(unavailable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unavailable = unavailable
}

// SetLatency delays every call by d.
func (p *Provider) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// Calls returns how many times op was invoked.
func (p *Provider) Calls(op Op) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls[op]
}

// AddCalendar registers a calendar and notifies subscribers.
func (p *Provider) AddCalendar(cal models.Calendar) {
	p.mu.Lock()
	p.calendars[cal.ID] = cal
	p.mu.Unlock()
	p.notify()
}

// RemoveCalendar deletes a calendar and all of its events.
func (p *Provider) RemoveCalendar(id string) {
	p.mu.Lock()
	delete(p.calendars, id)
	for extID, ev := range p.events {
		if ev.CalendarID == id {
			delete(p.events, extID)
		}
	}
	p.mu.Unlock()
	p.notify()
}

// Put inserts or replaces an event as an external actor would, bumping its
// LastModified marker. An empty ExternalID gets a new one.
func (p *Provider) Put(ev provider.Event) provider.Event {
	p.mu.Lock()
	if ev.ExternalID == "" {
		ev.ExternalID = uuid.Must(uuid.NewV7()).String()
	}
	ev.LastModified = p.now()
	p.ensureCalendarLocked(ev.CalendarID)
	p.events[ev.ExternalID] = ev
	p.mu.Unlock()
	p.notify()
	return ev
}

// Remove deletes an event as an external actor would.
func (p *Provider) Remove(externalID string) {
	p.mu.Lock()
	delete(p.events, externalID)
	p.mu.Unlock()
	p.notify()
}

// Snapshot returns a copy of all stored events keyed by external id.
func (p *Provider) Snapshot() map[string]provider.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]provider.Event, len(p.events))
	for k, v := range p.events {
		out[k] = v
	}
	return out
}

// Count returns the number of stored events.
func (p *Provider) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.events)
}

func (p *Provider) ListEvents(ctx context.Context, r models.DateRange) ([]provider.Event, error) {
	if err := p.begin(ctx, OpList); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]provider.Event, 0, len(p.events))
	for _, ev := range p.events {
		if ev.RecurrenceRule == "" && !r.Overlaps(ev.Start, ev.End) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (p *Provider) ListCalendars(ctx context.Context) ([]models.Calendar, error) {
	if err := p.begin(ctx, OpList); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.Calendar, 0, len(p.calendars))
	for _, c := range p.calendars {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Provider) GetEvent(ctx context.Context, externalID string) (provider.Event, error) {
	if err := p.begin(ctx, OpGet); err != nil {
		return provider.Event{}, err
	}
	f := p.takeFault(OpGet)
	if f != nil && !f.afterApply && !f.corrupt {
		return provider.Event{}, f.err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	ev, ok := p.events[externalID]
	if !ok {
		return provider.Event{}, fmt.Errorf("%w: %s", provider.ErrEventNotFound, externalID)
	}
	return ev, nil
}

func (p *Provider) CreateEvent(ctx context.Context, ev provider.Event) (provider.Event, error) {
	if err := p.begin(ctx, OpCreate); err != nil {
		return provider.Event{}, err
	}
	f := p.takeFault(OpCreate)
	if f != nil && !f.afterApply && !f.corrupt {
		return provider.Event{}, f.err
	}

	p.mu.Lock()
	ev.ExternalID = uuid.Must(uuid.NewV7()).String()
	ev.LastModified = p.now()
	if f != nil && f.corrupt {
		ev.Title += " (corrupted)"
	}
	p.ensureCalendarLocked(ev.CalendarID)
	p.events[ev.ExternalID] = ev
	p.mu.Unlock()
	p.notify()

	if f != nil && f.afterApply {
		return provider.Event{}, f.err
	}
	return ev, nil
}

func (p *Provider) UpdateEvent(ctx context.Context, ev provider.Event) (provider.Event, error) {
	if err := p.begin(ctx, OpUpdate); err != nil {
		return provider.Event{}, err
	}
	f := p.takeFault(OpUpdate)
	if f != nil && !f.afterApply && !f.corrupt {
		return provider.Event{}, f.err
	}

	p.mu.Lock()
	if _, ok := p.events[ev.ExternalID]; !ok {
		p.mu.Unlock()
		return provider.Event{}, fmt.Errorf("%w: %s", provider.ErrEventNotFound, ev.ExternalID)
	}
	ev.LastModified = p.now()
	if f != nil && f.corrupt {
		ev.Title += " (corrupted)"
	}
	p.ensureCalendarLocked(ev.CalendarID)
	p.events[ev.ExternalID] = ev
	p.mu.Unlock()
	p.notify()

	if f != nil && f.afterApply {
		return provider.Event{}, f.err
	}
	return ev, nil
}

func (p *Provider) DeleteEvent(ctx context.Context, externalID string) error {
	if err := p.begin(ctx, OpDelete); err != nil {
		return err
	}
	f := p.takeFault(OpDelete)
	if f != nil && !f.afterApply {
		return f.err
	}

	p.mu.Lock()
	_, existed := p.events[externalID]
	delete(p.events, externalID)
	p.mu.Unlock()
	if existed {
		p.notify()
	}

	if f != nil && f.afterApply {
		return f.err
	}
	if !existed {
		return fmt.Errorf("%w: %s", provider.ErrEventNotFound, externalID)
	}
	return nil
}

// Subscribe returns a channel signalled after every change.
func (p *Provider) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, sub := range p.subscribers {
			if sub == ch {
				p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}()

	return ch, nil
}

func (p *Provider) notify() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// a signal is already pending
		}
	}
}

func (p *Provider) begin(ctx context.Context, op Op) error {
	p.mu.Lock()
	p.calls[op]++
	unavailable := p.unavailable
	latency := p.latency
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if unavailable {
		return provider.ErrUnavailable
	}
	return nil
}

func (p *Provider) takeFault(op Op) *fault {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := p.faults[op]
	if len(queue) == 0 {
		return nil
	}
	f := queue[0]
	p.faults[op] = queue[1:]
	return &f
}

func (p *Provider) ensureCalendarLocked(id string) {
	if id == "" {
		return
	}
	if _, ok := p.calendars[id]; !ok {
		p.calendars[id] = models.Calendar{ID: id, Title: id, Writable: true}
	}
}
