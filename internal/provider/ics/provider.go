// Package ics implements a calendar provider backed by a directory of ICS
// files. Each subdirectory of the root is a calendar and each
// <uid>.ics file inside it holds one event.
package ics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/calsync/internal/models"
	"github.com/wolfeidau/calsync/internal/provider"
)

const (
	fileExt         = ".ics"
	defaultDebounce = 200 * time.Millisecond
)

var (
	// ErrInvalidID is returned for ids that cannot be used as file or directory names.
	ErrInvalidID = errors.New("invalid identifier")
)

var _ provider.Provider = (*Provider)(nil)
var _ provider.Subscriber = (*Provider)(nil)

// Provider stores events as ICS files under a root directory.
type Provider struct {
	root     string
	name     string
	debounce time.Duration
	now      func() time.Time

	// writes are serialized so an update and a delete of the same uid cannot
	// interleave their file operations
	mu sync.Mutex
}

// Option configures a Provider.
type Option func(*Provider)

// WithName sets the provider name reported in change records.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithDebounce sets the quiet period before a burst of file system events is
// reported as one change signal.
func WithDebounce(d time.Duration) Option {
	return func(p *Provider) { p.debounce = d }
}

// New opens (creating if needed) an ICS directory provider.
func New(root string, opts ...Option) (*Provider, error) {
	if root == "" {
		return nil, errors.New("ics root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ics root: %w", err)
	}

	p := &Provider{
		root:     root,
		name:     "ics",
		debounce: defaultDebounce,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string {
	return p.name
}

// Root returns the provider's root directory.
func (p *Provider) Root() string {
	return p.root
}

func (p *Provider) ListCalendars(ctx context.Context) ([]models.Calendar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirs, err := p.calendarDirs()
	if err != nil {
		return nil, err
	}

	cals := make([]models.Calendar, 0, len(dirs))
	for _, d := range dirs {
		cals = append(cals, models.Calendar{ID: d, Title: d, Writable: true})
	}
	return cals, nil
}

func (p *Provider) ListEvents(ctx context.Context, r models.DateRange) ([]provider.Event, error) {
	dirs, err := p.calendarDirs()
	if err != nil {
		return nil, err
	}

	var out []provider.Event
	for _, calID := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(filepath.Join(p.root, calID))
		if err != nil {
			return nil, fmt.Errorf("failed to read calendar %s: %w", calID, err)
		}
		for _, entry := range entries {
			if !isEventFile(entry) {
				continue
			}
			ev, err := p.readEvent(calID, entry.Name())
			if err != nil {
				log.Warn().Err(err).Str("calendar_id", calID).Str("file", entry.Name()).Msg("Skipping unreadable event file")
				continue
			}
			if ev.RecurrenceRule == "" && !r.Overlaps(ev.Start, ev.End) {
				continue
			}
			out = append(out, ev)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (p *Provider) GetEvent(ctx context.Context, externalID string) (provider.Event, error) {
	if err := ctx.Err(); err != nil {
		return provider.Event{}, err
	}

	calID, err := p.locate(externalID)
	if err != nil {
		return provider.Event{}, err
	}
	return p.readEvent(calID, externalID+fileExt)
}

func (p *Provider) CreateEvent(ctx context.Context, ev provider.Event) (provider.Event, error) {
	if err := ctx.Err(); err != nil {
		return provider.Event{}, err
	}
	if err := validID(ev.CalendarID); err != nil {
		return provider.Event{}, fmt.Errorf("calendar id %q: %w", ev.CalendarID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ev.ExternalID = uuid.Must(uuid.NewV7()).String()
	ev.LastModified = p.stamp()

	if err := p.writeEvent(ev); err != nil {
		return provider.Event{}, err
	}
	return ev, nil
}

func (p *Provider) UpdateEvent(ctx context.Context, ev provider.Event) (provider.Event, error) {
	if err := ctx.Err(); err != nil {
		return provider.Event{}, err
	}
	if err := validID(ev.CalendarID); err != nil {
		return provider.Event{}, fmt.Errorf("calendar id %q: %w", ev.CalendarID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	currentCal, err := p.locate(ev.ExternalID)
	if err != nil {
		return provider.Event{}, err
	}

	ev.LastModified = p.stamp()
	if err := p.writeEvent(ev); err != nil {
		return provider.Event{}, err
	}

	// moved to another calendar
	if currentCal != ev.CalendarID {
		old := filepath.Join(p.root, currentCal, ev.ExternalID+fileExt)
		if err := os.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return provider.Event{}, fmt.Errorf("failed to remove moved event: %w", err)
		}
	}
	return ev, nil
}

func (p *Provider) DeleteEvent(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	calID, err := p.locate(externalID)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(p.root, calID, externalID+fileExt)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", provider.ErrEventNotFound, externalID)
		}
		return fmt.Errorf("failed to delete event file: %w", err)
	}
	return nil
}

// stamp returns the current time at ICS precision.
func (p *Provider) stamp() time.Time {
	return p.now().UTC().Truncate(time.Second)
}

func (p *Provider) calendarDirs() ([]string, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read ics root: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// locate returns the calendar directory holding externalID.
func (p *Provider) locate(externalID string) (string, error) {
	if err := validID(externalID); err != nil {
		return "", fmt.Errorf("%w: %s", provider.ErrEventNotFound, externalID)
	}

	matches, err := filepath.Glob(filepath.Join(p.root, "*", externalID+fileExt))
	if err != nil {
		return "", fmt.Errorf("failed to locate event: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", provider.ErrEventNotFound, externalID)
	}
	return filepath.Base(filepath.Dir(matches[0])), nil
}

func (p *Provider) readEvent(calID, fileName string) (provider.Event, error) {
	body, err := os.ReadFile(filepath.Join(p.root, calID, fileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return provider.Event{}, fmt.Errorf("%w: %s", provider.ErrEventNotFound, strings.TrimSuffix(fileName, fileExt))
		}
		return provider.Event{}, fmt.Errorf("failed to read event file: %w", err)
	}
	return decode(calID, body)
}

// writeEvent replaces the event file atomically via a temp file and rename.
func (p *Provider) writeEvent(ev provider.Event) error {
	dir := filepath.Join(p.root, ev.CalendarID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create calendar directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*"+fileExt)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(encode(ev)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync event: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close event: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, ev.ExternalID+fileExt)); err != nil {
		return fmt.Errorf("failed to rename event: %w", err)
	}
	return nil
}

func isEventFile(e fs.DirEntry) bool {
	return !e.IsDir() && !strings.HasPrefix(e.Name(), ".") && strings.HasSuffix(e.Name(), fileExt)
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return ErrInvalidID
	}
	return nil
}
