package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/calsync/internal/models"
)

type CreateCmd struct {
	Calendar    string    `help:"calendar id" required:""`
	Title       string    `help:"event title" required:""`
	Start       time.Time `help:"start time (RFC3339)" required:""`
	End         time.Time `help:"end time (RFC3339)" required:""`
	AllDay      bool      `help:"all-day event" default:"false"`
	Location    string    `help:"event location"`
	Description string    `help:"event description"`
	RRule       string    `help:"RFC 5545 recurrence rule, e.g. FREQ=WEEKLY;BYDAY=MO" name:"rrule"`
}

func (c *CreateCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, _, err := setup(globals)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	ev, err := e.CreateEvent(ctx, c.Calendar, models.EventData{
		Title:          c.Title,
		Start:          c.Start,
		End:            c.End,
		AllDay:         c.AllDay,
		Location:       c.Location,
		Description:    c.Description,
		RecurrenceRule: c.RRule,
	})
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	printEvents([]*models.Event{ev})
	return nil
}

type UpdateCmd struct {
	ID string `arg:"" help:"local event id"`

	Title       *string    `help:"new title"`
	Start       *time.Time `help:"new start time (RFC3339)"`
	End         *time.Time `help:"new end time (RFC3339)"`
	AllDay      *bool      `help:"set or clear all-day"`
	Location    *string    `help:"new location"`
	Description *string    `help:"new description"`
	RRule       *string    `help:"new recurrence rule, empty to clear" name:"rrule"`
}

func (u *UpdateCmd) Run(ctx context.Context, globals *Globals) error {
	patch := models.EventPatch{
		Title:          u.Title,
		Start:          u.Start,
		End:            u.End,
		AllDay:         u.AllDay,
		Location:       u.Location,
		Description:    u.Description,
		RecurrenceRule: u.RRule,
	}
	if patch == (models.EventPatch{}) {
		return fmt.Errorf("nothing to update, pass at least one field")
	}

	cfg, _, err := setup(globals)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	ev, err := e.UpdateEvent(ctx, u.ID, patch)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}

	printEvents([]*models.Event{ev})
	return nil
}

type DeleteCmd struct {
	ID string `arg:"" help:"local event id"`
}

func (d *DeleteCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, _, err := setup(globals)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.DeleteEvent(ctx, d.ID); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	fmt.Printf("Deleted %s\n", d.ID)
	return nil
}

type QueryCmd struct {
	Calendar string        `help:"only events in this calendar"`
	From     time.Time     `help:"range start (RFC3339), defaults to now"`
	For      time.Duration `help:"range length" default:"168h"`
	Limit    int           `help:"maximum events to list" default:"50"`
}

func (q *QueryCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, _, err := setup(globals)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	from := q.From
	if from.IsZero() {
		from = time.Now()
	}
	events, err := e.QueryEvents(ctx, models.EventFilter{
		CalendarID: q.Calendar,
		Range:      models.DateRange{Start: from, End: from.Add(q.For)},
		Limit:      q.Limit,
	})
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No events found")
		return nil
	}
	printEvents(events)
	return nil
}

type SyncCmd struct{}

func (s *SyncCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, log, err := setup(globals)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.SyncNow(ctx); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	m, err := e.GetSystemMetrics()
	if err != nil {
		return err
	}
	log.Info().
		Int64("changes_detected", m.Monitor.ChangesDetected).
		Int64("succeeded", m.Pipeline.Succeeded).
		Int64("failed", m.Pipeline.Failed).
		Msg("Sync complete")
	return nil
}

func printEvents(events []*models.Event) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCALENDAR\tSTART\tEND\tTITLE\tEXTERNAL ID")
	for _, ev := range events {
		external := "-"
		if ev.ExternalID != nil {
			external = *ev.ExternalID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.ID, ev.CalendarID,
			formatTime(ev.Start, ev.AllDay), formatTime(ev.End, ev.AllDay),
			ev.Title, external)
	}
	_ = w.Flush()
}

func formatTime(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(time.DateOnly)
	}
	return t.Local().Format("2006-01-02 15:04")
}
