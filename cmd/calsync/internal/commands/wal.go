package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/calsync/internal/wal"
	"github.com/wolfeidau/calsync/internal/writer"
)

type RecoverCmd struct{}

// Run resolves logged transactions with a bare writer so the result can be
// reported; starting the full engine would recover silently.
func (r *RecoverCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, log, err := setup(globals)
	if err != nil {
		return err
	}

	s, err := cfg.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	p, err := cfg.OpenProvider()
	if err != nil {
		return fmt.Errorf("failed to open provider: %w", err)
	}

	journal, err := wal.Open(cfg.Engine.WAL)
	if err != nil {
		return fmt.Errorf("failed to open wal: %w", err)
	}
	defer journal.Close()

	res, err := writer.New(p, s, journal, cfg.Engine.Writer).Recover(ctx)
	log.Info().
		Int("scanned", res.Scanned).
		Int("completed", res.Completed).
		Int("rolled_back", res.RolledBack).
		Int("failed", res.Failed).
		Int("corrupt", res.Corrupt).
		Msg("Recovery finished")
	return err
}

type WALCmd struct {
	Inspect    WALInspectCmd    `cmd:"" help:"Print the records of a log file"`
	Pending    WALPendingCmd    `cmd:"" help:"List unfinished transactions"`
	Compact    WALCompactCmd    `cmd:"" help:"Archive the log and rewrite it with live transactions only"`
	Decompress WALDecompressCmd `cmd:"" help:"Expand an archived log so it can be inspected"`
	Cleanup    WALCleanupCmd    `cmd:"" help:"Remove archived logs past the retention period"`
}

type WALInspectCmd struct {
	File string `arg:"" optional:"" help:"log file, defaults to the configured log" type:"path"`
}

func (c *WALInspectCmd) Run(globals *Globals) error {
	cfg, _, err := setup(globals)
	if err != nil {
		return err
	}
	path := c.File
	if path == "" {
		path = cfg.Engine.WAL.Path()
	}

	records, damaged, err := wal.ReadFile(path)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKIND\tTRANSACTION\tTIME\tPAYLOAD")
	for _, rec := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			rec.Sequence, rec.Kind, rec.TransactionID, rec.Timestamp.Format(time.RFC3339Nano), rec.Payload)
	}
	_ = w.Flush()

	if damaged {
		fmt.Println("\nWarning: the log has a damaged tail, records after the last valid one were ignored")
	}
	return nil
}

type WALPendingCmd struct{}

func (c *WALPendingCmd) Run(globals *Globals) error {
	cfg, _, err := setup(globals)
	if err != nil {
		return err
	}
	journal, err := wal.Open(cfg.Engine.WAL)
	if err != nil {
		return fmt.Errorf("failed to open wal: %w", err)
	}
	defer journal.Close()

	pending := journal.Pending()
	if len(pending) == 0 {
		fmt.Println("No unfinished transactions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TRANSACTION\tPHASE\tSTATUS\tREQUESTS\tSTARTED\tCORRUPT")
	for _, tx := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\n",
			tx.TransactionID, tx.Phase, tx.Status, len(tx.Requests), tx.StartedAt.Format(time.RFC3339), tx.Corrupt)
	}
	return w.Flush()
}

type WALCompactCmd struct{}

func (c *WALCompactCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, log, err := setup(globals)
	if err != nil {
		return err
	}
	journal, err := wal.Open(cfg.Engine.WAL)
	if err != nil {
		return fmt.Errorf("failed to open wal: %w", err)
	}
	defer journal.Close()

	before := journal.Stats()
	if err := journal.Compact(ctx); err != nil {
		return err
	}
	after := journal.Stats()
	log.Info().
		Int("records_before", before.Records).
		Int("records_after", after.Records).
		Int64("bytes_after", after.SizeBytes).
		Msg("Log compacted")
	return nil
}

type WALDecompressCmd struct {
	Archive string `arg:"" help:"archived log (.zst)" type:"existingfile"`
	Output  string `arg:"" help:"where to write the expanded log" type:"path"`
}

func (c *WALDecompressCmd) Run() error {
	if err := wal.DecompressArchive(c.Archive, c.Output); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", c.Output)
	return nil
}

type WALCleanupCmd struct {
	RetentionDays int `help:"override the configured retention, in days"`
}

func (c *WALCleanupCmd) Run(globals *Globals) error {
	cfg, _, err := setup(globals)
	if err != nil {
		return err
	}
	days := cfg.Engine.WAL.RetentionDays
	if c.RetentionDays > 0 {
		days = c.RetentionDays
	}

	removed, err := wal.CleanupArchive(cfg.Engine.WAL.ArchiveDir, days)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d archived logs\n", removed)
	return nil
}
