// Package conflict decides between two divergent versions of the same event.
//
// Resolution is a pure function of its inputs: the same pair of versions and
// strategy always yields the same Resolution.
package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfeidau/calsync/internal/models"
)

// Strategy selects the resolution policy.
type Strategy string

const (
	LastWriteWins  Strategy = "last_write_wins"
	SourcePriority Strategy = "source_priority"
	MergeFields    Strategy = "merge_fields"
)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case LastWriteWins, "":
		return LastWriteWins, nil
	case SourcePriority:
		return SourcePriority, nil
	case MergeFields:
		return MergeFields, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// Winner names which version a resolution chose.
type Winner string

const (
	WinnerSource Winner = "source"
	WinnerTarget Winner = "target"
	WinnerMerged Winner = "merged"
)

// Version is one side of a conflict.
type Version struct {
	Data      models.EventData
	Source    string
	Priority  int
	Timestamp time.Time
}

// Resolution is the ephemeral decision record for one conflict.
type Resolution struct {
	Strategy   Strategy
	Winner     Winner
	Data       models.EventData
	Confidence float64
	Reason     string
}

// Resolver applies a configured strategy.
type Resolver struct {
	strategy Strategy
}

// NewResolver creates a resolver. An empty strategy means LastWriteWins.
func NewResolver(strategy Strategy) *Resolver {
	if strategy == "" {
		strategy = LastWriteWins
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Resolve picks between source (incoming) and target (local) versions.
func (r *Resolver) Resolve(source, target Version) Resolution {
	switch r.strategy {
	case SourcePriority:
		return resolveSourcePriority(source, target)
	case MergeFields:
		return resolveMergeFields(source, target)
	default:
		return resolveLastWriteWins(source, target)
	}
}

// ResolveModified records the inbound Modified rule: local state is not
// tracked as dirty, so the source version always overwrites.
func (r *Resolver) ResolveModified(source, target Version) Resolution {
	if r.strategy == MergeFields {
		return resolveMergeFields(source, target)
	}
	return Resolution{
		Strategy:   r.strategy,
		Winner:     WinnerSource,
		Data:       source.Data,
		Confidence: 0.9,
		Reason:     "inbound modification overwrites local fields",
	}
}

func resolveLastWriteWins(source, target Version) Resolution {
	switch {
	case source.Timestamp.After(target.Timestamp):
		return Resolution{
			Strategy:   LastWriteWins,
			Winner:     WinnerSource,
			Data:       source.Data,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("source timestamp %s is newer", source.Timestamp.UTC().Format(time.RFC3339Nano)),
		}
	case target.Timestamp.After(source.Timestamp):
		return Resolution{
			Strategy:   LastWriteWins,
			Winner:     WinnerTarget,
			Data:       target.Data,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("target timestamp %s is newer", target.Timestamp.UTC().Format(time.RFC3339Nano)),
		}
	default:
		return Resolution{
			Strategy:   LastWriteWins,
			Winner:     WinnerSource,
			Data:       source.Data,
			Confidence: 0.9,
			Reason:     "equal timestamps, incoming source wins",
		}
	}
}

func resolveSourcePriority(source, target Version) Resolution {
	if source.Priority == target.Priority {
		res := resolveLastWriteWins(source, target)
		res.Strategy = SourcePriority
		res.Reason = "equal priorities, " + res.Reason
		return res
	}

	if source.Priority > target.Priority {
		return Resolution{
			Strategy:   SourcePriority,
			Winner:     WinnerSource,
			Data:       source.Data,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("source priority %d > target priority %d", source.Priority, target.Priority),
		}
	}
	return Resolution{
		Strategy:   SourcePriority,
		Winner:     WinnerTarget,
		Data:       target.Data,
		Confidence: 1.0,
		Reason:     fmt.Sprintf("target priority %d > source priority %d", target.Priority, source.Priority),
	}
}

// resolveMergeFields merges field by field. Versions carry one timestamp each,
// so the newer side (the source on a tie) supplies every differing field,
// except location and description that it left blank, which keep the other
// side's value. Start, end and all-day move together so the merged range is
// always one a side actually had. LastModified is the later of the two.
func resolveMergeFields(source, target Version) Resolution {
	newer, older := source.Data, target.Data
	if target.Timestamp.After(source.Timestamp) {
		newer, older = target.Data, source.Data
	}

	merged := newer
	if older.LastModified.After(newer.LastModified) {
		merged.LastModified = older.LastModified
	}
	if merged.Location == "" {
		merged.Location = older.Location
	}
	if merged.Description == "" {
		merged.Description = older.Description
	}

	winner := WinnerMerged
	switch {
	case sameContent(merged, source.Data):
		winner = WinnerSource
		merged = source.Data
	case sameContent(merged, target.Data):
		winner = WinnerTarget
		merged = target.Data
	}

	return Resolution{
		Strategy:   MergeFields,
		Winner:     winner,
		Data:       merged,
		Confidence: 0.7,
		Reason:     "field-wise merge, newer side wins differing fields",
	}
}

// sameContent compares every field, times by instant.
func sameContent(a, b models.EventData) bool {
	return a.CalendarID == b.CalendarID &&
		a.Title == b.Title &&
		a.Start.Equal(b.Start) &&
		a.End.Equal(b.End) &&
		a.AllDay == b.AllDay &&
		a.Location == b.Location &&
		a.Description == b.Description &&
		a.RecurrenceRule == b.RecurrenceRule &&
		a.LastModified.Equal(b.LastModified)
}
