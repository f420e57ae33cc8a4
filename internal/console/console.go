// Package console renders a live terminal visualization of MindFry's
// internal event bus: lineage creation/archival, bond severance, GC ticks,
// and mood/exhaustion transitions scroll past as colored flow lines with an
// animated status spinner. Grounded on internal/ui/display.go's tap-driven
// Run(ctx) loop and ANSI rendering, adapted from an inter-role pipeline view
// to a substrate-event view.
package console

import (
	"context"
	"fmt"
	"time"

	"github.com/mindfry/mindfry/internal/types"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
	ansiBlue   = "\033[34m"
)

var topicColor = map[types.Topic]string{
	types.TopicLineageCreated:  ansiGreen,
	types.TopicLineageArchived: ansiDim,
	types.TopicBondSevered:     ansiRed,
	types.TopicGCTick:          ansiDim + ansiBlue,
	types.TopicMoodChange:      ansiCyan,
	types.TopicExhaustion:      ansiYellow,
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders a live feed of bus events to stdout. It reads from an
// independent tap channel (internal/bus.Bus.NewTap) so it never competes
// with SUBSCRIBE connections for delivery guarantees.
type Display struct {
	tap     <-chan types.Message
	spinIdx int
	quiet   time.Time
}

// New creates a Display reading from tap.
func New(tap <-chan types.Message) *Display {
	return &Display{tap: tap}
}

// Run is the main goroutine: prints a flow line per event and idles a
// spinner between events. Returns when ctx is cancelled or tap is closed.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Print("\r\033[K")
			return

		case msg, ok := <-d.tap:
			if !ok {
				return
			}
			fmt.Print("\r\033[K")
			d.printFlow(msg)
			d.quiet = time.Now()

		case <-ticker.C:
			if time.Since(d.quiet) < 2*time.Second {
				continue
			}
			frame := spinRunes[d.spinIdx%len(spinRunes)]
			d.spinIdx++
			fmt.Printf("\r\033[K%s%s%s idle", ansiDim, string(frame), ansiReset)
		}
	}
}

func (d *Display) printFlow(msg types.Message) {
	color := topicColor[msg.Topic]
	if color == "" {
		color = ansiDim
	}
	detail := detailFor(msg)
	ts := msg.Timestamp.Format("15:04:05.000")
	if detail != "" {
		fmt.Printf("%s%s%s %s[%s]%s %s\n", ansiDim, ts, ansiReset, color, msg.Topic, ansiReset, detail)
	} else {
		fmt.Printf("%s%s%s %s[%s]%s\n", ansiDim, ts, ansiReset, color, msg.Topic, ansiReset)
	}
}

// detailFor renders a short inline description for the payload types
// internal/handler and cmd/mindfryd publish; unrecognised payloads print
// nothing.
func detailFor(msg types.Message) string {
	switch p := msg.Payload.(type) {
	case types.LineageCreatedEvent:
		return fmt.Sprintf("key=%s index=%d", p.Key, p.Index)
	case types.LineageArchivedEvent:
		return fmt.Sprintf("key=%s index=%d", p.Key, p.Index)
	case types.BondSeveredEvent:
		return fmt.Sprintf("from=%d to=%d pruned=%v", p.FromIndex, p.ToIndex, p.Pruned)
	case types.GCTickEvent:
		return fmt.Sprintf("scanned=%d archived=%d buffered=%d restored=%d pruned=%d",
			p.Scanned, p.Archived, p.Buffered, p.Restored, p.Pruned)
	case types.MoodChangeEvent:
		return fmt.Sprintf("%.3f -> %.3f (%s)", p.Previous, p.Current, p.Reason)
	case types.ExhaustionChangeEvent:
		return fmt.Sprintf("%s -> %s", p.Previous, p.Current)
	default:
		return ""
	}
}
