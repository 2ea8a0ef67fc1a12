package main

import (
	"context"
	"fmt"
	"time"

	"github.com/e7canasta/orion-multistream/internal/controller"
	"github.com/e7canasta/orion-multistream/internal/emitter"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

// reporter gathers the statistics printed while running and at exit.
// emitter and snapshots may be nil.
type reporter struct {
	ctrl      *controller.Controller
	emitter   *emitter.MQTT
	snapshots *snapshotSink
	capacity  int
	started   time.Time
}

// reportStats periodically prints statistics from all pipeline components
func (r *reporter) reportStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.printLiveStats(time.Since(r.started))
		}
	}
}

func (r *reporter) printLiveStats(uptime time.Duration) {
	st := r.ctrl.Stats()
	streams := r.ctrl.Streams()
	layout := r.ctrl.Layout()

	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	fmt.Printf("│ Pipeline Statistics (Uptime: %v)\n", uptime.Round(time.Second))
	fmt.Println("├─────────────────────────────────────────────────────────────────┤")

	fmt.Println("│ Batching:")
	fmt.Printf("│   Batches:            %6d (%.2f/s)\n", st.Batches, perSecond(st.Batches, uptime))
	fmt.Printf("│   Frames:             %6d (fill %.1f%%)\n", st.Frames, fillRate(st, r.capacity))
	fmt.Printf("│   Timed Out:          %6d\n", st.Assembler.TimedOut)
	fmt.Printf("│   Deferred Pulls:     %6d\n", st.Assembler.Deferred)
	fmt.Printf("│   Discarded Frames:   %6d\n", st.Assembler.Discarded)

	fmt.Println("│")
	fmt.Println("│ Streams:")
	fmt.Printf("│   Stalls:             %6d\n", st.Stalls)
	fmt.Printf("│   Retries:            %6d\n", st.Retries)
	fmt.Printf("│   Reclaimed:          %6d\n", st.Reclaimed)
	fmt.Printf("│   Layout:             %dx%d grid, %d tiles\n", layout.Rows, layout.Cols, len(layout.Tiles))
	for _, s := range streams {
		fmt.Printf("│   #%-3d %-12s slot=%-3s %s\n", s.ID, s.State, slotLabel(s), s.URI)
		if s.LastError != "" {
			fmt.Printf("│        last error: %s\n", s.LastError)
		}
	}

	if r.emitter != nil {
		es := r.emitter.Stats()
		fmt.Println("│")
		fmt.Println("│ MQTT:")
		fmt.Printf("│   Connected:          %6v\n", es.Connected)
		fmt.Printf("│   Published:          %6d\n", es.Published)
		fmt.Printf("│   Dropped:            %6d\n", es.Dropped)
		fmt.Printf("│   Errors:             %6d\n", es.Errors)
	}

	if r.snapshots != nil {
		saved, dropped := r.snapshots.Stats()
		fmt.Println("│")
		fmt.Println("│ Snapshots:")
		fmt.Printf("│   Saved:              %6d\n", saved)
		fmt.Printf("│   Dropped:            %6d (%.1f%% success)\n", dropped, successRate(saved, dropped))
	}

	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
	fmt.Println()
}

// printFinalStats prints final statistics at shutdown
func (r *reporter) printFinalStats() {
	st := r.ctrl.Stats()
	uptime := time.Since(r.started)

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("                     Final Statistics                         ")
	fmt.Println("═══════════════════════════════════════════════════════════════")

	fmt.Printf("  Uptime:                %v\n", uptime.Round(time.Second))
	fmt.Printf("  Batches:               %d (%.2f/s)\n", st.Batches, perSecond(st.Batches, uptime))
	fmt.Printf("  Frames:                %d (fill %.1f%%)\n", st.Frames, fillRate(st, r.capacity))
	fmt.Printf("  Stalls:                %d\n", st.Stalls)
	fmt.Printf("  Retries:               %d\n", st.Retries)
	if st.Reclaimed > 0 {
		fmt.Printf("  Reclaimed Slots:       %d\n", st.Reclaimed)
	}
	if st.DroppedLate > 0 {
		fmt.Printf("  Late Events Dropped:   %d\n", st.DroppedLate)
	}

	if r.emitter != nil {
		es := r.emitter.Stats()
		fmt.Println()
		fmt.Printf("  MQTT Published:        %d\n", es.Published)
		if es.Dropped > 0 || es.Errors > 0 {
			fmt.Printf("  MQTT Dropped/Errors:   %d/%d\n", es.Dropped, es.Errors)
		}
	}

	if r.snapshots != nil {
		saved, dropped := r.snapshots.Stats()
		fmt.Println()
		fmt.Printf("  Snapshots Saved:       %d (%.1f%% success)\n", saved, successRate(saved, dropped))
	}

	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}

func slotLabel(s stream.Snapshot) string {
	if s.BatchSlot < 0 {
		return "-"
	}
	return fmt.Sprint(s.BatchSlot)
}

func perSecond(n uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

// fillRate is the share of batch slots that carried a frame.
func fillRate(st controller.Stats, capacity int) float64 {
	if st.Batches == 0 || capacity <= 0 {
		return 0
	}
	return float64(st.Frames) / float64(st.Batches*uint64(capacity)) * 100.0
}

func successRate(ok, failed uint64) float64 {
	total := ok + failed
	if total == 0 {
		return 100.0
	}
	return float64(ok) / float64(total) * 100.0
}
