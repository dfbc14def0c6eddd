// inspect-snapshot dumps a monitor snapshot file in human-readable form and
// reports validation findings. It is an operator tool: the bot itself never
// needs it, but a corrupted snapshot blocks startup and this is how you see
// what is inside.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"bybit-trading-bot/internal/monitor"
	"bybit-trading-bot/internal/persist"
)

func main() {
	path := flag.String("path", "data/monitors.json", "snapshot file to inspect")
	flag.Parse()

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

	store := persist.NewSnapshotStore(*path, logger)
	monitors, err := store.Load()
	if err != nil {
		if errors.Is(err, persist.ErrCorrupted) {
			fmt.Fprintf(os.Stderr, "CORRUPTED: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("snapshot: %s\n", *path)
	fmt.Printf("monitors: %d\n\n", len(monitors))

	sort.Slice(monitors, func(i, j int) bool {
		return monitors[i].Key().String() < monitors[j].Key().String()
	})

	findings := 0
	for _, m := range monitors {
		fmt.Printf("%s\n", m.Key())
		fmt.Printf("  phase:     %s\n", m.Phase)
		fmt.Printf("  size:      %s remaining of %s initial\n", m.RemainingSize, m.InitialSize)
		fmt.Printf("  entry:     %s (avg %s)\n", m.EntryPrice, m.AvgPrice)
		if m.ChatID != nil {
			fmt.Printf("  chat:      %d\n", *m.ChatID)
		} else {
			fmt.Printf("  chat:      (silent)\n")
		}

		for i, leg := range m.TPLegs {
			status := "resting"
			if m.FilledTPIndices[i] {
				status = "filled"
			}
			fmt.Printf("  tp[%d]:     %s%% qty=%s price=%s %s\n",
				i, leg.PercentOfTotal, leg.Quantity, leg.Price, status)
		}
		if m.SL != nil {
			fmt.Printf("  sl:        qty=%s trigger=%s\n", m.SL.Quantity, m.SL.Price)
		}
		for i, leg := range m.LimitLegs {
			status := "resting"
			if leg.Filled {
				status = "filled"
			}
			fmt.Printf("  limit[%d]:  qty=%s price=%s %s\n", i, leg.Quantity, leg.Price, status)
		}

		findings += report(m)
		fmt.Println()
	}

	if findings > 0 {
		fmt.Printf("%d validation finding(s)\n", findings)
		os.Exit(3)
	}
	fmt.Println("no validation findings")
}

// report prints consistency problems for one monitor and returns how many
// were found.
func report(m *monitor.PositionMonitor) int {
	n := 0
	if !m.SizeInvariantHolds() {
		fmt.Printf("  FINDING:   remaining %s outside [0, %s]\n", m.RemainingSize, m.InitialSize)
		n++
	}
	if m.SL == nil && m.Phase != monitor.PhaseClosed {
		fmt.Printf("  FINDING:   open monitor with no stop loss\n")
		n++
	}
	for i := range m.FilledTPIndices {
		if i < 0 || i >= len(m.TPLegs) {
			fmt.Printf("  FINDING:   filled TP index %d out of range\n", i)
			n++
		}
	}
	return n
}
