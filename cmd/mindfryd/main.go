// Command mindfryd is the MindFry server: it wires every core package
// together, listens for MFBP connections, and runs the background GC
// ticker. Grounded on cmd/agsh/main.go's construct-then-run wiring: load
// env, set up a cache/data directory, redirect logs, build the bus first,
// then every dependent component, then start goroutines.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mindfry/mindfry/internal/arena"
	"github.com/mindfry/mindfry/internal/bondgraph"
	"github.com/mindfry/mindfry/internal/bus"
	"github.com/mindfry/mindfry/internal/config"
	"github.com/mindfry/mindfry/internal/connlog"
	"github.com/mindfry/mindfry/internal/console"
	"github.com/mindfry/mindfry/internal/cortex"
	"github.com/mindfry/mindfry/internal/decay"
	"github.com/mindfry/mindfry/internal/handler"
	"github.com/mindfry/mindfry/internal/persistence"
	"github.com/mindfry/mindfry/internal/stability"
	"github.com/mindfry/mindfry/internal/synapse"
	"github.com/mindfry/mindfry/internal/trit"
	"github.com/mindfry/mindfry/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "data dir: %v\n", err)
		os.Exit(2)
	}
	if f, err := os.OpenFile(filepath.Join(cfg.DataDir, "mindfryd.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		slog.SetDefault(slog.New(slog.NewTextHandler(f, nil)))
		defer f.Close()
	}

	b := bus.New()
	lut := decay.NewLUT()
	a := arena.New(lut, cfg.MaxLineages)
	bonds := bondgraph.New(lut, time.Now(), cfg.MaxBondsPerNode)
	dec := decay.NewEngine(lut)
	dec.PruneFloor = cfg.PruneFloor
	syn := synapse.NewEngine()
	syn.Damping = cfg.PrimingDecay
	syn.MaxDepth = cfg.MaxPrimingDepth
	cx := cortex.New(trit.Octet{})
	stab := stability.New(filepath.Join(cfg.DataDir, "stability.json"))

	store, err := persistence.Open(filepath.Join(cfg.DataDir, "mindfry.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "persistence: %v\n", err)
		os.Exit(4)
	}
	defer store.Close()

	h := handler.New(a, bonds, dec, syn, cx, stab, store, b)

	marker, found := store.ReadAndClearShutdownMarker()
	exitTime := time.UnixMilli(marker.TExitMs)
	recovery := stab.ClassifyRecovery(found, marker.Clean, exitTime, time.Now())
	cx.SetMood(recovery.MoodBias())
	slog.Info("[mindfryd] recovery classified", "recovery", recovery)

	if snap, err := store.LoadLatestSnapshot(); err == nil {
		a.Reset(cfg.MaxLineages)
		for _, row := range snap.Lineages {
			a.LoadRow(row)
		}
		for _, rb := range snap.Bonds {
			bonds.LoadBond(rb)
		}
		cx.SetMood(snap.Mood + recovery.MoodBias())
		dec.Retention.Load(snap.Retention)
		slog.Info("[mindfryd] restored snapshot", "generation", snap.Generation, "lineages", len(snap.Lineages))
	}

	h.GCTick(time.Now())
	stab.MarkReady()
	slog.Info("[mindfryd] warmup complete, ready")

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("[mindfryd] draining")
		cancel()
	}()

	go runGCTicker(ctx, h, time.Duration(cfg.GCTickMs)*time.Millisecond)
	go runExhaustionSampler(ctx, h, b)

	if cfg.Console {
		disp := console.New(b.NewTap())
		go disp.Run(ctx)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bind %s: %v\n", addr, err)
		os.Exit(4)
	}
	slog.Info("[mindfryd] listening", "addr", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	connLogs := connlog.NewRegistry(cfg.ConnLogDir)
	var connSeq uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Warn("[mindfryd] accept error", "error", err)
			continue
		}
		connSeq++
		id := fmt.Sprintf("%04d-%s", connSeq, filepath.Base(conn.RemoteAddr().String()))
		go handleConn(ctx, h, conn, connLogs.Open(id))
	}

	drain(h, store)
	os.Exit(130)
}

// drain writes the clean shutdown marker and a final snapshot (spec
// "Server lifecycle": "Draining ... writes a clean shutdown marker, and
// snapshots").
func drain(h *handler.Handler, store *persistence.Store) {
	now := time.Now()
	if _, err := h.Snapshot(now); err != nil {
		slog.Error("[mindfryd] final snapshot failed", "error", err)
	}
	marker := persistence.ShutdownMarker{Clean: true, TExitMs: now.UnixMilli(), Version: 2}
	if err := store.WriteShutdownMarker(marker); err != nil {
		slog.Error("[mindfryd] shutdown marker write failed", "error", err)
	}
	slog.Info("[mindfryd] exited cleanly")
}

func runGCTicker(ctx context.Context, h *handler.Handler, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			h.GCTick(now)
		}
	}
}

// runExhaustionSampler feeds the stability layer's auto-tuner from live
// arena stats every two seconds and publishes transitions.
func runExhaustionSampler(ctx context.Context, h *handler.Handler, b *bus.Bus) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	prev := h.Stability.Level()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			mean := meanDerivedEnergy(h, now)
			level := h.Stability.Sample(mean, h.Arena.Utilization())
			if level != prev {
				b.Publish(types.Message{
					ID: uuid.New().String(), Timestamp: now, Topic: types.TopicExhaustion,
					Payload: types.ExhaustionChangeEvent{Previous: prev.String(), Current: level.String()},
				})
				prev = level
			}
		}
	}
}

// meanDerivedEnergy reads every active lineage's derived energy via
// ForEachActive rather than Get, since Get's access_count bump is a
// per-read observer effect this periodic sampler should not trigger.
func meanDerivedEnergy(h *handler.Handler, now time.Time) float64 {
	var sum float64
	var n int
	h.Arena.ForEachActive(now, func(index uint32, derivedEnergy, threshold float64) {
		sum += derivedEnergy
		n++
	})
	if n == 0 {
		return 1
	}
	return sum / float64(n)
}
