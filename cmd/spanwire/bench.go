// Synthetic workload runner: spawns worker tasks that open, enter, exit,
// and close spans against a real pipeline, then reports the loss counters.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/andrewh/spanwire/pkg/emit"
	"github.com/andrewh/spanwire/pkg/wire"
)

// workload describes a synthetic span-generating scenario.
type workload struct {
	// Workers is the number of concurrent tasks, each with its own thread id.
	Workers int `yaml:"workers"`
	// Roots is the number of root spans each worker opens.
	Roots int `yaml:"roots"`
	// Children is the nesting below each root.
	Children int `yaml:"children"`
	// Work is the synthetic sleep inside the innermost span, e.g. "500ms".
	Work string `yaml:"work"`
	// Events is the number of log events emitted inside each root.
	Events int `yaml:"events"`
}

func defaultWorkload() workload {
	return workload{Workers: 4, Roots: 100, Children: 1, Work: "500ms"}
}

func loadWorkload(path string) (workload, error) {
	w := defaultWorkload()
	if path == "" {
		return w, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return w, fmt.Errorf("reading workload: %w", err)
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("parsing workload: %w", err)
	}
	return w, nil
}

func (w workload) validate() (time.Duration, error) {
	if w.Workers <= 0 || w.Roots <= 0 {
		return 0, fmt.Errorf("workers and roots must be positive")
	}
	if w.Children < 0 || w.Events < 0 {
		return 0, fmt.Errorf("children and events must not be negative")
	}
	work, err := time.ParseDuration(w.Work)
	if err != nil {
		return 0, fmt.Errorf("parsing work duration: %w", err)
	}
	return work, nil
}

// loadEmitConfig resolves the pipeline configuration: file (optional YAML
// path) layered under SPANWIRE_* environment overrides.
func loadEmitConfig(path string) (emit.Config, error) {
	return emit.LoadConfig(path)
}

func benchCmd() *cobra.Command {
	var (
		sinkPath   string
		configPath string
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "bench [workload.yaml]",
		Short: "Run a synthetic span workload against a real sink",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workloadPath := ""
			if len(args) == 1 {
				workloadPath = args[0]
			}
			w, err := loadWorkload(workloadPath)
			if err != nil {
				return err
			}
			work, err := w.validate()
			if err != nil {
				return err
			}
			cfg, err := loadEmitConfig(configPath)
			if err != nil {
				return err
			}
			if sinkPath != "" {
				cfg.SinkPath = sinkPath
			}
			cfg.SinkRequired = true

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBench(ctx, cmd, cfg, w, work, jsonOut)
		},
	}

	cmd.Flags().StringVar(&sinkPath, "sink", "", "sink file path (overrides config)")
	cmd.Flags().StringVar(&configPath, "config", "", "pipeline configuration YAML")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print stats as JSON")

	return cmd
}

func runBench(ctx context.Context, cmd *cobra.Command, cfg emit.Config, w workload, work time.Duration, jsonOut bool) error {
	layer, err := emit.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setting up pipeline: %w", err)
	}

	start := time.Now()
	var nextID atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func(tid uint64) {
			defer wg.Done()
			runWorker(ctx, layer, tid, w, work, &nextID)
		}(uint64(i + 1))
	}
	wg.Wait()
	elapsed := time.Since(start)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := layer.Close(shutdownCtx); err != nil {
		return fmt.Errorf("flushing pipeline: %w", err)
	}

	stats := layer.Stats()
	if jsonOut {
		out := struct {
			emit.Stats
			ElapsedMs int64 `json:"elapsed_ms"`
		}{stats, elapsed.Milliseconds()}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Metric", "Value"})
	tw.AppendRows([]table.Row{
		{"elapsed", elapsed.Round(time.Millisecond)},
		{"enqueued", stats.Enqueued},
		{"dropped", stats.Dropped},
		{"discarded", stats.Discarded},
		{"anomalies", stats.Anomalies},
		{"implicit exits", stats.ImplicitExits},
		{"implicit closes", stats.ImplicitCloses},
	})
	tw.Render()
	return nil
}

// runWorker is one synthetic task: roots with nested children, the
// innermost span sleeping for the configured work time.
func runWorker(ctx context.Context, layer *emit.Layer, tid uint64, w workload, work time.Duration, nextID *atomic.Uint64) {
	for i := 0; i < w.Roots; i++ {
		if ctx.Err() != nil {
			return
		}

		rootID := nextID.Add(1)
		layer.OnNewSpan(emit.SpanStart{ID: rootID, Name: "request", Target: "bench", TID: tid})
		layer.OnEnter(tid, rootID)

		for e := 0; e < w.Events; e++ {
			layer.OnEvent(tid, 4, "checkpoint", []wire.Field{{Key: "n", Value: fmt.Sprint(e)}})
		}

		open := []uint64{rootID}
		parent := rootID
		for c := 0; c < w.Children; c++ {
			childID := nextID.Add(1)
			layer.OnNewSpan(emit.SpanStart{ID: childID, Name: "work", Target: "bench", ParentID: parent, TID: tid})
			layer.OnEnter(tid, childID)
			open = append(open, childID)
			parent = childID
		}

		if work > 0 {
			time.Sleep(work)
		}

		for j := len(open) - 1; j >= 0; j-- {
			layer.OnExit(tid, open[j])
			layer.OnClose(open[j])
		}
	}
}
