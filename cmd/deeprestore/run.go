package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"deeprestore/pkg/engine"
	"deeprestore/pkg/progress"
	"deeprestore/pkg/restoration"
)

// runFlags override configuration values for predict and iso
type runFlags struct {
	Model      string
	OutputDir  string
	Tiles      int
	Overlap    int
	BatchSize  int
	Workers    int
	Sessions   int
	ScaleZ     float64
	Mapping    []string
	PerChannel bool
	SaveSlices bool
	Compress   bool
	DryRun     bool
}

var flags runFlags

var predictCmd = &cobra.Command{
	Use:   "predict <input>...",
	Short: "Restore volumes with a plain restoration network",
	Long: `Restore each input with the configured network. An input is a raw volume
header (.yaml), a directory of TIFF/PNG/JPEG slices or a single image.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args, restoration.ModePredict)
	},
}

var isoCmd = &cobra.Command{
	Use:   "iso <input>...",
	Short: "Restore isotropic resolution of anisotropic Z stacks",
	Long: `Upsample Z, run the network along the XZ and YZ planes and fuse both passes
with a geometric mean. The network must take rank 4 tensors and emit two heads.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args, restoration.ModeIso)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{predictCmd, isoCmd} {
		f := cmd.Flags()
		f.StringVarP(&flags.Model, "model", "m", "", "ONNX model file")
		f.StringVarP(&flags.OutputDir, "output", "o", "", "output directory")
		f.IntVar(&flags.Tiles, "tiles", 0, "minimum number of tiles (0 derives it from memory)")
		f.IntVar(&flags.BatchSize, "batch-size", 1, "tiles per inference call")
		f.IntVar(&flags.Workers, "workers", 1, "volumes restored in parallel")
		f.IntVar(&flags.Sessions, "sessions", 1, "concurrent inference calls")
		f.BoolVar(&flags.SaveSlices, "save-slices", false, "also write a PNG per Z slice")
		f.BoolVar(&flags.Compress, "compress", false, "zstd compress raw volumes")
	}
	predictCmd.Flags().IntVar(&flags.Overlap, "overlap", 32, "tile overlap in pixels")
	predictCmd.Flags().BoolVar(&flags.PerChannel, "per-channel", false, "normalize channels independently")
	predictCmd.Flags().StringSliceVar(&flags.Mapping, "mapping", nil, "image axis of every network input slot, batch first (e.g. U,Y,X)")
	predictCmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "use an identity network to check tiling")
	isoCmd.Flags().Float64Var(&flags.ScaleZ, "scale-z", 10.2, "ratio of axial to lateral sampling")
}

// applyFlags copies explicitly set flags into the configuration
func applyFlags(cmd *cobra.Command) error {
	changed := cmd.Flags().Changed
	if changed("model") {
		cfg.Engine.ModelPath = flags.Model
	}
	if changed("output") {
		cfg.Output.Dir = flags.OutputDir
	}
	if changed("tiles") {
		cfg.Tiling.TileCountHint = flags.Tiles
	}
	if changed("overlap") {
		cfg.Tiling.Overlap = flags.Overlap
	}
	if changed("batch-size") {
		cfg.Tiling.BatchSize = flags.BatchSize
	}
	if changed("workers") {
		cfg.Processing.Workers = flags.Workers
	}
	if changed("sessions") {
		cfg.Engine.ConcurrentSessions = flags.Sessions
	}
	if changed("scale-z") {
		cfg.Iso.ScaleZ = flags.ScaleZ
	}
	if changed("mapping") {
		cfg.Engine.Mapping = flags.Mapping
	}
	if changed("per-channel") {
		cfg.Normalization.PerChannel = flags.PerChannel
	}
	if changed("save-slices") {
		cfg.Output.SaveSlices = flags.SaveSlices
	}
	if changed("compress") {
		cfg.Output.Compress = flags.Compress
	}
	return cfg.Validate()
}

func run(cmd *cobra.Command, inputs []string, mode restoration.Mode) error {
	if err := applyFlags(cmd); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	shutdown := serveMetrics(registry)
	defer shutdown()

	e, closeEngine, err := buildEngine(registry, mode)
	if err != nil {
		return err
	}
	defer closeEngine()

	mapping, err := cfg.Mapping()
	if err != nil {
		return err
	}
	params := &restoration.Params{
		Normalization: cfg.Normalization.Params,
		PerChannel:    cfg.Normalization.PerChannel,
		Prediction:    cfg.PredictionOptions(),
		Mapping:       mapping,
		Iso:           cfg.IsoOptions(),
		Budget:        cfg.MemoryBudget(),
		OutputDir:     cfg.Output.Dir,
		SaveSlices:    cfg.Output.SaveSlices,
		Compress:      cfg.Output.Compress,
	}

	var sink progress.Sink = progress.Nop{}
	if !globalFlags.Quiet && len(inputs) == 1 {
		sink = progress.NewConsole(cmd.OutOrStdout())
	}
	restorer := restoration.NewRestorer(e, params, logger, sink)

	jobs := make([]restoration.Job, len(inputs))
	for i, in := range inputs {
		jobs[i] = restoration.Job{Input: in, Mode: mode}
	}

	start := time.Now()
	results, err := restoration.NewPool(cfg.Processing.Workers).Run(ctx, restorer, jobs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, res := range results {
		for _, path := range res.Outputs {
			fmt.Fprintf(out, "%s -> %s\n", res.Job.Input, path)
		}
		if res.Agreement != nil {
			fmt.Fprintf(out, "  pass agreement: %s\n", res.Agreement)
		}
	}
	fmt.Fprintf(out, "Restored %d volume(s) in %.2f seconds\n", len(results), time.Since(start).Seconds())
	return nil
}

// buildEngine loads the model with instrumentation and a session limit
func buildEngine(registry prometheus.Registerer, mode restoration.Mode) (engine.Engine, func(), error) {
	metrics := engine.NewMetrics(registry)
	if flags.DryRun && mode == restoration.ModePredict {
		logger.Warn().Msg("dry run: using an identity network")
		id := engine.NewIdentity(engine.Shape{engine.Dynamic, engine.Dynamic, engine.Dynamic, engine.Dynamic})
		return engine.NewPooled(engine.NewInstrumented(id, metrics), cfg.Engine.ConcurrentSessions), func() {}, nil
	}
	if cfg.Engine.ModelPath == "" {
		return nil, nil, errors.New("no model configured (set engine.modelPath or --model)")
	}

	onnx, err := engine.NewONNXEngine(engine.ONNXOptions{
		ModelPath:   cfg.Engine.ModelPath,
		LibraryPath: cfg.Engine.LibraryPath,
		InputName:   cfg.Engine.InputName,
		OutputName:  cfg.Engine.OutputName,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info().
		Str("model", cfg.Engine.ModelPath).
		Stringer("input", onnx.InputShape()).
		Stringer("output", onnx.OutputShape()).
		Msg("model loaded")

	closeEngine := func() {
		if err := onnx.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing model")
		}
	}
	return engine.NewPooled(engine.NewInstrumented(onnx, metrics), cfg.Engine.ConcurrentSessions), closeEngine, nil
}

// serveMetrics exposes the registry on metrics.listenAddr until shutdown is called
func serveMetrics(registry *prometheus.Registry) (shutdown func()) {
	if cfg.Metrics.ListenAddr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", cfg.Metrics.ListenAddr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
