// Package restoration runs whole restoration jobs: load a volume, bind its axes
// to the network, normalize, predict (plain or isotropic) and save the result.
package restoration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"deeprestore/internal/models"
	"deeprestore/pkg/axes"
	"deeprestore/pkg/engine"
	"deeprestore/pkg/fusion"
	"deeprestore/pkg/normalize"
	"deeprestore/pkg/prediction"
	"deeprestore/pkg/progress"
	"deeprestore/pkg/tiling"
	"deeprestore/pkg/visualization"
	"deeprestore/pkg/volume"
)

// Mode selects the restoration workflow
type Mode string

const (
	// ModePredict runs the network once over the normalized volume
	ModePredict Mode = "predict"

	// ModeIso upsamples Z and fuses two rotated passes
	ModeIso Mode = "iso"
)

// Job is one volume to restore
type Job struct {
	// Input is a raw volume header (.yaml), a single slice image, or a
	// directory of slice images
	Input string

	Mode Mode

	// OutputDir overrides Params.OutputDir when set
	OutputDir string
}

// Params holds the settings shared by all jobs of a Restorer
type Params struct {
	Normalization normalize.Params

	// PerChannel normalizes every channel on its own percentiles
	PerChannel bool

	// Prediction configures ModePredict; a zero TileCountHint is derived from Budget
	Prediction prediction.Options

	// Mapping lists the image axis bound to every network input slot, batch
	// slot first. Empty uses the default binding for the network rank.
	Mapping []models.Axis

	// Iso configures ModeIso
	Iso fusion.IsoOptions

	Budget tiling.MemoryBudget

	OutputDir string

	// SaveSlices writes a PNG per Z slice next to every saved volume
	SaveSlices bool

	// Compress stores raw volumes zstd compressed
	Compress bool
}

// Result describes a finished job
type Result struct {
	RunID string
	Job   Job

	// Outputs are the header paths of the saved volumes
	Outputs []string

	// Agreement compares the two passes of an isotropic run
	Agreement *fusion.Agreement

	Duration time.Duration
}

// Restorer runs jobs against one engine. It is safe for concurrent use; the
// engine decides how many inferences actually overlap.
type Restorer struct {
	engine engine.Engine
	params *Params
	logger zerolog.Logger

	// sink receives progress next to the per-run log sink
	sink progress.Sink
}

// NewRestorer creates a restorer. A nil sink only logs.
func NewRestorer(e engine.Engine, params *Params, logger zerolog.Logger, sink progress.Sink) *Restorer {
	if sink == nil {
		sink = progress.Nop{}
	}
	return &Restorer{engine: e, params: params, logger: logger, sink: sink}
}

// Process runs the complete restoration pipeline for one job
func (r *Restorer) Process(ctx context.Context, job Job) (*Result, error) {
	start := time.Now()
	result := &Result{RunID: uuid.NewString(), Job: job}
	logSink := progress.NewLogSink(r.logger, "restoration").WithRun(result.RunID)
	sink := progress.Multi{logSink, r.sink}
	logger := logSink.Logger()

	logger.Info().Str("input", job.Input).Str("mode", string(job.Mode)).Msg("restoration started")

	// Step 1: load the volume and name its axes
	sink.BeginStep(progress.StepLoad)
	im, err := LoadInput(job.Input)
	if err == nil {
		err = prepare(im, sink)
	}
	if err != nil {
		sink.ReportError(err.Error())
		sink.MarkStepFailed()
		return nil, fmt.Errorf("failed to load %s: %w", job.Input, err)
	}
	sink.LogMessage(fmt.Sprintf("Loaded %s", im.ShapeString()))
	sink.MarkStepDone()

	// Step 2: restore
	var outputs []*models.Image
	var names []string
	switch job.Mode {
	case ModePredict, "":
		outputs, err = r.predict(ctx, im, sink)
		names = headNames("restored", len(outputs))
	case ModeIso:
		var iso *fusion.IsoResult
		iso, err = fusion.NewIso(r.engine, sink, r.params.Iso).Run(ctx, im)
		if err == nil {
			outputs = []*models.Image{iso.Prediction, iso.Control}
			names = []string{"iso", "iso_control"}
			result.Agreement = &iso.Agreement
			sink.LogMessage(fmt.Sprintf("Pass agreement: %s", iso.Agreement))
		}
	default:
		err = fmt.Errorf("unknown mode %q", job.Mode)
		sink.ReportError(err.Error())
	}
	if err != nil {
		return nil, err
	}

	// Step 3: save
	outputDir := job.OutputDir
	if outputDir == "" {
		outputDir = r.params.OutputDir
	}
	sink.BeginStep(progress.StepSave)
	base := inputName(job.Input)
	for i, out := range outputs {
		path, err := r.save(out, filepath.Join(outputDir, base+"_"+names[i]), logger)
		if err != nil {
			sink.ReportError(err.Error())
			sink.MarkStepFailed()
			return nil, err
		}
		result.Outputs = append(result.Outputs, path)
	}
	sink.MarkStepDone()

	result.Duration = time.Since(start)
	logger.Info().Strs("outputs", result.Outputs).Dur("took", result.Duration).Msg("restoration finished")
	return result, nil
}

// predict normalizes im and runs the network with the configured or default axis binding
func (r *Restorer) predict(ctx context.Context, im *models.Image, sink progress.Sink) ([]*models.Image, error) {
	mapping := axes.NewMapping(im)
	if err := r.bind(&mapping, r.engine.InputShape().Rank(), sink); err != nil {
		sink.ReportError(err.Error())
		return nil, err
	}
	sink.LogMessage(fmt.Sprintf("Axis mapping: %s", mapping))

	sink.BeginStep(progress.StepNormalize)
	var normalized *models.Image
	var err error
	if r.params.PerChannel {
		normalized, err = normalize.NormalizePerChannel(im, r.params.Normalization)
	} else {
		normalized, err = normalize.NewPercentileNormalizer(r.params.Normalization).Normalize(im)
	}
	if err != nil {
		sink.ReportError(err.Error())
		sink.MarkStepFailed()
		return nil, err
	}
	sink.MarkStepDone()

	opts := r.params.Prediction
	if opts.TileCountHint == 0 {
		// input and output samples of one batch
		hint, msg := tiling.HintFromMemory(uint64(im.Len())*4*2, opts.BatchSize, r.params.Budget)
		opts.TileCountHint = hint
		sink.LogMessage(msg)
	}
	return prediction.NewPredictor(r.engine, sink, opts).Predict(ctx, normalized, mapping)
}

// bind applies Params.Mapping to m, or the default binding for rank when none is
// configured. A rank without a default is only fatal if nothing ends up bound.
func (r *Restorer) bind(m *axes.Mapping, rank int, sink progress.Sink) error {
	if slots := r.params.Mapping; len(slots) > 0 {
		if len(slots) != rank {
			return fmt.Errorf("axis mapping %v has %d slots, network input is rank %d", slots, len(slots), rank)
		}
		m.SetSlots(slots...)
		for slot := range slots {
			if _, ok := m.AxisAt(slot); !ok {
				return fmt.Errorf("axis mapping %v binds an axis twice", slots)
			}
		}
	} else if err := m.SetDefaults(rank); err != nil {
		sink.LogMessage(fmt.Sprintf("Warning: %v, set engine.mapping to bind axes by hand", err))
	}
	if !m.Initialized() {
		return fmt.Errorf("no axis bound to the rank %d network input", rank)
	}
	return m.Validate()
}

func (r *Restorer) save(im *models.Image, base string, logger *zerolog.Logger) (string, error) {
	path := base + ".yaml"
	if err := volume.Save(path, im, volume.SaveOptions{Compress: r.params.Compress}); err != nil {
		return "", err
	}
	if !r.params.SaveSlices {
		return path, nil
	}

	viewer, err := visualization.NewViewer(im)
	if err != nil {
		return "", err
	}
	if err := viewer.AutoWindow(); err != nil {
		logger.Debug().Err(err).Str("volume", path).Msg("keeping the default display window")
	}
	if _, err := viewer.SaveSliceSequence(models.AxisZ, base+"_slices", "png"); err != nil {
		return "", fmt.Errorf("saving slices of %s: %w", path, err)
	}
	return path, nil
}

// LoadInput reads a raw volume header, a slice directory or a single image
func LoadInput(path string) (*models.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return volume.LoadStack(path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return volume.Load(path)
	}
	return volume.LoadSlice(path)
}

// prepare names unrecognized dimensions and checks the result. Dimensions left
// without an axis are only warned about; prediction loops over them.
func prepare(im *models.Image, sink progress.Sink) error {
	if _, unassigned := axes.AssignUnknownDimensions(im); unassigned > 0 {
		sink.LogMessage(fmt.Sprintf("Warning: %d dimensions of %s have no axis", unassigned, im.ShapeString()))
	}
	return im.Validate()
}

func headNames(prefix string, n int) []string {
	if n == 1 {
		return []string{prefix}
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s_h%d", prefix, i)
	}
	return names
}

func inputName(path string) string {
	base := filepath.Base(filepath.Clean(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
