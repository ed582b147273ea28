package progress

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.BeginStep(StepPrediction)
	r.LogMessage("batch 1/2 done")
	ReportBatch(r, 1, 2)
	r.ReportError("engine failed")
	r.MarkStepFailed()

	require.Equal(t, 1, r.Count(KindBegin))
	require.Equal(t, []string{"batch 1/2 done"}, r.Texts(KindLog))
	require.Equal(t, []string{"1/2"}, r.Texts(KindBatch))
	require.Equal(t, []string{"engine failed"}, r.Texts(KindError))
	require.Equal(t, 1, r.Count(KindFailed))
	require.Equal(t, "begin(prediction)", r.Events()[0].String())
}

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, Nop{}, b}
	m.BeginStep(StepLoad)
	m.LogMessage("hello")
	m.ReportBatch(3, 4)
	m.MarkStepDone()

	for _, r := range []*Recorder{a, b} {
		require.Len(t, r.Events(), 4)
		require.Equal(t, 1, r.Count(KindDone))
	}
}

func TestReportBatchIgnoresPlainSinks(t *testing.T) {
	require.NotPanics(t, func() { ReportBatch(Nop{}, 1, 1) })
}

func TestLogSinkWritesStructuredEntries(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := NewLogger(LogOptions{Level: "debug", JSON: true, Console: &buf})
	defer closer.Close()

	sink := NewLogSink(logger, "prediction").WithRun("run-1")
	sink.BeginStep(StepPrediction)
	sink.LogMessage("batch 1/1 done")
	sink.ReportBatch(1, 1)
	sink.MarkStepDone()
	sink.MarkStepDone()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "prediction", entry["component"])
	require.Equal(t, "run-1", entry["run"])
	require.Equal(t, "prediction", entry["step"])

	require.NoError(t, json.Unmarshal([]byte(lines[3]), &entry))
	require.Equal(t, "step done", entry["message"])
}

func TestNewLoggerLevelAndFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "deeprestore.log")
	logger, closer := NewLogger(LogOptions{Level: "warn", JSON: true, Console: &buf, File: path, MaxSizeMB: 1})

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	require.NoError(t, closer.Close())

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
	require.FileExists(t, path)
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(LogOptions{Level: "bogus", JSON: true, Console: &buf})
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}

func TestConsoleBar(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	clock := time.Unix(0, 0)
	c.now = func() time.Time { return clock }

	c.BeginStep(StepPrediction)
	clock = clock.Add(2 * time.Second)
	c.ReportBatch(1, 2)
	clock = clock.Add(2 * time.Second)
	c.ReportBatch(2, 2)
	c.MarkStepDone()

	out := buf.String()
	require.Contains(t, out, "Step: prediction...")
	require.Contains(t, out, "50.0% (1/2) [2.0s elapsed | 2.0s remaining]")
	require.Contains(t, out, "100.0% (2/2)")
	require.Contains(t, out, "Step prediction completed in 4.0s")
}

func TestBar(t *testing.T) {
	require.Equal(t, "["+strings.Repeat("░", 0)+"▓"+strings.Repeat("░", 39)+"]", Bar(0, 10))
	require.Equal(t, "["+strings.Repeat("█", 20)+"▓"+strings.Repeat("░", 19)+"]", Bar(5, 10))
	require.Equal(t, "["+strings.Repeat("█", 40)+"]", Bar(10, 10))
	require.Equal(t, "2.0m", formatSeconds(2*time.Minute))
	require.Equal(t, "1.5h", formatSeconds(90*time.Minute))
}
