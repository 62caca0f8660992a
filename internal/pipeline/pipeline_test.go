package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aramirez6/talkgen/internal/types"
)

// fakeEngine records stage calls and their inputs so tests can assert both
// ordering and artifact chaining. failAt aborts a named stage.
type fakeEngine struct {
	t      *testing.T
	calls  []string
	failAt string

	videoBytes []byte

	// inputs captured for chaining assertions
	audioBatchCoeff string
	renderBatchID   string
	renderCropInfo  json.RawMessage
	workdir         string
}

func (f *fakeEngine) stage(name string) error {
	f.calls = append(f.calls, name)
	if f.failAt == name {
		return errors.New("model exploded")
	}
	return nil
}

func (f *fakeEngine) Preprocess(imagePath, workdir, mode string, sourceImage bool) (string, string, json.RawMessage, error) {
	if err := f.stage("preprocess"); err != nil {
		return "", "", nil, err
	}
	require.True(f.t, sourceImage)
	return filepath.Join(workdir, "face.mat"),
		filepath.Join(workdir, "face_crop.png"),
		json.RawMessage(`{"box":[0,0,256,256]}`), nil
}

func (f *fakeEngine) AudioBatch(coeffPath, audioPath, refEyeblink string, still bool) (string, error) {
	if err := f.stage("audio_batch"); err != nil {
		return "", err
	}
	f.audioBatchCoeff = coeffPath
	return "audio-batch-1", nil
}

func (f *fakeEngine) AudioToCoeff(batchID, workdir string, index int, refPose string) (string, error) {
	if err := f.stage("audio2coeff"); err != nil {
		return "", err
	}
	require.Equal(f.t, "audio-batch-1", batchID)
	require.Equal(f.t, 0, index)
	f.workdir = workdir
	return filepath.Join(workdir, "coeffs.mat"), nil
}

func (f *fakeEngine) RenderBatch(coeffPath, cropPath, firstCoeffPath, audioPath string, batchSize int, expressionScale float64, still bool, mode string) (string, error) {
	if err := f.stage("render_batch"); err != nil {
		return "", err
	}
	require.Equal(f.t, filepath.Join(f.workdir, "coeffs.mat"), coeffPath)
	return "render-batch-1", nil
}

func (f *fakeEngine) Render(batchID, workdir, sourceImage string, cropInfo json.RawMessage, enhancer, backgroundEnhancer, mode string) (string, error) {
	if err := f.stage("render"); err != nil {
		return "", err
	}
	f.renderBatchID = batchID
	f.renderCropInfo = cropInfo

	video := filepath.Join(workdir, "result.mp4")
	bytes := f.videoBytes
	if bytes == nil {
		bytes = []byte("fake mp4 payload")
	}
	if err := os.WriteFile(video, bytes, 0644); err != nil {
		return "", err
	}
	return video, nil
}

func (f *fakeEngine) Close() {}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRun builds a runner with real input files and a pinned clock.
func newTestRun(t *testing.T, fake *fakeEngine) (*Runner, types.Request) {
	t.Helper()
	dir := t.TempDir()

	audio := filepath.Join(dir, "voice.wav")
	image := filepath.Join(dir, "face.jpeg")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0644))
	require.NoError(t, os.WriteFile(image, []byte("JFIF"), 0644))

	req := types.Request{
		AudioPath:       audio,
		ImagePath:       image,
		OutputDir:       filepath.Join(dir, "output"),
		Device:          "cpu",
		Enhancer:        "gfpgan",
		BatchSize:       10,
		ExpressionScale: 1.0,
		StillMode:       true,
		Preprocess:      "crop",
	}

	runner := &Runner{
		NewEngine: func(ctx context.Context) (Engine, error) { return fake, nil },
		Log:       quietLogger(),
		now:       func() time.Time { return time.Date(2026, 8, 25, 10, 30, 45, 0, time.UTC) },
	}
	return runner, req
}

func TestRunHappyPath(t *testing.T) {
	fake := &fakeEngine{t: t}
	runner, req := newTestRun(t, fake)

	res, err := runner.Run(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t,
		[]string{"preprocess", "audio_batch", "audio2coeff", "render_batch", "render"},
		fake.calls, "stages must run exactly once, in order")

	// One timestamped save dir, named by the pinned clock
	saveDir := filepath.Join(req.OutputDir, "2026_08_25_10.30.45")
	require.DirExists(t, saveDir)
	require.DirExists(t, filepath.Join(saveDir, "first_frame_dir"))

	entries, err := os.ReadDir(req.OutputDir)
	require.NoError(t, err)
	var dirs int
	for _, e := range entries {
		if e.IsDir() {
			dirs++
		}
	}
	require.Equal(t, 1, dirs, "exactly one run dir per invocation")

	// Artifact chaining: audio batch consumed the preprocess coefficients,
	// render consumed the render-batch handle and the crop geometry.
	require.Equal(t, filepath.Join(saveDir, "first_frame_dir", "face.mat"), fake.audioBatchCoeff)
	require.Equal(t, "render-batch-1", fake.renderBatchID)
	require.JSONEq(t, `{"box":[0,0,256,256]}`, string(fake.renderCropInfo))

	// Manifest records the rendered path
	var m struct {
		AudioPath string `json:"audio_path"`
		ImagePath string `json:"image_path"`
		VideoPath string `json:"video_path"`
		Timestamp string `json:"timestamp"`
	}
	raw, err := os.ReadFile(ManifestPath(req.OutputDir))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Equal(t, req.AudioPath, m.AudioPath)
	require.Equal(t, req.ImagePath, m.ImagePath)
	require.Equal(t, res.VideoPath, m.VideoPath)
	require.Equal(t, "2026-08-25 10:30:45", m.Timestamp)
}

func TestRunMissingAudioAbortsBeforeAnything(t *testing.T) {
	fake := &fakeEngine{t: t}
	runner, req := newTestRun(t, fake)
	req.AudioPath = filepath.Join(t.TempDir(), "nope.wav")

	factoryCalled := false
	runner.NewEngine = func(ctx context.Context) (Engine, error) {
		factoryCalled = true
		return fake, nil
	}

	_, err := runner.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrMissingInput)
	require.False(t, factoryCalled, "no model initialization on validation failure")
	require.Empty(t, fake.calls)
	require.NoDirExists(t, req.OutputDir, "no output dir on validation failure")
	require.NoFileExists(t, ManifestPath(req.OutputDir))
}

func TestRunEngineInitFailure(t *testing.T) {
	fake := &fakeEngine{t: t}
	runner, req := newTestRun(t, fake)
	runner.NewEngine = func(ctx context.Context) (Engine, error) {
		return nil, errors.New("renderer checkpoint missing")
	}

	_, err := runner.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrEngineInit)
	require.Empty(t, fake.calls, "zero rendering calls when initialization fails")
}

func TestRunStageFailureShortCircuits(t *testing.T) {
	fake := &fakeEngine{t: t, failAt: "audio2coeff"}
	runner, req := newTestRun(t, fake)

	var states []State
	runner.OnStage = func(s State) { states = append(states, s) }

	_, err := runner.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrStageFailed)

	require.Equal(t, []string{"preprocess", "audio_batch", "audio2coeff"}, fake.calls,
		"later stages must not run after a failure")
	require.Equal(t, StateFailed, states[len(states)-1])
	require.NoFileExists(t, ManifestPath(req.OutputDir), "no manifest for a failed run")
}

func TestRunBase64Sidecar(t *testing.T) {
	video := []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2'}
	fake := &fakeEngine{t: t, videoBytes: video}
	runner, req := newTestRun(t, fake)
	req.SaveBase64 = true

	res, err := runner.Run(context.Background(), req)
	require.NoError(t, err)

	sidecar := filepath.Join(req.OutputDir, "2026_08_25_10.30.45", "video_base64.txt")
	raw, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	require.Equal(t, res.VideoBase64, string(raw))

	// Round-trip: decoding the sidecar reproduces the video bytes exactly
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	require.NoError(t, err)
	require.Equal(t, video, decoded)

	require.FileExists(t, res.VideoPath)
}

func TestRunNoSidecarWithoutFlag(t *testing.T) {
	fake := &fakeEngine{t: t}
	runner, req := newTestRun(t, fake)

	res, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, res.VideoBase64)
	require.NoFileExists(t, filepath.Join(req.OutputDir, "2026_08_25_10.30.45", "video_base64.txt"))
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "a.wav")
	image := filepath.Join(dir, "i.jpeg")
	require.NoError(t, os.WriteFile(audio, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(image, []byte("x"), 0644))

	require.NoError(t, Validate(types.Request{AudioPath: audio, ImagePath: image}))

	err := Validate(types.Request{AudioPath: filepath.Join(dir, "missing.wav"), ImagePath: image})
	require.ErrorIs(t, err, ErrMissingInput)
	require.Contains(t, err.Error(), "audio")

	err = Validate(types.Request{AudioPath: audio, ImagePath: filepath.Join(dir, "missing.jpeg")})
	require.ErrorIs(t, err, ErrMissingInput)
	require.Contains(t, err.Error(), "image")
}
