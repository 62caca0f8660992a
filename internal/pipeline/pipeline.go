// Package pipeline drives one talking-face generation run: a fixed linear
// chain of five engine calls with fail-fast semantics. There are no retries,
// no partial artifacts and no backward transitions.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aramirez6/talkgen/internal/types"
)

// State identifies where a run is in the stage chain.
type State string

const (
	StateValidating   State = "validating"
	StateInitializing State = "initializing"
	StatePreprocess   State = "preprocessing"
	StateAudioToCoeff State = "audio2coeff"
	StateRendering    State = "rendering"
	StatePublishing   State = "publishing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Error taxonomy. Every run failure wraps exactly one of these.
var (
	ErrMissingInput = errors.New("input file missing")
	ErrEngineInit   = errors.New("engine initialization failed")
	ErrStageFailed  = errors.New("pipeline stage failed")
)

// Engine is the contract the external face-animation worker must satisfy.
// The five calls map one-to-one onto the worker's model pipeline.
type Engine interface {
	Preprocess(imagePath, workdir, mode string, sourceImage bool) (coeffPath, cropPath string, cropInfo json.RawMessage, err error)
	AudioBatch(coeffPath, audioPath, refEyeblink string, still bool) (batchID string, err error)
	AudioToCoeff(batchID, workdir string, index int, refPose string) (coeffPath string, err error)
	RenderBatch(coeffPath, cropPath, firstCoeffPath, audioPath string, batchSize int, expressionScale float64, still bool, mode string) (batchID string, err error)
	Render(batchID, workdir, sourceImage string, cropInfo json.RawMessage, enhancer, backgroundEnhancer, mode string) (videoPath string, err error)
	Close()
}

// EngineFactory defers worker startup until validation has passed, so a
// request with missing inputs never launches a model process.
type EngineFactory func(ctx context.Context) (Engine, error)

// saveDirLayout matches the artifact layout downstream consumers expect.
const (
	saveDirFormat     = "2006_01_02_15.04.05"
	firstFrameDirName = "first_frame_dir"
)

// Runner executes runs. Log is required; OnStage is an optional hook fired on
// every state transition (the CLI hangs its progress bar on it).
type Runner struct {
	NewEngine EngineFactory
	Log       *slog.Logger
	OnStage   func(State)

	// now is swapped in tests to pin the save dir name.
	now func() time.Time
}

func (r *Runner) setState(s State) {
	r.log().Info("stage", "state", string(s))
	if r.OnStage != nil {
		r.OnStage(s)
	}
}

func (r *Runner) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

func (r *Runner) timeNow() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Runner) fail(state State, err error) (*types.Result, error) {
	r.log().Error("run failed", "state", string(state), "err", err)
	if r.OnStage != nil {
		r.OnStage(StateFailed)
	}
	return nil, err
}

// Validate checks the request's input files. It has no side effects, so a
// failed validation leaves the filesystem untouched.
func Validate(req types.Request) error {
	for _, in := range []struct{ kind, path string }{
		{"audio", req.AudioPath},
		{"image", req.ImagePath},
	} {
		if _, err := os.Stat(in.path); err != nil {
			return fmt.Errorf("%w: %s file %s: %v", ErrMissingInput, in.kind, in.path, err)
		}
	}
	return nil
}

// Run executes the whole state machine for one request and returns the
// terminal result. Directories created before a failure are left in place.
func (r *Runner) Run(ctx context.Context, req types.Request) (*types.Result, error) {
	r.setState(StateValidating)
	if err := Validate(req); err != nil {
		return r.fail(StateValidating, err)
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return r.fail(StateValidating, fmt.Errorf("create output dir: %w", err))
	}

	r.setState(StateInitializing)
	eng, err := r.NewEngine(ctx)
	if err != nil {
		return r.fail(StateInitializing, fmt.Errorf("%w: %v", ErrEngineInit, err))
	}
	defer eng.Close()

	// Fresh timestamped save dir per invocation. Two runs inside the same
	// second collide on this name; second granularity is the layout contract.
	art := types.Artifacts{
		SaveDir: filepath.Join(req.OutputDir, r.timeNow().Format(saveDirFormat)),
	}
	art.FirstFrameDir = filepath.Join(art.SaveDir, firstFrameDirName)
	if err := os.MkdirAll(art.FirstFrameDir, 0755); err != nil {
		return r.fail(StateInitializing, fmt.Errorf("create save dir: %w", err))
	}

	r.setState(StatePreprocess)
	art.FirstCoeffPath, art.CropPath, art.CropInfo, err = eng.Preprocess(
		req.ImagePath, art.FirstFrameDir, req.Preprocess, true)
	if err != nil {
		return r.fail(StatePreprocess, stageErr("preprocess", err))
	}

	r.setState(StateAudioToCoeff)
	batchID, err := eng.AudioBatch(art.FirstCoeffPath, req.AudioPath, "", req.StillMode)
	if err != nil {
		return r.fail(StateAudioToCoeff, stageErr("audio batch", err))
	}
	art.CoeffPath, err = eng.AudioToCoeff(batchID, art.SaveDir, 0, "")
	if err != nil {
		return r.fail(StateAudioToCoeff, stageErr("audio to coefficients", err))
	}

	r.setState(StateRendering)
	renderID, err := eng.RenderBatch(art.CoeffPath, art.CropPath, art.FirstCoeffPath,
		req.AudioPath, req.BatchSize, req.ExpressionScale, req.StillMode, req.Preprocess)
	if err != nil {
		return r.fail(StateRendering, stageErr("render batch", err))
	}
	art.VideoPath, err = eng.Render(renderID, art.SaveDir, req.ImagePath, art.CropInfo,
		req.Enhancer, "", req.Preprocess)
	if err != nil {
		return r.fail(StateRendering, stageErr("render", err))
	}
	r.log().Info("video generated", "path", art.VideoPath)

	r.setState(StatePublishing)
	res, err := publish(req, art, r.timeNow())
	if err != nil {
		return r.fail(StatePublishing, stageErr("publish", err))
	}

	r.setState(StateDone)
	return res, nil
}

func stageErr(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStageFailed, stage, err)
}
