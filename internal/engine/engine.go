// Package engine talks to the external face-animation worker: a long-lived
// Python process that owns the actual models (face cropping, audio-to-coefficient
// regression, neural rendering, enhancement). Go never interprets model data;
// it only moves paths and opaque handles across the pipe.
package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/aramirez6/talkgen/internal/utils"
)

// Config describes how to launch the engine worker.
type Config struct {
	PythonBin     string
	Script        string
	CheckpointDir string
	Device        string // "cpu" or "cuda"
}

// Engine is a handle to one running worker process. It is exclusively owned
// by a single run; there is no sharing and no reuse across requests.
type Engine struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Device   string

	log *slog.Logger
}

// handshake is the first frame the worker sends after loading its models.
type handshake struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error"`
	Device string          `json:"device"`
	Models map[string]bool `json:"models"`
}

// The worker must report all four handles loaded before any stage may run.
var requiredModels = []string{"preprocessor", "audio2coeff", "renderer", "batch_builders"}

// Start launches the worker and waits for its model-loading handshake.
// A worker that cannot load every handle is shut down and reported as an
// initialization failure; callers never see a partially-usable engine.
func Start(ctx context.Context, cfg Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	py := utils.NewSafeCommand(ctx, cfg.PythonBin, "-u", cfg.Script,
		"--checkpoints", cfg.CheckpointDir, "--device", cfg.Device)

	// Side-channel pipe (FD 3) keeps result frames away from whatever the
	// model libraries print on stdout.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	e := &Engine{Cmd: py, Stdin: stdin, DataPipe: r, log: log}

	log.Info("waiting for engine models to load", "device", cfg.Device, "checkpoints", cfg.CheckpointDir)
	hs, err := e.readHandshake()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Device = hs.Device

	log.Info("engine ready", "device", hs.Device)
	return e, nil
}

func (e *Engine) readHandshake() (handshake, error) {
	frame, err := e.readFrame()
	if err != nil {
		return handshake{}, fmt.Errorf("engine died before handshake: %w", err)
	}

	var hs handshake
	if err := json.Unmarshal(frame, &hs); err != nil {
		return handshake{}, fmt.Errorf("bad handshake payload: %w", err)
	}
	return hs, checkHandshake(hs)
}

// checkHandshake verifies every model handle loaded. The worker reports
// per-handle status so a missing checkpoint names exactly what is absent.
func checkHandshake(hs handshake) error {
	if !hs.OK {
		return fmt.Errorf("engine initialization failed: %s", hs.Error)
	}

	var missing []string
	for _, name := range requiredModels {
		if !hs.Models[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("engine loaded without required models: %s", strings.Join(missing, ", "))
	}
	return nil
}

// --- Wire protocol ---
//
// Frames are [uint32 BE length][JSON body]. Requests go to the worker's stdin;
// responses come back on the FD 3 data pipe. Every response embeds {ok, error}.

type status struct {
	OK     bool   `json:"ok"`
	ErrMsg string `json:"error"`
}

func (s status) failure() error {
	if s.OK {
		return nil
	}
	return fmt.Errorf("engine error: %s", s.ErrMsg)
}

// failer lets call() check the embedded status after decoding any response type.
type failer interface{ failed() error }

func (e *Engine) call(req any, resp failer) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(body))); err != nil {
		return err
	}
	if _, err := e.Stdin.Write(body); err != nil {
		return err
	}

	frame, err := e.readFrame()
	if err != nil {
		// This is where a crashed worker (ImportError, OOM, CUDA fault) surfaces.
		return err
	}
	if err := json.Unmarshal(frame, resp); err != nil {
		return fmt.Errorf("bad response payload: %w", err)
	}
	return resp.failed()
}

func (e *Engine) readFrame() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(header))
	if _, err := io.ReadFull(e.DataPipe, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Close shuts down the worker. Safe to call after a failed Start.
func (e *Engine) Close() {
	if e.Stdin != nil {
		e.Stdin.Close()
	}
	if e.DataPipe != nil {
		e.DataPipe.Close()
	}
	if e.Cmd != nil {
		e.Cmd.Wait()
	}
}

// --- Stage calls ---

type preprocessRequest struct {
	Op          string `json:"op"`
	ImagePath   string `json:"image_path"`
	Workdir     string `json:"workdir"`
	Mode        string `json:"mode"`
	SourceImage bool   `json:"source_image"`
}

type preprocessResponse struct {
	status
	CoeffPath string          `json:"coeff_path"`
	CropPath  string          `json:"crop_path"`
	CropInfo  json.RawMessage `json:"crop_info"`
}

func (r *preprocessResponse) failed() error { return r.failure() }

// Preprocess crops the source image and extracts its first-frame coefficients.
func (e *Engine) Preprocess(imagePath, workdir, mode string, sourceImage bool) (string, string, json.RawMessage, error) {
	var resp preprocessResponse
	err := e.call(preprocessRequest{
		Op:          "preprocess",
		ImagePath:   imagePath,
		Workdir:     workdir,
		Mode:        mode,
		SourceImage: sourceImage,
	}, &resp)
	if err != nil {
		return "", "", nil, err
	}
	return resp.CoeffPath, resp.CropPath, resp.CropInfo, nil
}

type audioBatchRequest struct {
	Op          string `json:"op"`
	CoeffPath   string `json:"coeff_path"`
	AudioPath   string `json:"audio_path"`
	RefEyeblink string `json:"ref_eyeblink,omitempty"`
	Still       bool   `json:"still"`
}

type batchResponse struct {
	status
	BatchID string `json:"batch_id"`
}

func (r *batchResponse) failed() error { return r.failure() }

// AudioBatch prepares the audio-driven batch descriptor. The descriptor lives
// inside the worker; Go only carries its handle.
func (e *Engine) AudioBatch(coeffPath, audioPath, refEyeblink string, still bool) (string, error) {
	var resp batchResponse
	err := e.call(audioBatchRequest{
		Op:          "audio_batch",
		CoeffPath:   coeffPath,
		AudioPath:   audioPath,
		RefEyeblink: refEyeblink,
		Still:       still,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.BatchID, nil
}

type audioToCoeffRequest struct {
	Op      string `json:"op"`
	BatchID string `json:"batch_id"`
	Workdir string `json:"workdir"`
	Index   int    `json:"index"`
	RefPose string `json:"ref_pose,omitempty"`
}

type coeffResponse struct {
	status
	CoeffPath string `json:"coeff_path"`
}

func (r *coeffResponse) failed() error { return r.failure() }

// AudioToCoeff regresses expression coefficients from the prepared audio batch.
func (e *Engine) AudioToCoeff(batchID, workdir string, index int, refPose string) (string, error) {
	var resp coeffResponse
	err := e.call(audioToCoeffRequest{
		Op:      "audio2coeff",
		BatchID: batchID,
		Workdir: workdir,
		Index:   index,
		RefPose: refPose,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.CoeffPath, nil
}

type renderBatchRequest struct {
	Op              string  `json:"op"`
	CoeffPath       string  `json:"coeff_path"`
	CropPath        string  `json:"crop_path"`
	FirstCoeffPath  string  `json:"first_coeff_path"`
	AudioPath       string  `json:"audio_path"`
	BatchSize       int     `json:"batch_size"`
	ExpressionScale float64 `json:"expression_scale"`
	Still           bool    `json:"still"`
	Mode            string  `json:"mode"`
}

// RenderBatch prepares the face-render batch descriptor.
func (e *Engine) RenderBatch(coeffPath, cropPath, firstCoeffPath, audioPath string, batchSize int, expressionScale float64, still bool, mode string) (string, error) {
	var resp batchResponse
	err := e.call(renderBatchRequest{
		Op:              "render_batch",
		CoeffPath:       coeffPath,
		CropPath:        cropPath,
		FirstCoeffPath:  firstCoeffPath,
		AudioPath:       audioPath,
		BatchSize:       batchSize,
		ExpressionScale: expressionScale,
		Still:           still,
		Mode:            mode,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.BatchID, nil
}

type renderRequest struct {
	Op                 string          `json:"op"`
	BatchID            string          `json:"batch_id"`
	Workdir            string          `json:"workdir"`
	SourceImage        string          `json:"source_image"`
	CropInfo           json.RawMessage `json:"crop_info"`
	Enhancer           string          `json:"enhancer,omitempty"`
	BackgroundEnhancer string          `json:"background_enhancer,omitempty"`
	Mode               string          `json:"mode"`
}

type renderResponse struct {
	status
	VideoPath string `json:"video_path"`
}

func (r *renderResponse) failed() error { return r.failure() }

// Render turns coefficients into the final video, optionally enhanced.
func (e *Engine) Render(batchID, workdir, sourceImage string, cropInfo json.RawMessage, enhancer, backgroundEnhancer, mode string) (string, error) {
	var resp renderResponse
	err := e.call(renderRequest{
		Op:                 "render",
		BatchID:            batchID,
		Workdir:            workdir,
		SourceImage:        sourceImage,
		CropInfo:           cropInfo,
		Enhancer:           enhancer,
		BackgroundEnhancer: backgroundEnhancer,
		Mode:               mode,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.VideoPath, nil
}
