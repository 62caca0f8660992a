package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/aramirez6/talkgen/internal/engine"
	"github.com/aramirez6/talkgen/internal/pipeline"
	"github.com/aramirez6/talkgen/internal/store"
	"github.com/aramirez6/talkgen/internal/types"
	"github.com/aramirez6/talkgen/internal/utils"
)

// One progress tick per state the run passes through on the happy path.
const stageTicks = 7

var inferOpts Options

var inferenceCmd = &cobra.Command{
	Use:   "inference",
	Short: "Generate a talking face video from audio and a source image",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runInference(cmd.Context(), inferOpts)
	},
}

func init() {
	f := inferenceCmd.Flags()
	f.StringVar(&inferOpts.AudioPath, "audio_path", "", "Path to the driving audio file")
	f.StringVar(&inferOpts.ImagePath, "image_path", "", "Path to the source image (default: TALKGEN_DEFAULT_IMAGE)")
	f.StringVar(&inferOpts.OutputDir, "output_dir", "./output", "Output directory for results")
	f.StringVar(&inferOpts.Device, "device", "cuda", "Device to use for inference: cuda, cpu")
	f.StringVar(&inferOpts.Enhancer, "enhancer", "gfpgan", "Face enhancer to apply after rendering")
	f.IntVar(&inferOpts.BatchSize, "batch_size", 10, "Batch size for face rendering")
	f.Float64Var(&inferOpts.ExpressionScale, "expression_scale", 1.0, "Expression scale factor")
	f.BoolVar(&inferOpts.StillMode, "still_mode", false, "Reduce head motion in the generated video")
	f.StringVar(&inferOpts.Preprocess, "preprocess", "full", "Preprocessing mode: crop, full")
	f.BoolVar(&inferOpts.SaveBase64, "save_base64", false, "Also write the video base64-encoded next to it")

	inferenceCmd.MarkFlagRequired("audio_path")
	rootCmd.AddCommand(inferenceCmd)
}

// validateInferenceFlags rejects bad arguments before any process is spawned
// or directory created. Input file existence is checked by the pipeline.
func validateInferenceFlags(opts *Options) error {
	if opts.ImagePath == "" && Cfg != nil {
		opts.ImagePath = Cfg.DefaultImage
	}

	switch opts.Device {
	case "cpu", "cuda":
	default:
		return fmt.Errorf("invalid device %q (use cpu or cuda)", opts.Device)
	}
	switch opts.Preprocess {
	case "crop", "full":
	default:
		return fmt.Errorf("invalid preprocess mode %q (use crop or full)", opts.Preprocess)
	}
	if opts.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", opts.BatchSize)
	}
	if opts.ExpressionScale <= 0 {
		return fmt.Errorf("expression_scale must be > 0, got %g", opts.ExpressionScale)
	}
	return nil
}

func runInference(ctx context.Context, opts Options) error {
	if err := validateInferenceFlags(&opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}

	req := types.Request{
		AudioPath:       opts.AudioPath,
		ImagePath:       opts.ImagePath,
		OutputDir:       opts.OutputDir,
		Device:          opts.Device,
		Enhancer:        opts.Enhancer,
		BatchSize:       opts.BatchSize,
		ExpressionScale: opts.ExpressionScale,
		StillMode:       opts.StillMode,
		Preprocess:      opts.Preprocess,
		SaveBase64:      opts.SaveBase64,
	}

	// Logger is scoped to this run; nothing here mutates global logging state.
	runID := uuid.NewString()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("run", runID[:8])

	fmt.Fprintf(os.Stderr, "🎙️  Audio:  %s\n", req.AudioPath)
	fmt.Fprintf(os.Stderr, "🖼️  Image:  %s\n", req.ImagePath)
	fmt.Fprintf(os.Stderr, "📁 Output: %s\n", req.OutputDir)

	if d := utils.ProbeAudioDuration(ctx, req.AudioPath); d > 0 {
		logger.Info("audio clip probed", "duration", d.Round(time.Millisecond))
	}

	bar := progressbar.NewOptions(stageTicks,
		progressbar.OptionSetDescription("🎬 Generating"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	// The engine handle is kept so its captured stderr can be dumped on failure.
	var eng *engine.Engine
	runner := &pipeline.Runner{
		NewEngine: func(ctx context.Context) (pipeline.Engine, error) {
			e, err := engine.Start(ctx, engine.Config{
				PythonBin:     Cfg.PythonBin,
				Script:        Cfg.EngineScript,
				CheckpointDir: Cfg.CheckpointDir,
				Device:        req.Device,
			}, logger)
			eng = e
			return e, err
		},
		Log: logger,
		OnStage: func(s pipeline.State) {
			if s != pipeline.StateFailed {
				bar.Add(1)
			}
		},
	}

	if DB != nil {
		if err := DB.CreateRun(ctx, store.Run{
			ID:        runID,
			AudioPath: req.AudioPath,
			ImagePath: req.ImagePath,
			Device:    req.Device,
			Enhancer:  req.Enhancer,
		}); err != nil {
			logger.Warn("failed to record run start", "err", err)
		}
	}

	start := time.Now()
	res, err := runner.Run(ctx, req)
	elapsed := time.Since(start)

	if DB != nil {
		status, videoPath := store.StatusSucceeded, ""
		if err != nil {
			status = store.StatusFailed
		} else {
			videoPath = res.VideoPath
		}
		// Background: the run context may already be cancelled.
		if ferr := DB.FinishRun(context.Background(), runID, videoPath, status, elapsed); ferr != nil {
			logger.Warn("failed to finalize run record", "err", ferr)
		}
	}

	if err != nil {
		var crashed *utils.SafeCommand
		if eng != nil {
			crashed = eng.Cmd
		}
		utils.ShowError("Inference failed", err, crashed)
		return err
	}

	bar.Finish()
	fmt.Fprintf(os.Stderr, "\n✅ Done in %s\n", elapsed.Round(time.Second))
	fmt.Printf("🎥 Video:    %s\n", res.VideoPath)
	fmt.Printf("📄 Manifest: %s\n", pipeline.ManifestPath(req.OutputDir))
	return nil
}
