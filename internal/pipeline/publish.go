package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aramirez6/talkgen/internal/types"
)

const (
	base64SidecarName  = "video_base64.txt"
	manifestName       = "inference_info.json"
	manifestTimeLayout = "2006-01-02 15:04:05"
)

// manifest is the run summary written next to the timestamped save dirs.
// Field names are a stable contract for downstream consumers.
type manifest struct {
	AudioPath string `json:"audio_path"`
	ImagePath string `json:"image_path"`
	VideoPath string `json:"video_path"`
	Timestamp string `json:"timestamp"`
}

// publish writes the optional base64 sidecar and the JSON manifest.
// The manifest is written on every successful run regardless of flags.
func publish(req types.Request, art types.Artifacts, now time.Time) (*types.Result, error) {
	res := &types.Result{VideoPath: art.VideoPath}

	if req.SaveBase64 {
		raw, err := os.ReadFile(art.VideoPath)
		if err != nil {
			return nil, fmt.Errorf("read video: %w", err)
		}
		res.VideoBase64 = base64.StdEncoding.EncodeToString(raw)

		sidecar := filepath.Join(art.SaveDir, base64SidecarName)
		if err := os.WriteFile(sidecar, []byte(res.VideoBase64), 0644); err != nil {
			return nil, fmt.Errorf("write base64 sidecar: %w", err)
		}
	}

	body, err := json.MarshalIndent(manifest{
		AudioPath: req.AudioPath,
		ImagePath: req.ImagePath,
		VideoPath: art.VideoPath,
		Timestamp: now.Format(manifestTimeLayout),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	manifestPath := filepath.Join(req.OutputDir, manifestName)
	if err := os.WriteFile(manifestPath, body, 0644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return res, nil
}

// ManifestPath reports where the run summary for an output dir lives.
func ManifestPath(outputDir string) string {
	return filepath.Join(outputDir, manifestName)
}
