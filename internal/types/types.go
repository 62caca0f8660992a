package types

import "encoding/json"

// Request holds everything needed for one generation run.
// It is built once from CLI flags and never mutated afterwards.
type Request struct {
	AudioPath       string
	ImagePath       string
	OutputDir       string
	Device          string
	Enhancer        string
	BatchSize       int
	ExpressionScale float64
	StillMode       bool
	Preprocess      string // "crop" or "full"
	SaveBase64      bool
}

// Artifacts are the intermediate filesystem paths threaded from one
// pipeline stage to the next. Each stage consumes the fields of the
// previous one; the chain is strict and never reordered.
type Artifacts struct {
	SaveDir        string
	FirstFrameDir  string
	FirstCoeffPath string
	CropPath       string
	// CropInfo is the geometry the engine needs to composite the rendered
	// face back onto the original frame. Opaque to Go; passed through verbatim.
	CropInfo  json.RawMessage
	CoeffPath string
	VideoPath string
}

// Result is the terminal output of a successful run.
type Result struct {
	VideoPath   string
	VideoBase64 string // empty unless the request asked for base64
}
