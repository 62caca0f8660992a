package cmd

import (
	"testing"

	"github.com/aramirez6/talkgen/internal/config"
)

func TestValidateInferenceFlags(t *testing.T) {
	Cfg = &config.Config{DefaultImage: "./talkgen_default.jpeg"}

	base := Options{
		AudioPath:       "./voice.wav",
		ImagePath:       "./face.jpeg",
		Device:          "cuda",
		Enhancer:        "gfpgan",
		BatchSize:       10,
		ExpressionScale: 1.0,
		Preprocess:      "full",
	}

	if err := validateInferenceFlags(&base); err != nil {
		t.Fatalf("Expected valid options to pass, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"bad device", func(o *Options) { o.Device = "tpu" }},
		{"bad preprocess", func(o *Options) { o.Preprocess = "resize" }},
		{"zero batch size", func(o *Options) { o.BatchSize = 0 }},
		{"negative expression scale", func(o *Options) { o.ExpressionScale = -0.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.mutate(&opts)
			if err := validateInferenceFlags(&opts); err == nil {
				t.Errorf("Expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestValidateInferenceFlagsDefaultImage(t *testing.T) {
	Cfg = &config.Config{DefaultImage: "./talkgen_default.jpeg"}

	opts := Options{
		AudioPath:       "./voice.wav",
		Device:          "cpu",
		BatchSize:       1,
		ExpressionScale: 1.2,
		Preprocess:      "crop",
	}
	if err := validateInferenceFlags(&opts); err != nil {
		t.Fatalf("Expected valid options to pass, got %v", err)
	}
	if opts.ImagePath != "./talkgen_default.jpeg" {
		t.Errorf("Expected default image to be filled in, got %q", opts.ImagePath)
	}
}
