package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the engine environment is ready for inference",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDoctor()
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type check struct {
	name     string
	ok       bool
	required bool
	note     string
}

func runDoctor() error {
	checks := []check{
		checkBinary("python", Cfg.PythonBin, true),
		checkFile("engine script", Cfg.EngineScript),
		checkDir("checkpoints", Cfg.CheckpointDir),
		checkBinary("ffprobe", "ffprobe", false),
		checkStore(),
	}

	failed := 0
	for _, c := range checks {
		icon := "✅"
		if !c.ok {
			if c.required {
				icon = "❌"
				failed++
			} else {
				icon = "⚠️ "
			}
		}
		fmt.Printf("%s %-15s %s\n", icon, c.name, c.note)
	}

	if failed > 0 {
		return fmt.Errorf("%d required check(s) failed", failed)
	}
	fmt.Println("\n🏁 Environment looks ready.")
	return nil
}

func checkBinary(name, bin string, required bool) check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return check{name: name, required: required, note: fmt.Sprintf("%s not found in PATH", bin)}
	}
	return check{name: name, ok: true, required: required, note: path}
}

func checkFile(name, path string) check {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return check{name: name, required: true, note: fmt.Sprintf("%s missing", path)}
	}
	return check{name: name, ok: true, required: true, note: path}
}

func checkDir(name, path string) check {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return check{name: name, required: true, note: fmt.Sprintf("%s is not a directory", path)}
	}
	entries, err := os.ReadDir(path)
	if err == nil && len(entries) == 0 {
		return check{name: name, required: true, note: fmt.Sprintf("%s is empty, download model checkpoints first", path)}
	}
	return check{name: name, ok: true, required: true, note: path}
}

func checkStore() check {
	if DB == nil {
		return check{name: "run history", ok: true, note: "not configured (optional)"}
	}
	return check{name: "run history", ok: true, note: "connected"}
}
