package fl

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// TrainRequest is the file-based contract with the external training
// routine: ordered image paths with equal-length ordered labels, the current
// global weights, and a destination for the produced delta.
type TrainRequest struct {
	GlobalModelPath string
	ImagePaths      []string
	Labels          []string
	OutDeltaPath    string
	Kind            string
	ModelArch       string
}

// Trainer runs one fine-tuning step. The training routine itself is a black
// box; implementations only guarantee the contract: on success the delta
// file at OutDeltaPath exists and is non-empty.
type Trainer interface {
	Train(ctx context.Context, req TrainRequest) error
}

// SubprocessTrainer invokes an independently-versioned python training
// script. Success is exit code zero plus a non-empty output file; any other
// outcome, including a wall-clock timeout, is a TrainingProcessError and
// leaves no partial delta behind.
type SubprocessTrainer struct {
	PythonBin string
	Script    string
	Timeout   time.Duration
}

func (t *SubprocessTrainer) Train(ctx context.Context, req TrainRequest) error {
	if len(req.ImagePaths) != len(req.Labels) {
		return &TrainingProcessError{Err: fmt.Errorf("got %d images but %d labels", len(req.ImagePaths), len(req.Labels))}
	}
	if len(req.ImagePaths) == 0 {
		return &TrainingProcessError{Err: fmt.Errorf("no training samples provided")}
	}

	args := []string{t.Script, "--global", req.GlobalModelPath}
	args = append(args, "--images")
	args = append(args, req.ImagePaths...)
	args = append(args, "--labels")
	args = append(args, req.Labels...)
	args = append(args, "--out", req.OutDeltaPath, "--kind", req.Kind)
	if req.ModelArch != "" {
		args = append(args, "--arch", req.ModelArch)
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, t.PythonBin, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	slog.Info("invoking training routine", "script", t.Script, "samples", len(req.ImagePaths), "kind", req.Kind)
	start := time.Now()

	if err := cmd.Run(); err != nil {
		os.Remove(req.OutDeltaPath)
		if ctx.Err() == context.DeadlineExceeded {
			return &TrainingProcessError{Err: fmt.Errorf("training exceeded timeout of %v", t.Timeout)}
		}
		return &TrainingProcessError{Err: fmt.Errorf("training process: %w", err)}
	}

	info, err := os.Stat(req.OutDeltaPath)
	if err != nil {
		return &TrainingProcessError{Err: fmt.Errorf("training exited cleanly but produced no delta: %w", err)}
	}
	if info.Size() == 0 {
		os.Remove(req.OutDeltaPath)
		return &TrainingProcessError{Err: fmt.Errorf("training produced an empty delta file")}
	}

	slog.Info("training routine finished", "duration", time.Since(start), "delta_bytes", info.Size())
	return nil
}
