package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fetchq/fetchq/internal/config"
	"github.com/fetchq/fetchq/internal/domain"
)

// CommandBackend fetches media by running an external command. Args may
// use {url} and {dest} placeholders. With isolate set the command runs
// in a temp dir and finished files are moved into the destination, so a
// crashed run never leaves partial files next to good ones.
type CommandBackend struct {
	command string
	args    []string
	isolate bool
}

// NewCommandBackend creates a command backend from config. Isolate
// defaults to true.
func NewCommandBackend(bc config.BackendConfig) (*CommandBackend, error) {
	if bc.Command == "" {
		return nil, fmt.Errorf("command backend: no command configured")
	}
	isolate := true
	if bc.Isolate != nil {
		isolate = *bc.Isolate
	}
	return &CommandBackend{command: bc.Command, args: bc.Args, isolate: isolate}, nil
}

func (b *CommandBackend) Name() string { return "command" }

// Fetch runs the configured command for the job. Command backends have
// no byte-level progress to report; completion is signalled through the
// outcome alone.
func (b *CommandBackend) Fetch(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
	args := make([]string, len(b.args))
	for i, arg := range b.args {
		arg = strings.ReplaceAll(arg, "{url}", job.URL)
		args[i] = strings.ReplaceAll(arg, "{dest}", job.Destination)
	}

	var err error
	if b.isolate {
		err = b.runIsolated(ctx, job, args)
	} else {
		err = b.runDirect(ctx, job, args)
	}

	if err == nil {
		progress(1)
		return domain.Outcome{Code: domain.OutcomeSuccess, OutputPath: job.Destination}
	}
	return classify(ctx, err)
}

// runDirect runs the command directly in the destination directory.
func (b *CommandBackend) runDirect(ctx context.Context, job *domain.Job, args []string) error {
	if err := os.MkdirAll(job.Destination, 0755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.command, args...)
	cmd.Dir = job.Destination
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", b.command, err, string(output))
	}
	return nil
}

// runIsolated runs in a temp dir, moving files on success.
func (b *CommandBackend) runIsolated(ctx context.Context, job *domain.Job, args []string) error {
	tempDir, err := os.MkdirTemp("", fmt.Sprintf("fetchq-job-%s-*", job.ID))
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	cmd := exec.CommandContext(ctx, b.command, args...)
	cmd.Dir = tempDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", b.command, err, string(output))
	}

	return moveFiles(job, tempDir)
}

// moveFiles moves files from srcDir into the job destination, skipping
// existing files rather than overwriting.
func moveFiles(job *domain.Job, srcDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(job.Destination, 0755); err != nil {
		return err
	}

	var moved int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(job.Destination, entry.Name())

		if _, err := os.Stat(dst); err == nil {
			log.Printf("job %s: skipped %s (exists)", job.ID, entry.Name())
			continue
		}

		if err := os.Rename(src, dst); err != nil {
			// Cross-device fallback
			if err := copyFile(src, dst); err != nil {
				return err
			}
			os.Remove(src)
		}
		moved++
	}
	log.Printf("job %s: moved %d file(s) to %s", job.ID, moved, job.Destination)
	return nil
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// classify translates a command failure into the outcome taxonomy.
func classify(ctx context.Context, err error) domain.Outcome {
	if ctx.Err() != nil {
		return domain.Outcome{Code: domain.OutcomeCancelled, Reason: err.Error()}
	}
	if errors.Is(err, exec.ErrNotFound) {
		// A missing binary will not fix itself between attempts.
		return domain.Outcome{Code: domain.OutcomePermanent, Reason: err.Error()}
	}
	return domain.Outcome{Code: domain.OutcomeRecoverable, Reason: err.Error()}
}
