package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/learnd/internal/model"
)

// FileActivator publishes stage assignments as pointer files that the
// serving runtime watches. Writing "<dir>/production" with a checkpoint
// ID tells the runtime which adapter artifact to load.
type FileActivator struct {
	dir string
}

// NewFileActivator creates the activator, ensuring the pointer
// directory exists.
func NewFileActivator(dir string) (*FileActivator, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: pointer directory is required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pointer directory: %w", err)
	}
	return &FileActivator{dir: dir}, nil
}

// Activate writes the stage pointer file. The write goes through a
// temp file and rename so the runtime never reads a partial pointer.
func (a *FileActivator) Activate(ctx context.Context, checkpointID string, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := filepath.Join(a.dir, strings.ToLower(string(stage)))
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(checkpointID+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write stage pointer: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to publish stage pointer: %w", err)
	}
	return nil
}

// Current returns the checkpoint ID a stage pointer names, or empty
// when the stage has no assignment.
func (a *FileActivator) Current(stage Stage) (string, error) {
	data, err := os.ReadFile(filepath.Join(a.dir, strings.ToLower(string(stage))))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// probePrompt is deliberately trivial. The probe verifies the serving
// runtime answers at all, not that it answers well; quality regressions
// are validation's job.
const probePrompt = "Reply with a single short sentence confirming you are serving requests."

// ClientFactory resolves a checkpoint ID to a client addressing that
// checkpoint's adapter on the serving runtime.
type ClientFactory func(checkpointID string) (model.Client, error)

// CompletionProber smoke-tests a staged checkpoint by requesting one
// completion from it. The factory keys the request to the checkpoint
// under probe, not whatever the runtime currently serves by default.
type CompletionProber struct {
	clients ClientFactory
}

// NewCompletionProber creates the prober.
func NewCompletionProber(clients ClientFactory) (*CompletionProber, error) {
	if clients == nil {
		return nil, fmt.Errorf("%w: client factory is required", ErrInvalidConfig)
	}
	return &CompletionProber{clients: clients}, nil
}

// Probe requests a completion from the checkpoint and fails on error or
// empty output.
func (p *CompletionProber) Probe(ctx context.Context, checkpointID string) error {
	client, err := p.clients(checkpointID)
	if err != nil {
		return fmt.Errorf("no serving client for %s: %w", checkpointID, err)
	}
	out, err := client.Complete(ctx, probePrompt)
	if err != nil {
		return fmt.Errorf("serving probe failed for %s: %w", checkpointID, err)
	}
	if strings.TrimSpace(out) == "" {
		return fmt.Errorf("serving probe for %s returned an empty completion", checkpointID)
	}
	return nil
}

var (
	_ Activator    = (*FileActivator)(nil)
	_ HealthProber = (*CompletionProber)(nil)
)
