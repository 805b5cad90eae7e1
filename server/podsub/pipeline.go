package podsub

import (
	"context"

	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/health"
)

// Pipeline is the external generation pipeline seen from the orchestration
// core: one opaque long-running operation per job. Its internals (image
// generation, copywriting, marketplace publishing) are another system's
// concern; any error it returns is job-failure input.
//
// Run must honor ctx cancellation cooperatively or be safe to let finish in
// the background after the queue records a timeout.
type Pipeline interface {
	health.Checker

	// Name identifies the pipeline for circuit-breaker and log scoping.
	Name() string

	// Run executes the full generation for one request and blocks until it
	// produced a result or failed.
	Run(ctx context.Context, req *GenerationRequest) (*GenerationResult, error)
}
