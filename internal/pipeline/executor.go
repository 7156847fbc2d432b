package pipeline

import (
	"context"

	"github.com/kingrea/appfactory/internal/artifact"
	"github.com/kingrea/appfactory/internal/boundary"
	"github.com/kingrea/appfactory/internal/run"
)

// Executor produces the content of one stage. It is the only component
// expected to block for a long time.
type Executor interface {
	Execute(ctx context.Context, req Request) (Output, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Output, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Output, error) {
	return f(ctx, req)
}

// ScopePaths are the root-relative directories the executor works in.
type ScopePaths struct {
	Root     string `json:"root"`
	RunDir   string `json:"run_dir"`
	IdeaPack string `json:"idea_pack,omitempty"`
	BuildDir string `json:"build_dir,omitempty"`
}

// Input is one artifact handed to the executor.
type Input struct {
	Stage   string `json:"stage"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Request describes one stage execution.
type Request struct {
	Stage     string        `json:"stage"`
	StageName string        `json:"stage_name"`
	Kind      artifact.Kind `json:"kind"`
	Command   run.Command   `json:"command"`
	Engine    string        `json:"engine,omitempty"`
	RunID     string        `json:"run_id"`
	IdeaID    string        `json:"idea_id,omitempty"`
	IdeaDir   string        `json:"idea_dir,omitempty"`
	Scope     ScopePaths    `json:"scope"`
	Inputs    []Input       `json:"inputs"`
	Intake    string        `json:"intake,omitempty"`
	IdeaCount int           `json:"idea_count,omitempty"`
}

// InputPaths returns the paths of the request inputs in order.
func (r Request) InputPaths() []string {
	out := make([]string, 0, len(r.Inputs))
	for _, in := range r.Inputs {
		out = append(out, in.Path)
	}
	return out
}

// Output is the executor's answer: the artifact body (a JSON object, or
// markdown for document stages) and the provenance it claims.
type Output struct {
	Body       []byte
	Provenance boundary.Provenance
}
