// Package action runs action steps: in-process Go actions, packaged
// executables (exec and node) and composite actions.
package action

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BDNK1/steprunner/runtime"
	"github.com/BDNK1/steprunner/runtime/internal/security"
)

// Resolution is what a uses reference points to. Exactly one of Action and
// Metadata is set.
type Resolution struct {
	Uses string
	// Action is set for actions registered in the container.
	Action runtime.Action
	// Metadata and Path are set for packaged actions.
	Metadata *runtime.ActionMetadata
	Path     string
}

// Resolver maps uses references to actions. Registered in-process actions
// win; everything else is looked up as <actionsDirectory>/<uses>/action.yml.
// References starting with "./" are relative to the workspace.
type Resolver struct {
	container  *runtime.Container
	actionsDir string
	cache      map[string]*Resolution
}

func NewResolver(container *runtime.Container, actionsDir string) *Resolver {
	if container == nil {
		container = runtime.NewContainer()
	}
	return &Resolver{
		container:  container,
		actionsDir: actionsDir,
		cache:      make(map[string]*Resolution),
	}
}

func (r *Resolver) Resolve(uses, workspace string) (*Resolution, error) {
	uses = strings.TrimSpace(uses)
	if uses == "" {
		return nil, runtime.NewConfigurationError("uses cannot be empty", nil)
	}
	if a, ok := r.container.Action(uses); ok {
		return &Resolution{Uses: uses, Action: a}, nil
	}

	dir, err := r.directory(uses, workspace)
	if err != nil {
		return nil, err
	}
	if cached, ok := r.cache[dir]; ok {
		return cached, nil
	}

	meta, err := runtime.LoadActionMetadata(dir)
	if err != nil {
		return nil, runtime.NewConfigurationError(fmt.Sprintf("action %s could not be resolved", uses), err)
	}
	res := &Resolution{Uses: uses, Metadata: meta, Path: dir}
	r.cache[dir] = res
	return res, nil
}

func (r *Resolver) directory(uses, workspace string) (string, error) {
	base := r.actionsDir
	ref := uses
	if strings.HasPrefix(uses, "./") {
		base = workspace
		ref = strings.TrimPrefix(uses, "./")
	}

	if base == "" {
		return "", runtime.NewConfigurationError(fmt.Sprintf("no directory to resolve action %s from", uses), nil)
	}
	dir := filepath.Join(base, ref)
	if err := security.ValidatePathWithinBoundary(base, dir); err != nil {
		return "", runtime.NewConfigurationError(fmt.Sprintf("invalid action reference %s", uses), err)
	}
	return dir, nil
}
