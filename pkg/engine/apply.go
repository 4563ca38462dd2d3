package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/picopip/picopip/pkg/dist"
	"github.com/picopip/picopip/pkg/target"
)

// PayloadReader provides the content of workspace files named by
// manifest paths.
type PayloadReader interface {
	ReadPayload(path string) ([]byte, error)
}

// Applier executes a plan against a target. Actions run sequentially;
// the first target I/O failure aborts the remaining steps.
type Applier struct {
	payloads PayloadReader
	adapter  target.Adapter

	// installRoot is the target directory distributions live under,
	// relative to the adapter.
	installRoot string

	// compiler is optional. When set, eligible source files are
	// compiled before transfer; a per-file failure skips that file.
	compiler Compiler
}

// NewApplier creates an applier writing under the given installation
// root.
func NewApplier(payloads PayloadReader, adapter target.Adapter, installRoot string, compiler Compiler) *Applier {
	return &Applier{
		payloads:    payloads,
		adapter:     adapter,
		installRoot: installRoot,
		compiler:    compiler,
	}
}

// Apply executes the plan. The returned result covers the actions
// that ran, including the partial progress before an abort.
func (a *Applier) Apply(ctx context.Context, plan *Plan) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	result := &Result{PlanID: plan.ID}
	for _, action := range plan.Actions {
		log.Info().
			Str("action", string(action.Type)).
			Str("distribution", action.Name).
			Msg("Applying")

		actionResult, err := a.applyAction(ctx, action)
		if actionResult != nil {
			result.Actions = append(result.Actions, *actionResult)
			for _, f := range actionResult.Files {
				if f.Skipped {
					result.Skipped++
				}
			}
		}
		if err != nil {
			result.CompletedAt = time.Now()
			return result, err
		}
	}

	if err := a.adapter.Sync(ctx); err != nil {
		result.CompletedAt = time.Now()
		return result, a.wrapIOError(err, "sync")
	}
	result.CompletedAt = time.Now()
	return result, nil
}

func (a *Applier) applyAction(ctx context.Context, action Action) (*ActionResult, error) {
	res := &ActionResult{Action: action}
	switch action.Type {
	case ActionRemove:
		files, err := a.removeDistribution(ctx, action.Before)
		res.Files = files
		return res, err
	case ActionInstall:
		files, err := a.installDistribution(ctx, action.After)
		res.Files = files
		return res, err
	case ActionUpgrade:
		removed, err := a.removeDistribution(ctx, action.Before)
		res.Files = removed
		if err != nil {
			return res, err
		}
		installed, err := a.installDistribution(ctx, action.After)
		res.Files = append(res.Files, installed...)
		return res, err
	default:
		return res, NewPermanentError("unknown action type", nil).
			WithCode(ErrCodeValidation).WithResource(action.Name)
	}
}

// removeDistribution deletes every manifest file, the metadata
// directory, and any directories left empty. It operates under the
// root the distribution was scanned from, which on search-path targets
// can differ from the installation root.
func (a *Applier) removeDistribution(ctx context.Context, d *dist.Distribution) ([]FileResult, error) {
	root := a.installRoot
	if d.Root != "" {
		root = d.Root
	}

	var files []FileResult
	dirs := map[string]bool{}

	for _, entry := range d.Manifest {
		path := target.JoinPath(root, entry.Path)
		if err := a.adapter.DeleteFile(ctx, path); err != nil {
			return files, a.wrapIOError(err, "remove").WithResource(d.Name)
		}
		files = append(files, FileResult{Path: entry.Path})
		markParents(dirs, entry.Path)
	}

	metaDir := d.MetaDirName()
	for _, name := range []string{"METADATA", "INSTALLER", "RECORD"} {
		path := target.JoinPath(root, metaDir, name)
		if err := a.adapter.DeleteFile(ctx, path); err != nil {
			return files, a.wrapIOError(err, "remove").WithResource(d.Name)
		}
	}
	dirs[metaDir] = true
	markParents(dirs, metaDir)

	if err := a.pruneDirs(ctx, root, dirs); err != nil {
		return files, a.wrapIOError(err, "remove").WithResource(d.Name)
	}
	return files, nil
}

// installDistribution transfers a distribution's payload and writes a
// metadata directory whose manifest lists what actually landed on the
// target.
func (a *Applier) installDistribution(ctx context.Context, d *dist.Distribution) ([]FileResult, error) {
	var files []FileResult
	installed := dist.Distribution{
		Name:     d.Name,
		Version:  d.Version,
		Requires: d.Requires,
	}

	for _, entry := range d.Manifest {
		if !transferable(entry.Path) {
			continue
		}
		data, err := a.payloads.ReadPayload(entry.Path)
		if err != nil {
			return files, NewPermanentError("workspace payload missing", err).
				WithCode(ErrCodeTargetIO).WithResource(d.Name).WithOperation("install")
		}

		path := entry.Path
		compiled := false
		if a.compiler != nil && Compilable(path) {
			out, err := a.compiler.Compile(ctx, path, data)
			if err != nil {
				var cerr *CompilationError
				if !errors.As(err, &cerr) {
					return files, err
				}
				log.Warn().
					Str("distribution", d.Name).
					Str("path", path).
					Err(cerr).
					Msg("Skipping file after compilation failure")
				files = append(files, FileResult{Path: path, Skipped: true, Reason: cerr.Error()})
				continue
			}
			path = CompiledPath(path)
			data = out
			compiled = true
		}

		if err := a.adapter.WriteFile(ctx, target.JoinPath(a.installRoot, path), data); err != nil {
			return files, a.wrapIOError(err, "install").WithResource(d.Name)
		}
		files = append(files, FileResult{Path: path, Compiled: compiled})
		installed.Manifest = append(installed.Manifest, dist.ManifestEntry{
			Path: path,
			Hash: dist.HashContent(data),
			Size: int64(len(data)),
		})
	}

	for rel, content := range dist.MetadataFiles(&installed) {
		path := target.JoinPath(a.installRoot, rel)
		if err := a.adapter.WriteFile(ctx, path, content); err != nil {
			return files, a.wrapIOError(err, "install").WithResource(d.Name)
		}
	}
	return files, nil
}

// transferable filters the workspace manifest down to what belongs on
// the target. Installer bookkeeping and bytecode caches stay behind.
func transferable(path string) bool {
	if strings.Contains(path, ".dist-info/") {
		return false
	}
	if strings.Contains(path, "__pycache__/") {
		return false
	}
	if strings.HasSuffix(path, ".pyc") {
		return false
	}
	// Installer-generated console scripts land outside site-packages.
	if strings.HasPrefix(path, "../") {
		return false
	}
	return true
}

// markParents records every ancestor directory of a manifest path.
func markParents(dirs map[string]bool, path string) {
	for {
		i := strings.LastIndexByte(path, '/')
		if i <= 0 {
			return
		}
		path = path[:i]
		dirs[path] = true
	}
}

// pruneDirs removes directories emptied by a removal, deepest first.
func (a *Applier) pruneDirs(ctx context.Context, root string, dirs map[string]bool) error {
	ordered := make([]string, 0, len(dirs))
	for dir := range dirs {
		ordered = append(ordered, dir)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return strings.Count(ordered[i], "/") > strings.Count(ordered[j], "/")
	})
	for _, dir := range ordered {
		if err := a.adapter.DeleteDirIfEmpty(ctx, target.JoinPath(root, dir)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) wrapIOError(err error, operation string) *SessionError {
	var ioErr *target.IOError
	if errors.As(err, &ioErr) {
		return NewPermanentError("target file operation failed", err).
			WithCode(ErrCodeTargetIO).
			WithOperation(operation).
			WithResource(ioErr.Path)
	}
	return NewPermanentError("target file operation failed", err).
		WithCode(ErrCodeTargetIO).
		WithOperation(operation)
}
