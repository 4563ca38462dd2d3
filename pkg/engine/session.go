package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/picopip/picopip/pkg/dist"
	"github.com/picopip/picopip/pkg/target"
)

// Environment is the workspace surface a session needs: seedable,
// runnable, observable.
type Environment interface {
	Seed(snapshot dist.Snapshot) error
	RunInstaller(ctx context.Context, args []string) (int, error)
	Snapshot(ctx context.Context) (dist.Snapshot, error)
	ReadPayload(path string) ([]byte, error)
	Clear() error
}

// Journal records completed sessions for later inspection. A nil
// journal disables recording.
type Journal interface {
	RecordSession(ctx context.Context, record *SessionRecord) error
}

// ActionRecord is the journaled form of one executed action.
type ActionRecord struct {
	Type          ActionType `json:"type"`
	Name          string     `json:"name"`
	VersionBefore string     `json:"version_before,omitempty"`
	VersionAfter  string     `json:"version_after,omitempty"`
}

// SessionRecord is the journaled summary of one session.
type SessionRecord struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Target      string         `json:"target"`
	Arguments   []string       `json:"arguments"`
	Actions     []ActionRecord `json:"actions"`
	Skipped     int            `json:"skipped"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// SessionOptions configures a reconciliation session.
type SessionOptions struct {
	// Environment is the installer workspace.
	Environment Environment `validate:"required"`

	// Adapter is the target being reconciled.
	Adapter target.Adapter `validate:"required"`

	// TargetDir overrides the adapter's default installation root.
	TargetDir string

	// IndexURL is the local proxy index the installer resolves
	// against.
	IndexURL string `validate:"omitempty,url"`

	// Compiler, when set, cross-compiles eligible files on install.
	Compiler Compiler

	// Journal records session outcomes. Optional.
	Journal Journal
}

// Session runs reconciliation operations against one target.
type Session struct {
	env         Environment
	adapter     target.Adapter
	installRoot string
	indexURL    string
	planner     *Planner
	applier     *Applier
	journal     Journal
}

var validate = validator.New()

// NewSession validates the options and builds a session.
func NewSession(opts SessionOptions) (*Session, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, NewPermanentError("invalid session options", err).
			WithCode(ErrCodeValidation)
	}
	installRoot := opts.TargetDir
	if installRoot == "" {
		installRoot = opts.Adapter.DefaultTarget()
	}
	return &Session{
		env:         opts.Environment,
		adapter:     opts.Adapter,
		installRoot: installRoot,
		indexURL:    opts.IndexURL,
		planner:     NewPlanner(),
		applier:     NewApplier(opts.Environment, opts.Adapter, installRoot, opts.Compiler),
		journal:     opts.Journal,
	}, nil
}

// InstallRequest describes one install operation.
type InstallRequest struct {
	// Specs are package requirement specifiers.
	Specs []string

	// RequirementFiles are requirements file paths passed through to
	// the installer.
	RequirementFiles []string

	// Upgrade requests upgrading already satisfied requirements.
	Upgrade bool

	// UpgradeStrategy is the installer's upgrade strategy, "eager" or
	// "only-if-needed".
	UpgradeStrategy string `validate:"omitempty,oneof=eager only-if-needed"`

	// ForceReinstall reinstalls requirements even when satisfied.
	ForceReinstall bool

	// FindLinks is a local directory of archives offered to the
	// installer alongside the proxy index.
	FindLinks string

	// NoDeps skips dependency resolution, installing only the named
	// requirements.
	NoDeps bool

	// Pre allows pre-release and development versions as candidates.
	Pre bool
}

// Install reconciles the target with the requested additions.
func (s *Session) Install(ctx context.Context, req InstallRequest) (*Result, error) {
	if err := validate.Struct(req); err != nil {
		return nil, NewPermanentError("invalid install request", err).
			WithCode(ErrCodeValidation)
	}
	if len(req.Specs) == 0 && len(req.RequirementFiles) == 0 {
		return nil, NewPermanentError("nothing to install: no specifiers or requirement files given", nil).
			WithCode(ErrCodeValidation)
	}

	args := []string{"install", "--no-compile"}
	if s.indexURL != "" {
		args = append(args, "--index-url", s.indexURL)
	}
	if req.Upgrade {
		args = append(args, "--upgrade")
		if req.UpgradeStrategy != "" {
			args = append(args, "--upgrade-strategy", req.UpgradeStrategy)
		}
	}
	if req.ForceReinstall {
		args = append(args, "--force-reinstall")
	}
	if req.FindLinks != "" {
		args = append(args, "--find-links", req.FindLinks)
	}
	if req.NoDeps {
		args = append(args, "--no-deps")
	}
	if req.Pre {
		args = append(args, "--pre")
	}
	for _, f := range req.RequirementFiles {
		args = append(args, "-r", f)
	}
	args = append(args, req.Specs...)

	return s.reconcile(ctx, "install", args)
}

// UninstallRequest describes one uninstall operation.
type UninstallRequest struct {
	// Packages are distribution names to remove.
	Packages []string

	// RequirementFiles are requirements file paths naming packages to
	// remove.
	RequirementFiles []string
}

// Uninstall reconciles the target with the requested removals.
func (s *Session) Uninstall(ctx context.Context, req UninstallRequest) (*Result, error) {
	if len(req.Packages) == 0 && len(req.RequirementFiles) == 0 {
		return nil, NewPermanentError("nothing to uninstall: no packages or requirement files given", nil).
			WithCode(ErrCodeValidation)
	}

	args := []string{"uninstall", "--yes"}
	for _, f := range req.RequirementFiles {
		args = append(args, "-r", f)
	}
	args = append(args, req.Packages...)

	return s.reconcile(ctx, "uninstall", args)
}

// List returns the distributions currently installed on the target.
// It never touches the workspace.
func (s *Session) List(ctx context.Context) (dist.Snapshot, error) {
	return ListTarget(ctx, s.adapter)
}

// ListTarget snapshots a target's installed distributions without any
// session machinery. Read-only commands use it directly.
func ListTarget(ctx context.Context, adapter target.Adapter) (dist.Snapshot, error) {
	snapshot, err := adapter.ListDistributions(ctx)
	if err != nil {
		return nil, classifyTargetError(err, "list")
	}
	return snapshot, nil
}

// reconcile is the shared session flow: mirror the target into the
// workspace, let the installer transform it, then apply the resulting
// delta back to the target.
func (s *Session) reconcile(ctx context.Context, kind string, args []string) (*Result, error) {
	record := &SessionRecord{
		ID:        uuid.New().String(),
		Kind:      kind,
		Target:    s.adapter.Describe(),
		Arguments: args,
		StartedAt: time.Now(),
	}

	result, err := s.run(ctx, args)
	if err != nil {
		record.Error = err.Error()
	}
	if result != nil {
		record.Skipped = result.Skipped
		for _, ar := range result.Actions {
			rec := ActionRecord{Type: ar.Action.Type, Name: ar.Action.Name}
			if ar.Action.Before != nil {
				rec.VersionBefore = ar.Action.Before.Version
			}
			if ar.Action.After != nil {
				rec.VersionAfter = ar.Action.After.Version
			}
			record.Actions = append(record.Actions, rec)
		}
	}
	record.CompletedAt = time.Now()

	if s.journal != nil {
		if jerr := s.journal.RecordSession(ctx, record); jerr != nil {
			log.Warn().Err(jerr).Msg("Failed to journal session")
		}
	}
	return result, err
}

func (s *Session) run(ctx context.Context, args []string) (*Result, error) {
	// Leftover state from an aborted session is discarded up front so
	// the failed workspace stays inspectable until the next run.
	if err := s.env.Clear(); err != nil {
		return nil, NewPermanentError("failed to reset workspace", err)
	}

	before, err := s.adapter.ListDistributions(ctx)
	if err != nil {
		return nil, classifyTargetError(err, "snapshot")
	}
	log.Debug().Int("distributions", len(before)).Str("target", s.adapter.Describe()).Msg("Snapshotted target")

	if err := s.env.Seed(before); err != nil {
		return nil, NewPermanentError("failed to seed workspace", err)
	}

	exit, err := s.env.RunInstaller(ctx, args)
	if err != nil {
		return nil, NewPermanentError("failed to run installer", err).
			WithCode(ErrCodeInstallerFailure)
	}
	if exit != 0 {
		return nil, NewPermanentError(fmt.Sprintf("installer exited with status %d", exit), nil).
			WithCode(ErrCodeInstallerFailure)
	}

	after, err := s.env.Snapshot(ctx)
	if err != nil {
		return nil, NewPermanentError("failed to snapshot workspace", err)
	}

	plan := s.planner.ComputeDiff(before, after)
	if plan.Empty() {
		log.Info().Msg("Target already up to date")
	}

	result, err := s.applier.Apply(ctx, plan)
	if err != nil {
		return result, err
	}

	if cerr := s.env.Clear(); cerr != nil {
		log.Warn().Err(cerr).Msg("Failed to clear workspace after session")
	}
	return result, nil
}

func classifyTargetError(err error, operation string) error {
	var malformed *dist.MalformedMetadataError
	if errors.As(err, &malformed) {
		return NewPermanentError("target metadata is malformed", err).
			WithCode(ErrCodeMalformedMetadata).
			WithOperation(operation).
			WithResource(malformed.Dir)
	}
	var ioErr *target.IOError
	if errors.As(err, &ioErr) {
		return NewPermanentError("target file operation failed", err).
			WithCode(ErrCodeTargetIO).
			WithOperation(operation).
			WithResource(ioErr.Path)
	}
	return NewPermanentError("target operation failed", err).WithOperation(operation)
}
