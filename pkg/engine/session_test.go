package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/picopip/picopip/pkg/dist"
)

// fakeEnv is a scriptable Environment. Snapshot returns the seeded
// state merged with whatever the "installer" is configured to change.
type fakeEnv struct {
	payloads fakePayloads

	seeded  dist.Snapshot
	adds    dist.Snapshot
	removes []string

	exitStatus int
	runErr     error
	runArgs    [][]string
	clears     int
}

func (f *fakeEnv) Seed(snapshot dist.Snapshot) error {
	f.seeded = dist.Snapshot{}
	for name, d := range snapshot {
		f.seeded[name] = d
	}
	return nil
}

func (f *fakeEnv) RunInstaller(_ context.Context, args []string) (int, error) {
	f.runArgs = append(f.runArgs, args)
	return f.exitStatus, f.runErr
}

func (f *fakeEnv) Snapshot(context.Context) (dist.Snapshot, error) {
	out := dist.Snapshot{}
	for name, d := range f.seeded {
		out[name] = d
	}
	for name, d := range f.adds {
		out[name] = d
	}
	for _, name := range f.removes {
		delete(out, name)
	}
	return out, nil
}

func (f *fakeEnv) ReadPayload(path string) ([]byte, error) {
	return f.payloads.ReadPayload(path)
}

func (f *fakeEnv) Clear() error {
	f.clears++
	return nil
}

type fakeJournal struct {
	records []*SessionRecord
}

func (j *fakeJournal) RecordSession(_ context.Context, record *SessionRecord) error {
	j.records = append(j.records, record)
	return nil
}

func TestNewSessionValidatesOptions(t *testing.T) {
	_, err := NewSession(SessionOptions{})
	if err == nil {
		t.Fatal("expected validation error for empty options")
	}
	if !errors.Is(err, &SessionError{Class: ErrorClassPermanent, Code: ErrCodeValidation}) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSessionInstallFlow(t *testing.T) {
	adapter, _ := dirAdapter(t)
	d, payloads := payloadDist("neopixel", "6.3.0", map[string]string{"neopixel.py": "px"})
	env := &fakeEnv{payloads: payloads, adds: snap(d)}
	journal := &fakeJournal{}

	session, err := NewSession(SessionOptions{
		Environment: env,
		Adapter:     adapter,
		IndexURL:    "http://127.0.0.1:36628/simple",
		Journal:     journal,
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := session.Install(context.Background(), InstallRequest{Specs: []string{"neopixel"}})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if len(result.Actions) != 1 || result.Actions[0].Action.Type != ActionInstall {
		t.Fatalf("expected one install action, got %+v", result.Actions)
	}

	got, err := adapter.ListDistributions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(snap(d)) {
		t.Errorf("target state does not match installed distribution: %v", got.Names())
	}

	if len(env.runArgs) != 1 {
		t.Fatalf("expected one installer run, got %d", len(env.runArgs))
	}
	args := env.runArgs[0]
	if args[0] != "install" || !contains(args, "--index-url") || !contains(args, "neopixel") {
		t.Errorf("unexpected installer args %v", args)
	}
	// One clear up front, one after a clean apply.
	if env.clears != 2 {
		t.Errorf("expected 2 workspace clears, got %d", env.clears)
	}

	if len(journal.records) != 1 {
		t.Fatalf("expected one journal record, got %d", len(journal.records))
	}
	rec := journal.records[0]
	if rec.Kind != "install" || rec.Error != "" || len(rec.Actions) != 1 {
		t.Errorf("unexpected journal record %+v", rec)
	}
	if rec.Actions[0].VersionAfter != "6.3.0" {
		t.Errorf("journal missing installed version: %+v", rec.Actions[0])
	}
}

func TestSessionInstallerFailureLeavesWorkspace(t *testing.T) {
	adapter, _ := dirAdapter(t)
	env := &fakeEnv{exitStatus: 1}
	journal := &fakeJournal{}

	session, err := NewSession(SessionOptions{Environment: env, Adapter: adapter, Journal: journal})
	if err != nil {
		t.Fatal(err)
	}

	_, err = session.Install(context.Background(), InstallRequest{Specs: []string{"nope"}})
	if err == nil {
		t.Fatal("expected installer failure")
	}
	var serr *SessionError
	if !errors.As(err, &serr) || serr.Code != ErrCodeInstallerFailure {
		t.Errorf("expected installer failure code, got %v", err)
	}
	// The workspace is only cleared on entry, never after a failure.
	if env.clears != 1 {
		t.Errorf("expected 1 workspace clear, got %d", env.clears)
	}
	if len(journal.records) != 1 || journal.records[0].Error == "" {
		t.Error("expected failed session to be journaled with its error")
	}
}

func TestSessionUninstall(t *testing.T) {
	adapter, _ := dirAdapter(t)
	ctx := context.Background()

	d, payloads := payloadDist("demo", "1.0", map[string]string{"demo.py": "x"})
	install := NewApplier(payloads, adapter, adapter.DefaultTarget(), nil)
	if _, err := install.Apply(ctx, planOf(Action{Type: ActionInstall, Name: "demo", After: &d})); err != nil {
		t.Fatal(err)
	}

	env := &fakeEnv{payloads: payloads, removes: []string{"demo"}}
	session, err := NewSession(SessionOptions{Environment: env, Adapter: adapter})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := session.Uninstall(ctx, UninstallRequest{Packages: []string{"demo"}}); err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}

	args := env.runArgs[0]
	if args[0] != "uninstall" || !contains(args, "--yes") || !contains(args, "demo") {
		t.Errorf("unexpected installer args %v", args)
	}
	got, err := adapter.ListDistributions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty target after uninstall, got %v", got.Names())
	}
}

func TestSessionInstallRejectsEmptyRequest(t *testing.T) {
	adapter, _ := dirAdapter(t)
	session, err := NewSession(SessionOptions{Environment: &fakeEnv{}, Adapter: adapter})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := session.Install(context.Background(), InstallRequest{}); err == nil {
		t.Error("expected validation error for empty install request")
	}
	if _, err := session.Install(context.Background(), InstallRequest{
		Specs:           []string{"x"},
		Upgrade:         true,
		UpgradeStrategy: "sometimes",
	}); err == nil {
		t.Error("expected validation error for unknown upgrade strategy")
	}
}

func TestSessionList(t *testing.T) {
	adapter, _ := dirAdapter(t)
	ctx := context.Background()
	d, payloads := payloadDist("demo", "1.0", map[string]string{"demo.py": "x"})
	install := NewApplier(payloads, adapter, adapter.DefaultTarget(), nil)
	if _, err := install.Apply(ctx, planOf(Action{Type: ActionInstall, Name: "demo", After: &d})); err != nil {
		t.Fatal(err)
	}

	env := &fakeEnv{}
	session, err := NewSession(SessionOptions{Environment: env, Adapter: adapter})
	if err != nil {
		t.Fatal(err)
	}
	got, err := session.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got["demo"].Version != "1.0" {
		t.Errorf("unexpected list result %v", got)
	}
	// Listing never invokes the installer.
	if len(env.runArgs) != 0 {
		t.Error("list must not run the installer")
	}
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
