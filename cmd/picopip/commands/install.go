package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/picopip/picopip/pkg/engine"
	"github.com/picopip/picopip/pkg/telemetry"
)

func newInstallCommand() *cobra.Command {
	var (
		tf              targetFlags
		idx             indexFlags
		requirements    []string
		upgrade         bool
		upgradeStrategy string
		forceReinstall  bool
		findLinks       string
		noDeps          bool
		pre             bool
		compile         bool
	)

	cmd := &cobra.Command{
		Use:   "install [requirement]...",
		Short: "Install or upgrade packages on the target",
		Long: `Install packages onto the target device or directory.

Package specifiers, version constraints and requirements files work
exactly as with pip, because resolution is performed by pip itself.
Only the delta against the target's current state is transferred.`,
		Example: `  # Install onto an auto-detected device
  picopip install adafruit-requests

  # Install a pinned version onto a CIRCUITPY volume
  picopip install -m /media/user/CIRCUITPY "neopixel==6.3.0"

  # Upgrade everything a requirements file names, on a serial board
  picopip install -p /dev/ttyACM0 -U -r requirements.txt

  # Cross-compile sources during install
  picopip install --compile adafruit-requests`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := openSession(cmd.Context(), cmd.Root().Version, tf, idx, compile)
			if err != nil {
				return err
			}
			defer sc.close(cmd.Context())

			ctx, span := sc.tracer.StartSessionSpan(cmd.Context(), "install", sc.adapter.Describe())
			defer span.End()

			result, err := sc.session.Install(ctx, engine.InstallRequest{
				Specs:            args,
				RequirementFiles: requirements,
				Upgrade:          upgrade,
				UpgradeStrategy:  upgradeStrategy,
				ForceReinstall:   forceReinstall,
				FindLinks:        findLinks,
				NoDeps:           noDeps,
				Pre:              pre,
			})
			if err != nil {
				telemetry.RecordError(span, err)
				return err
			}
			telemetry.RecordSuccess(span)
			return printResult(result)
		},
	}

	addTargetFlags(cmd, &tf)
	addIndexFlags(cmd, &idx)
	cmd.Flags().StringSliceVarP(&requirements, "requirement", "r", nil, "install from the given requirements file")
	cmd.Flags().BoolVarP(&upgrade, "upgrade", "U", false, "upgrade packages that are already installed")
	cmd.Flags().StringVar(&upgradeStrategy, "upgrade-strategy", "", "how eagerly to upgrade dependencies (eager, only-if-needed)")
	cmd.Flags().BoolVar(&forceReinstall, "force-reinstall", false, "reinstall packages even when already up to date")
	cmd.Flags().StringVar(&findLinks, "find-links", "", "also look for archives in this local directory")
	cmd.Flags().BoolVar(&noDeps, "no-deps", false, "do not install package dependencies")
	cmd.Flags().BoolVar(&pre, "pre", false, "include pre-release and development versions")
	cmd.Flags().BoolVar(&compile, "compile", false, "cross-compile source files with mpy-cross before transfer")

	return cmd
}

// printResult renders an apply result for humans, or as JSON with
// --json.
func printResult(result *engine.Result) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	if len(result.Actions) == 0 {
		fmt.Println("Nothing to do, target is up to date.")
		return nil
	}
	for _, ar := range result.Actions {
		switch ar.Action.Type {
		case engine.ActionInstall:
			fmt.Printf("Installed %s %s\n", ar.Action.Name, ar.Action.After.Version)
		case engine.ActionUpgrade:
			fmt.Printf("Upgraded %s %s -> %s\n", ar.Action.Name, ar.Action.Before.Version, ar.Action.After.Version)
		case engine.ActionRemove:
			fmt.Printf("Removed %s %s\n", ar.Action.Name, ar.Action.Before.Version)
		}
	}
	if result.Skipped > 0 {
		fmt.Printf("Warning: %d file(s) skipped because they failed to compile.\n", result.Skipped)
	}
	return nil
}
