package commands

import (
	"github.com/spf13/cobra"

	"github.com/picopip/picopip/pkg/engine"
	"github.com/picopip/picopip/pkg/telemetry"
)

func newUninstallCommand() *cobra.Command {
	var (
		tf           targetFlags
		requirements []string
	)

	cmd := &cobra.Command{
		Use:   "uninstall <package>...",
		Short: "Remove packages from the target",
		Long: `Remove packages from the target device or directory.

Removal follows the target's own installation manifests, so every
file a package brought along is deleted and directories it emptied
are pruned.`,
		Example: `  # Remove a package from an auto-detected device
  picopip uninstall neopixel

  # Remove everything a requirements file names
  picopip uninstall -d ./lib -r requirements.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := openSession(cmd.Context(), cmd.Root().Version, tf, indexFlags{}, false)
			if err != nil {
				return err
			}
			defer sc.close(cmd.Context())

			ctx, span := sc.tracer.StartSessionSpan(cmd.Context(), "uninstall", sc.adapter.Describe())
			defer span.End()

			result, err := sc.session.Uninstall(ctx, engine.UninstallRequest{
				Packages:         args,
				RequirementFiles: requirements,
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
	cmd.Flags().StringSliceVarP(&requirements, "requirement", "r", nil, "uninstall packages named by the given requirements file")

	return cmd
}
