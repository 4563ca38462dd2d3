package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/picopip/picopip/pkg/dist"
	"github.com/picopip/picopip/pkg/engine"
	"github.com/picopip/picopip/pkg/proxy"
)

func newListCommand() *cobra.Command {
	var (
		tf       targetFlags
		idx      indexFlags
		outdated bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List packages installed on the target",
		Long: `List the distributions installed on the target, read from the
metadata directories the target carries. With --outdated the
configured indexes are consulted for newer versions; otherwise no
network access happens.`,
		Example: `  # List packages on an auto-detected device
  picopip list

  # List packages in a local directory, as JSON
  picopip list -d ./lib --json

  # Show only packages with a newer version on the index
  picopip list -d ./lib --outdated`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := openTarget(cmd.Context(), cmd.Root().Version, tf)
			if err != nil {
				return err
			}
			defer sc.close(cmd.Context())

			snapshot, err := engine.ListTarget(cmd.Context(), sc.adapter)
			if err != nil {
				return err
			}

			type row struct {
				Name    string `json:"name"`
				Version string `json:"version"`
				Latest  string `json:"latest,omitempty"`
			}
			var rows []row
			if outdated {
				resolver := proxy.NewServer(buildRouteTable(sc.cfg, idx))
				for _, name := range snapshot.Names() {
					installed := snapshot[name].Version
					latest, err := resolver.LatestVersion(cmd.Context(), name)
					if err != nil {
						log.Warn().Err(err).Str("package", name).Msg("Version lookup failed")
						continue
					}
					if latest == "" {
						continue
					}
					if c, err := dist.CompareVersions(installed, latest); err != nil || c >= 0 {
						continue
					}
					rows = append(rows, row{Name: name, Version: installed, Latest: latest})
				}
			} else {
				for _, name := range snapshot.Names() {
					rows = append(rows, row{Name: name, Version: snapshot[name].Version})
				}
			}

			if jsonOutput {
				if rows == nil {
					rows = []row{}
				}
				return json.NewEncoder(os.Stdout).Encode(rows)
			}

			if len(rows) == 0 {
				if outdated {
					fmt.Printf("All packages on %s are up to date.\n", sc.adapter.Describe())
				} else {
					fmt.Printf("No packages installed on %s.\n", sc.adapter.Describe())
				}
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			if outdated {
				fmt.Fprintln(w, "Package\tVersion\tLatest")
				fmt.Fprintln(w, "-------\t-------\t------")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Version, r.Latest)
				}
			} else {
				fmt.Fprintln(w, "Package\tVersion")
				fmt.Fprintln(w, "-------\t-------")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\n", r.Name, r.Version)
				}
			}
			return w.Flush()
		},
	}

	addTargetFlags(cmd, &tf)
	addIndexFlags(cmd, &idx)
	cmd.Flags().BoolVar(&outdated, "outdated", false, "show only packages with a newer version available")
	return cmd
}
