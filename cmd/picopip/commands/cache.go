package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/picopip/picopip/pkg/config"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the workspace cache",
		Long: `picopip keeps one cached virtual environment per installer major
version under the user cache directory. The cache is safe to delete
at any time; the next session recreates it.`,
	}

	cmd.AddCommand(newCacheDirCommand())
	cmd.AddCommand(newCacheClearCommand())
	return cmd
}

func cacheRoot() (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	dir := cfg.CacheDir
	if dir == "" {
		dir, err = os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate cache directory: %w", err)
		}
	}
	return filepath.Join(dir, "picopip"), nil
}

func newCacheDirCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dir",
		Short: "Print the workspace cache directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cacheRoot()
			if err != nil {
				return err
			}
			fmt.Println(dir)
			return nil
		},
	}
}

func newCacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all cached workspace environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cacheRoot()
			if err != nil {
				return err
			}
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				fmt.Println("Cache is already empty.")
				return nil
			}
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}
			log.Info().Str("dir", dir).Msg("Cleared workspace cache")
			return nil
		},
	}
}
