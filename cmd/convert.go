package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"pagebinder/conversion"
	"pagebinder/staging"
)

const localSession = "local"

var convertCmd = &cobra.Command{
	Use:   "convert <file-or-dir>...",
	Short: "Merge images into one PDF without staging a session",
	Long: `Convert runs the ordering and conversion stages once over local files.
Directories are expanded to the files they contain. Delivery is skipped; the
PDF is written to --out.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")

		files, err := expandInputs(args)
		if err != nil {
			return err
		}

		root, err := os.MkdirTemp("", "pagebinder-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(root)
		area := staging.NewArea(root, nil, a.logger)

		for _, path := range files {
			if err := stageLocal(area, path); err != nil {
				return err
			}
		}

		artifact, err := a.pipeline().Convert(cmd.Context(), area.Snapshot(localSession), policyFrom(a.cfg), out)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pages, %d bytes\n", artifact.Path, artifact.Pages, artifact.SizeBytes)
		return nil
	},
}

func init() {
	convertCmd.Flags().StringP("out", "o", "result.pdf", "output PDF path")
	rootCmd.AddCommand(convertCmd)
}

func stageLocal(area *staging.Area, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	name := filepath.Base(path)
	_, err = area.Store(localSession, name, name, f)
	return err
}

// expandInputs replaces directories by their regular files, sorted by name.
func expandInputs(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range entries {
			if e.Type().IsRegular() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			files = append(files, filepath.Join(arg, n))
		}
	}
	if len(files) == 0 {
		return nil, errors.Join(conversion.ErrNoInput, errors.New("no files given"))
	}
	return files, nil
}
