package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"regaudit-go/internal/app"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
)

const defaultIngestPattern = "**/*.{pdf,docx,doc,txt,md}"

func newIngestCmd() *cobra.Command {
	var dir, pattern string

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Extract, chunk and index local regulation documents",
		Long: `Ingest reads each file, splits it into page-tagged chunks and appends
them to both the metadata store and the vector index in one consistent step.

Files may be given as arguments, or selected under --dir with a glob --pattern.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectFiles(args, dir, pattern)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to ingest")
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				return ingestFiles(cmd, a, files)
			})
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "directory to scan for regulation documents")
	cmd.Flags().StringVarP(&pattern, "pattern", "p", defaultIngestPattern, "glob pattern relative to --dir")
	return cmd
}

// collectFiles 合并命令行参数与 --dir/--pattern 匹配到的文件，去重后排序。
func collectFiles(args []string, dir, pattern string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, arg := range args {
		add(filepath.Clean(arg))
	}
	if dir != "" {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern %q", pattern)
		}
		matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
		for _, m := range matches {
			add(filepath.Join(dir, filepath.FromSlash(m)))
		}
	}
	sort.Strings(files)
	return files, nil
}

func ingestFiles(cmd *cobra.Command, a *app.App, files []string) error {
	ctx := cmd.Context()
	bar := newProgressBar(len(files), "ingesting")

	var total, failed int
	for _, path := range files {
		n, err := ingestFile(cmd, a, path)
		if bar != nil {
			_ = bar.Add(1)
		}
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		total += n
	}
	if bar != nil {
		_ = bar.Finish()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d chunks from %d files (%d failed)\n", total, len(files)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d files failed", failed)
	}
	return nil
}

func ingestFile(cmd *cobra.Command, a *app.App, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	name := filepath.Base(path)
	pages, err := a.Processor.ExtractPages(cmd.Context(), data, name)
	if err != nil {
		return 0, err
	}
	return a.Processor.IndexPages(cmd.Context(), name, pages)
}
