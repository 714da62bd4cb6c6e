package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const SCHEMA_VERSION = 1

// "2024-01-31T23:59:59Z"
const GENERATED_AT_FORMAT = "2006-01-02T15:04:05Z"

var ErrOutputWrite = errors.New("failed to write catalogue")

// replaced in tests
var NOW = time.Now

// the document written to disk
type Catalogue struct {
	SchemaVersion int         `json:"schema_version"`
	GeneratedAt   string      `json:"generated_at"`
	Tools         []ToolEntry `json:"tools"`
}

// --- tasks

// turns a single line of the repository list into a `ToolEntry`.
func process_repo(ctx context.Context, repo_url string, idx *CategoryIndex, branch_list []string) (ToolEntry, error) {
	empty_response := ToolEntry{}

	ref, err := parse_repo_ref(repo_url)
	if err != nil {
		return empty_response, err
	}

	log := slog.With("repo", ref.FullName())
	log.Info("processing repository")

	readme, err := fetch_readme(ctx, ref, branch_list)
	if err != nil {
		return empty_response, err
	}

	doc, err := extract_metadata(readme)
	if err != nil {
		return empty_response, err
	}

	_, present := doc["repo_url"]
	if !present {
		doc["repo_url"] = ref.RepoURL()
	}
	_, present = doc["demo_url"]
	if !present {
		doc["demo_url"] = ref.DemoURL()
	}

	entry := build_tool_entry(doc, idx, log)
	if entry.Id == "" {
		return empty_response, ErrEmptyId
	}
	return entry, nil
}

// processes each repository in `repo_list`, `num_workers` at a time.
// repositories that fail are logged and excluded.
// the result follows the order of `repo_list` regardless of the order repositories finish in.
func process_repo_list(ctx context.Context, repo_list []string, idx *CategoryIndex, branch_list []string, num_workers int) []ToolEntry {
	slot_list := make([]*ToolEntry, len(repo_list))

	var g errgroup.Group
	g.SetLimit(max(1, num_workers))

	for i, repo_url := range repo_list {
		if ctx.Err() != nil {
			slog.Warn("cancelled, not processing remaining repositories", "remaining", len(repo_list)-i)
			break
		}
		i, repo_url := i, repo_url
		g.Go(func() error {
			entry, err := process_repo(ctx, repo_url, idx, branch_list)
			if err != nil {
				slog.Warn("skipping repository", "repo", repo_url, "error", err)
				return nil
			}
			slot_list[i] = &entry
			return nil
		})
	}
	// workers never return an error.
	_ = g.Wait()

	tool_list := []ToolEntry{}
	seen := map[string]string{}
	for i, entry := range slot_list {
		if entry == nil {
			continue
		}
		first_repo_url, present := seen[entry.Id]
		if present {
			slog.Warn("duplicate tool id, keeping both", "id", entry.Id, "repo", repo_list[i], "first-seen", first_repo_url)
		} else {
			seen[entry.Id] = repo_list[i]
		}
		tool_list = append(tool_list, *entry)
	}
	return tool_list
}

// orders tools by id, comparing as strings ("day10" before "day2").
// tools sharing an id keep their relative order.
func sort_tools(tool_list []ToolEntry) {
	slices.SortStableFunc(tool_list, func(a, b ToolEntry) int {
		return strings.Compare(a.Id, b.Id)
	})
}

// builds a complete catalogue from scratch from the repositories in `repo_list`.
func build_catalogue(ctx context.Context, repo_list []string, idx *CategoryIndex, branch_list []string, num_workers int) Catalogue {
	if len(branch_list) == 0 {
		branch_list = DEFAULT_BRANCH_LIST
	}

	tool_list := process_repo_list(ctx, repo_list, idx, branch_list, num_workers)
	sort_tools(tool_list)
	slog.Info("repositories processed", "num", len(repo_list), "viable", len(tool_list))

	return Catalogue{
		SchemaVersion: SCHEMA_VERSION,
		GeneratedAt:   NOW().UTC().Format(GENERATED_AT_FORMAT),
		Tools:         tool_list,
	}
}

// renders `catalogue` as indented JSON, leaving non-ascii and html characters as they are.
func marshal_catalogue(catalogue Catalogue) ([]byte, error) {
	ensure(catalogue.Tools != nil, "programming error, catalogue tools must be an empty list, not nil")
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	err := encoder.Encode(catalogue)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// validates and writes `catalogue` to `path`, replacing anything already there.
func write_catalogue(catalogue Catalogue, path string) error {
	data, err := marshal_catalogue(catalogue)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}

	err = validate_json(CATALOGUE_SCHEMA, data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}

	output_dir := filepath.Dir(path)
	err = os.MkdirAll(output_dir, 0o755)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}

	// write beside the destination then move into place.
	fh, err := os.CreateTemp(output_dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}
	defer os.Remove(fh.Name())

	_, err = fh.Write(data)
	if err != nil {
		fh.Close()
		return fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}
	err = fh.Close()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}

	err = os.Chmod(fh.Name(), 0o644)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}

	err = os.Rename(fh.Name(), path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}
	return nil
}
