package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/elliotnunn/huffbundle/internal/archive"
	"github.com/elliotnunn/huffbundle/internal/catalog"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  huffbundle bundle <archive> <file>...")
	fmt.Fprintln(os.Stderr, "  huffbundle unbundle <archive> [<file>...]")
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "huffbundle:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if cat := os.Getenv("HUFFBUNDLE_CATALOG"); cat != "" {
		c, err := catalog.Open(cat)
		if err != nil {
			return fmt.Errorf("opening catalog: %w", err)
		}
		defer c.Close()
		archive.ConfigureCatalog(c)
	}

	if len(args) < 2 {
		usage()
		return fmt.Errorf("expected a subcommand, archive path, and file arguments")
	}

	cmd, archivePath, rest := args[0], args[1], args[2:]
	switch cmd {
	case "bundle":
		return runBundle(archivePath, rest)
	case "unbundle":
		return runUnbundle(archivePath, rest)
	default:
		usage()
		return fmt.Errorf("unknown subcommand %q", cmd)
	}
}

// runBundle expands any doublestar glob patterns in the file arguments
// against the working directory, rejects directory arguments (the core
// format has no notion of a directory member), and bundles the result.
func runBundle(archivePath string, patterns []string) error {
	if len(patterns) == 0 {
		usage()
		return fmt.Errorf("bundle requires at least one file argument")
	}

	var inputs []string
	for _, pattern := range patterns {
		matches, err := expandPattern(pattern)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", pattern, err)
		}
		inputs = append(inputs, matches...)
	}

	for _, path := range inputs {
		fi, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if fi.IsDir() {
			return fmt.Errorf("%s is a directory; bundle only accepts regular files", path)
		}
	}

	return archive.Bundle(archivePath, inputs)
}

// expandPattern returns pattern itself, unexpanded, when it names a file
// that already exists (so a literal filename containing glob metacharacters
// still works) and otherwise expands it as a doublestar pattern rooted at
// the working directory.
func expandPattern(pattern string) ([]string, error) {
	if _, err := os.Lstat(pattern); err == nil {
		return []string{pattern}, nil
	}
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no file matches %q", pattern)
	}
	return matches, nil
}

// runUnbundle extracts the named members (or every member, if none are
// named) from archivePath into the working directory.
func runUnbundle(archivePath string, names []string) error {
	outDir, err := os.Getwd()
	if err != nil {
		return err
	}
	if err := archive.Unbundle(archivePath, names, outDir); err != nil {
		slog.Error("unbundleFailed", "archive", archivePath, "err", err)
		return err
	}
	return nil
}
