// Package inputs validates command line inputs and resolves the local files they name.
package inputs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const fileSchema = "file://"

// ValidateWithOptions ...
func ValidateWithOptions(value string, options ...string) error {
	for _, option := range options {
		if option == value {
			return nil
		}
	}
	return fmt.Errorf("invalid parameter: %s, available: %v", value, options)
}

// ValidateIfNotEmpty ...
func ValidateIfNotEmpty(value string) error {
	if value == "" {
		return errors.New("parameter not specified")
	}
	return nil
}

// SecureInput masks a secret for logging.
func SecureInput(value string) string {
	if value != "" {
		return "***"
	}
	return ""
}

// ResolvePaths expands the given paths into a sorted, deduplicated list of regular files.
// A path may carry the file:// scheme and may be a doublestar glob pattern.
// A pattern that matches nothing is an error.
func ResolvePaths(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var paths []string

	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(pattern, fileSchema)
		matches, err := match(pattern)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %s", pattern)
		}

		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				return nil, err
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true
			paths = append(paths, abs)
		}
	}

	sort.Strings(paths)
	return paths, nil
}

func match(pattern string) ([]string, error) {
	if !hasMeta(pattern) {
		info, err := os.Stat(pattern)
		if err != nil {
			return nil, fmt.Errorf("path not exist at: %s", pattern)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", pattern)
		}
		return []string{pattern}, nil
	}

	base, rest := doublestar.SplitPattern(filepath.ToSlash(pattern))
	matches, err := doublestar.Glob(os.DirFS(base), rest)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}

	var files []string
	for _, m := range matches {
		pth := filepath.Join(filepath.FromSlash(base), filepath.FromSlash(m))
		info, err := os.Stat(pth)
		if err != nil {
			return nil, err
		}
		if info.Mode().IsRegular() {
			files = append(files, pth)
		}
	}
	return files, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
