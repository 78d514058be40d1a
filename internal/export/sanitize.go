package export

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// SanitizeName makes a project name safe to use as a filename stem.
// Control characters are dropped and other disallowed runes become
// underscores. Leading dots are removed so a name never produces a hidden
// file or a relative path component.
func SanitizeName(s string, maxLen int) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case isAllowedNameRune(r):
			return r
		default:
			return '_'
		}
	}, s)
	cleaned = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(cleaned), "."))

	if maxLen > 0 {
		if runes := []rune(cleaned); len(runes) > maxLen {
			cleaned = strings.TrimSpace(string(runes[:maxLen]))
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// OutputDirProblem classifies why a directory cannot receive exports.
type OutputDirProblem int

const (
	OutputDirEmpty OutputDirProblem = iota + 1
	OutputDirTraversal
	OutputDirUnclean
	OutputDirMissing
	OutputDirUnreadable
	OutputDirNotDirectory
	OutputDirNotWritable
)

func (p OutputDirProblem) String() string {
	switch p {
	case OutputDirEmpty:
		return "is required"
	case OutputDirTraversal:
		return "cannot contain path traversal"
	case OutputDirUnclean:
		return "must be a clean path"
	case OutputDirMissing:
		return "does not exist"
	case OutputDirUnreadable:
		return "cannot be read"
	case OutputDirNotDirectory:
		return "is not a directory"
	case OutputDirNotWritable:
		return "is not writable"
	default:
		return "is invalid"
	}
}

// Malformed reports whether the path itself is unacceptable, as opposed to
// naming a location the process cannot use right now.
func (p OutputDirProblem) Malformed() bool {
	return p == OutputDirEmpty || p == OutputDirTraversal || p == OutputDirUnclean
}

// OutputDirError is returned when a directory cannot receive exports.
type OutputDirError struct {
	Dir     string
	Problem OutputDirProblem
	Err     error
}

func (e *OutputDirError) Error() string {
	msg := "output directory " + e.Problem.String()
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *OutputDirError) Unwrap() error { return e.Err }

// ValidateOutputDir checks that dir is a clean, existing directory the
// process can create files in. Failures are *OutputDirError.
func ValidateOutputDir(dir string) error {
	fail := func(p OutputDirProblem, err error) error {
		return &OutputDirError{Dir: dir, Problem: p, Err: err}
	}

	if strings.TrimSpace(dir) == "" {
		return fail(OutputDirEmpty, nil)
	}
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return fail(OutputDirTraversal, nil)
		}
	}
	if filepath.Clean(dir) != dir {
		return fail(OutputDirUnclean, nil)
	}

	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fail(OutputDirMissing, nil)
	case err != nil:
		return fail(OutputDirUnreadable, err)
	case !info.IsDir():
		return fail(OutputDirNotDirectory, nil)
	}

	f, err := os.CreateTemp(dir, ".heimdex-write-*")
	if err != nil {
		return fail(OutputDirNotWritable, err)
	}
	f.Close()
	os.Remove(f.Name())
	return nil
}
