package export

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitizeName_ControlChars(t *testing.T) {
	got := SanitizeName(" A\nB\rC\tD\x00 ", 100)
	if strings.ContainsAny(got, "\n\r\t\x00") {
		t.Fatalf("sanitize output contains control chars: %q", got)
	}
	if got != "ABCD" {
		t.Fatalf("SanitizeName control char behavior mismatch, got %q", got)
	}
}

func TestSanitizeName_MaxLength(t *testing.T) {
	got := SanitizeName("abcdefghijklmnopqrstuvwxyz", 10)
	if len([]rune(got)) != 10 {
		t.Fatalf("expected length 10, got %d (%q)", len([]rune(got)), got)
	}
}

func TestSanitizeName_AllowedChars(t *testing.T) {
	input := "Az09 -_.,()"
	got := SanitizeName(input, 100)
	if got != input {
		t.Fatalf("SanitizeName changed allowed chars: got %q want %q", got, input)
	}
}

func TestSanitizeName_ReplacesDisallowed(t *testing.T) {
	got := SanitizeName("bad<>|\"name", 100)
	if got != "bad____name" {
		t.Fatalf("SanitizeName disallowed replacement mismatch: got %q", got)
	}
}

func TestSanitizeName_StripsLeadingDots(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"..", ""},
		{" .hidden", "hidden"},
		{"../../etc", "_.._etc"},
		{"v1.2 final.", "v1.2 final."},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in, 100); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateOutputDir(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	tests := []struct {
		name string
		dir  string
		want OutputDirProblem
	}{
		{"valid", base, 0},
		{"empty", "  ", OutputDirEmpty},
		{"traversal", "/tmp/../etc", OutputDirTraversal},
		{"unclean", base + "/./", OutputDirUnclean},
		{"missing", filepath.Join(base, "missing"), OutputDirMissing},
		{"not a directory", file, OutputDirNotDirectory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOutputDir(tt.dir)
			if tt.want == 0 {
				if err != nil {
					t.Fatalf("ValidateOutputDir(%q) error = %v, want nil", tt.dir, err)
				}
				return
			}
			var dirErr *OutputDirError
			if !errors.As(err, &dirErr) {
				t.Fatalf("ValidateOutputDir(%q) error = %v, want *OutputDirError", tt.dir, err)
			}
			if dirErr.Problem != tt.want {
				t.Errorf("Problem = %v, want %v", dirErr.Problem, tt.want)
			}
			if dirErr.Problem.Malformed() != (tt.want <= OutputDirUnclean) {
				t.Errorf("Malformed() = %v for %v", dirErr.Problem.Malformed(), tt.want)
			}
		})
	}
}

func TestValidateOutputDir_ReadOnly(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can write to read-only directories")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatalf("chmod error = %v", err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	var dirErr *OutputDirError
	if err := ValidateOutputDir(dir); !errors.As(err, &dirErr) || dirErr.Problem != OutputDirNotWritable {
		t.Fatalf("ValidateOutputDir() error = %v, want not writable", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("write check left %d files behind", len(entries))
	}
}

func TestSuggestFilename(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	tests := []struct {
		project string
		want    string
	}{
		{"My Cut", "My Cut-20260304-050607.webm"},
		{"a/b", "a_b-20260304-050607.webm"},
		{"  ", "heimdex_export-20260304-050607.webm"},
	}
	for _, tt := range tests {
		if got := SuggestFilename(tt.project, now); got != tt.want {
			t.Errorf("SuggestFilename(%q) = %q, want %q", tt.project, got, tt.want)
		}
	}
}
