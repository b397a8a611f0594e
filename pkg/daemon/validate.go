package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Check is one configuration check run by Validate.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Validate runs checks in order, reporting each to w, and stops at the first
// failure.
func Validate(ctx context.Context, w io.Writer, checks []Check) error {
	fmt.Fprintln(w, "🔍 Validating oxen-archive configuration...")
	for _, c := range checks {
		if err := c.Run(ctx); err != nil {
			fmt.Fprintf(w, "❌ %s\n", c.Name)
			return fmt.Errorf("%s: %w", c.Name, err)
		}
		fmt.Fprintf(w, "✅ %s\n", c.Name)
	}
	fmt.Fprintln(w, "\n✨ All validation checks passed successfully!")
	return nil
}

// ScheduleCheck verifies that schedule parses.
func ScheduleCheck(schedule string) Check {
	return Check{
		Name: fmt.Sprintf("schedule %q is valid", schedule),
		Run:  func(context.Context) error { return ParseCronSchedule(schedule) },
	}
}

// DirectoryCheck verifies that path is a readable directory, and writable
// when requireWritable is set.
func DirectoryCheck(name, path string, requireWritable bool) Check {
	return Check{
		Name: fmt.Sprintf("%s %s is accessible", name, path),
		Run:  func(context.Context) error { return ValidateDirectory(path, requireWritable) },
	}
}

// ValidateDirectory checks that path is a directory the process can use.
func ValidateDirectory(path string, requireWritable bool) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return fmt.Errorf("cannot access directory: %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open directory: %s: %w", path, err)
	}
	f.Close()

	if requireWritable {
		testFile := filepath.Join(path, ".oxen-archive-test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return fmt.Errorf("directory is not writable: %s: %w", path, err)
		}
		os.Remove(testFile)
	}
	return nil
}
