package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadPaths reads files, directories (recursively) and archives from disk.
// Hidden files are skipped. Read errors are joined and returned alongside
// whatever could be read.
func LoadPaths(paths []string) ([]RawInput, error) {
	var (
		inputs []RawInput
		errs   []error
	)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("stat %s: %w", p, err))
			continue
		}
		if !info.IsDir() {
			data, err := os.ReadFile(p)
			if err != nil {
				errs = append(errs, fmt.Errorf("read %s: %w", p, err))
				continue
			}
			inputs = append(inputs, RawInput{Name: filepath.Base(p), Data: data})
			continue
		}
		walkErr := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				errs = append(errs, fmt.Errorf("walk %s: %w", path, err))
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") && path != p {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				errs = append(errs, fmt.Errorf("read %s: %w", path, err))
				return nil
			}
			inputs = append(inputs, RawInput{Name: d.Name(), Data: data})
			return nil
		})
		if walkErr != nil {
			errs = append(errs, walkErr)
		}
	}
	return inputs, errors.Join(errs...)
}
