package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadPaths compiles and registers every .rego file found at the given
// paths. Directories are walked recursively. File-loaded policies default
// to error severity; the policy name is the file name without extension.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat policy path %s: %w", path, err)
		}
		if info.IsDir() {
			if err := e.loadDir(ctx, path); err != nil {
				return err
			}
			continue
		}
		if err := e.loadFile(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) loadDir(ctx context.Context, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		return e.loadFile(ctx, path)
	})
}

func (e *Engine) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	p := Policy{
		Name:        name,
		Description: fmt.Sprintf("loaded from %s", path),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
	}
	if err := e.compile(ctx, p); err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	e.logger.Info().Str("policy", name).Str("path", path).Msg("Policy loaded")
	return nil
}
