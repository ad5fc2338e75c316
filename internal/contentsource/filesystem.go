package contentsource

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"vectorflow/internal/config"
	"vectorflow/internal/fileutil"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

// Filesystem walks def.Source.Path. Canonical ids are slash-separated paths
// relative to the root and timestamps are file modification times. Every file
// is reported with the raw action "updated"; removals are derived from the
// registry.
//
// Include and exclude patterns use path.Match syntax and are tried against
// both the relative path and the base name. Hidden files and directories are
// skipped.
type Filesystem struct{}

func (Filesystem) Enumerate(ctx context.Context, def pipeline.Definition) ([]Observation, error) {
	root, err := config.ExpandPath(def.Source.Path)
	if err != nil || strings.TrimSpace(root) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "contentsource", "filesystem",
			"source path is required for pipeline "+def.Name, err)
	}
	for _, pattern := range append(append([]string(nil), def.Source.Include...), def.Source.Exclude...) {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, services.Wrap(services.ErrValidation, "contentsource", "filesystem",
				fmt.Sprintf("invalid pattern %q", pattern), err)
		}
	}

	var out []Observation
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !selected(rel, def.Source.Include, def.Source.Exclude) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := fileutil.HashFile(p)
		if err != nil {
			return err
		}
		out = append(out, Observation{
			CanonicalID:    rel,
			RawAction:      pipeline.RawActionUpdated,
			LastModifiedAt: info.ModTime().UTC(),
			Fingerprint:    sum,
		})
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "contentsource", "filesystem", "walk "+root, err)
	}
	return out, nil
}

func selected(rel string, include, exclude []string) bool {
	if len(include) > 0 && !matchAny(rel, include) {
		return false
	}
	return !matchAny(rel, exclude)
}

func matchAny(rel string, patterns []string) bool {
	base := path.Base(rel)
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
