package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// Entry is one engine binary found in the cache directory.
type Entry struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Current  bool   `json:"current"`
}

// List walks the cache directory and returns every cached engine.
func (d *Downloader) List(ctx context.Context) ([]Entry, error) {
	versions, err := os.ReadDir(d.opts.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var entries []Entry
	for _, v := range versions {
		if !v.IsDir() {
			continue
		}
		platforms, err := os.ReadDir(filepath.Join(d.opts.CacheDir, v.Name()))
		if err != nil {
			continue
		}
		for _, p := range platforms {
			path := filepath.Join(d.opts.CacheDir, v.Name(), p.Name(), BinaryName)
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			entries = append(entries, Entry{
				Version:  v.Name(),
				Platform: p.Name(),
				Path:     path,
				Size:     info.Size(),
				Current:  v.Name() == d.opts.Version && p.Name() == d.opts.Platform,
			})
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Version != entries[j].Version {
			return entries[i].Version < entries[j].Version
		}
		return entries[i].Platform < entries[j].Platform
	})
	return entries, nil
}

// Prune removes every cached version other than the configured one and
// returns what was removed.
func (d *Downloader) Prune(ctx context.Context) ([]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := d.List(ctx)
	if err != nil {
		return nil, err
	}

	var removed []Entry
	for _, e := range entries {
		if e.Version == d.opts.Version {
			continue
		}
		if err := os.RemoveAll(filepath.Dir(e.Path)); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", e.Path, err)
		}
		// Drop the version directory once its last platform is gone.
		_ = os.Remove(filepath.Join(d.opts.CacheDir, e.Version))

		if d.opts.Index != nil {
			if err := d.opts.Index.DeleteBinary(ctx, e.Version, e.Platform); err != nil {
				log.Warn().Err(err).Str("version", e.Version).Msg("Failed to drop engine from cache index")
			}
		}
		log.Debug().Str("version", e.Version).Str("platform", e.Platform).Msg("Pruned cached engine")
		removed = append(removed, e)
	}
	return removed, nil
}
