// Package download resolves the engine binary for the configured version,
// serving it from the local cache or fetching it from the release manifest.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/openfroyo/enginelink/pkg/progress"
	"github.com/openfroyo/enginelink/pkg/stores"
	"github.com/openfroyo/enginelink/pkg/telemetry"
)

// BinaryName is the file name of a cached engine.
const BinaryName = "engine"

// Index records cached binaries and their checksums.
type Index interface {
	GetBinary(ctx context.Context, version, platform string) (*stores.Binary, error)
	PutBinary(ctx context.Context, b *stores.Binary) error
	ListBinaries(ctx context.Context) ([]*stores.Binary, error)
	DeleteBinary(ctx context.Context, version, platform string) error
}

// Options configure a Downloader.
type Options struct {
	CacheDir    string
	Version     string
	ManifestURL string

	// Platform defaults to GOOS-GOARCH.
	Platform string

	HTTPClient *http.Client

	// Index is optional. When set, cache hits are verified against it.
	Index Index

	Progress progress.Sink
	Metrics  *telemetry.Metrics
}

// Downloader resolves engine binaries. It is safe for concurrent use.
type Downloader struct {
	opts Options
	mu   sync.Mutex
}

// New returns a Downloader.
func New(opts Options) *Downloader {
	if opts.Platform == "" {
		opts.Platform = Platform()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Progress == nil {
		opts.Progress = progress.Nop{}
	}
	return &Downloader{opts: opts}
}

// Platform returns the current GOOS-GOARCH pair.
func Platform() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

// Path returns where the configured version is cached.
func (d *Downloader) Path() string {
	return filepath.Join(d.opts.CacheDir, d.opts.Version, d.opts.Platform, BinaryName)
}

// DownloadError reports a failure to obtain the engine binary.
type DownloadError struct {
	Version  string
	Platform string
	Err      error
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	return fmt.Sprintf("failed to obtain engine %s for %s: %v", e.Version, e.Platform, e.Err)
}

// Unwrap returns the underlying error.
func (e *DownloadError) Unwrap() error {
	return e.Err
}

// ErrChecksumMismatch is returned when a binary does not hash to the
// published checksum.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Resolve returns the path of a runnable engine binary, downloading it when
// it is not cached.
func (d *Downloader) Resolve(ctx context.Context) (path string, err error) {
	ctx, span := otel.Tracer("enginelink/download").Start(ctx, "download.resolve")
	defer func() { telemetry.End(span, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	path = d.Path()
	if d.cached(ctx, path) {
		d.opts.Metrics.RecordBinaryResolution("cache")
		log.Debug().Str("path", path).Msg("Using cached engine")
		return path, nil
	}

	if err := d.fetch(ctx, path); err != nil {
		return "", &DownloadError{Version: d.opts.Version, Platform: d.opts.Platform, Err: err}
	}
	d.opts.Metrics.RecordBinaryResolution("download")
	return path, nil
}

func (d *Downloader) cached(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if d.opts.Index == nil {
		return true
	}

	entry, err := d.opts.Index.GetBinary(ctx, d.opts.Version, d.opts.Platform)
	if err != nil {
		log.Debug().Err(err).Msg("Cached engine not in index, fetching again")
		return false
	}
	sum, _, err := hashFile(path)
	if err != nil || !strings.EqualFold(sum, entry.SHA256) {
		log.Warn().Str("path", path).Msg("Cached engine does not match its recorded checksum, fetching again")
		return false
	}
	return true
}

func (d *Downloader) fetch(ctx context.Context, path string) error {
	if d.opts.ManifestURL == "" {
		return errors.New("engine is not cached and no manifest URL is configured")
	}

	d.opts.Progress.Update(ctx, progress.PhaseDownloading)

	manifest, err := fetchManifest(ctx, d.opts.HTTPClient, d.opts.ManifestURL)
	if err != nil {
		return err
	}
	artifact, err := manifest.Lookup(d.opts.Version, d.opts.Platform)
	if err != nil {
		return err
	}
	artifactURL, err := resolveURL(d.opts.ManifestURL, artifact.URL)
	if err != nil {
		return fmt.Errorf("invalid artifact URL: %w", err)
	}

	log.Info().
		Str("version", d.opts.Version).
		Str("platform", d.opts.Platform).
		Str("url", artifactURL).
		Msg("Downloading engine")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".engine-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	sum, size, err := d.download(ctx, artifactURL, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if !strings.EqualFold(sum, artifact.SHA256) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, artifact.SHA256, sum)
	}
	if artifact.Size > 0 && size != artifact.Size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", artifact.Size, size)
	}

	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return fmt.Errorf("failed to make engine executable: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move engine into cache: %w", err)
	}

	if d.opts.Index != nil {
		if err := d.opts.Index.PutBinary(ctx, &stores.Binary{
			Version:  d.opts.Version,
			Platform: d.opts.Platform,
			Path:     path,
			SHA256:   sum,
			Size:     size,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to record engine in cache index")
		}
	}
	return nil
}

func (d *Downloader) download(ctx context.Context, artifactURL string, w io.Writer) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to download engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("failed to download engine: %s", resp.Status)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to download engine: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
