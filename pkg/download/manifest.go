package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"gopkg.in/yaml.v3"
)

// Manifest lists the published engine artifacts per version and platform.
//
//	releases:
//	  v0.9.0:
//	    linux-amd64:
//	      url: engine-v0.9.0-linux-amd64
//	      sha256: 9f86d0...
//	      size: 12345678
type Manifest struct {
	Releases map[string]map[string]Artifact `yaml:"releases"`
}

// Artifact is one downloadable engine binary. A relative URL is resolved
// against the manifest's own URL.
type Artifact struct {
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256"`
	Size   int64  `yaml:"size,omitempty"`
}

// Lookup returns the artifact for version and platform.
func (m *Manifest) Lookup(version, platform string) (Artifact, error) {
	platforms, ok := m.Releases[version]
	if !ok {
		return Artifact{}, fmt.Errorf("version %s is not published", version)
	}
	a, ok := platforms[platform]
	if !ok {
		return Artifact{}, fmt.Errorf("version %s has no build for %s", version, platform)
	}
	if a.URL == "" || a.SHA256 == "" {
		return Artifact{}, fmt.Errorf("manifest entry for %s/%s needs url and sha256", version, platform)
	}
	return a, nil
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

const maxManifestSize = 4 << 20

func fetchManifest(ctx context.Context, client *http.Client, manifestURL string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch manifest: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
