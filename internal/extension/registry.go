// Package extension looks up editor extensions in an Open VSX compatible registry.
package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/bytedance/sonic"
	"github.com/gigo/statfix/internal/setup/httpclient"
	"github.com/jaxron/axonet/pkg/client"
	"go.uber.org/zap"
)

// DefaultBaseURL is the public Open VSX registry.
const DefaultBaseURL = "https://open-vsx.org"

var (
	// ErrNoCompatible is returned when no published version supports the editor version.
	ErrNoCompatible = errors.New("no compatible extension version")
	// ErrNotFound is returned when the registry does not know the extension.
	ErrNotFound = errors.New("extension not found")
	// ErrUnexpectedStatus is returned for any other non-200 response.
	ErrUnexpectedStatus = errors.New("unexpected registry status")
)

// Engines lists the engine constraints of one extension version.
type Engines struct {
	VSCode string `json:"vscode"`
}

// Version is one published version of an extension.
type Version struct {
	Version string  `json:"version"`
	Engines Engines `json:"engines"`
}

// metadata is the subset of the registry's extension document in use here.
// allVersions is either a list of versions or a map from version to its metadata URL.
type metadata struct {
	Version     string          `json:"version"`
	Engines     Engines         `json:"engines"`
	AllVersions json.RawMessage `json:"allVersions"`
}

// Client queries the registry.
type Client struct {
	baseURL    string
	httpClient *client.Client
	logger     *zap.Logger
}

// NewClient creates a registry client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpclient.New(logger, timeout),
		logger:     logger.Named("extension"),
	}
}

// LatestCompatible returns the highest published version of publisher.name whose
// engines.vscode constraint accepts editorVersion.
func (c *Client) LatestCompatible(ctx context.Context, publisher, name, editorVersion string) (string, error) {
	editor, err := semver.NewVersion(editorVersion)
	if err != nil {
		return "", fmt.Errorf("invalid editor version %q: %w", editorVersion, err)
	}

	var meta metadata
	if err := c.getJSON(ctx, &meta, publisher, name); err != nil {
		return "", err
	}

	versions, err := c.versions(ctx, &meta, publisher, name)
	if err != nil {
		return "", err
	}

	for _, v := range versions {
		if v.engines == nil {
			engines, err := c.fetchEngines(ctx, publisher, name, v.raw)
			if err != nil {
				c.logger.Warn("Failed to fetch version metadata",
					zap.String("extension", publisher+"."+name),
					zap.String("version", v.raw),
					zap.Error(err))
				continue
			}
			v.engines = engines
		}

		if compatible(v.engines.VSCode, editor) {
			c.logger.Debug("Found compatible version",
				zap.String("extension", publisher+"."+name),
				zap.String("version", v.raw),
				zap.String("engine", v.engines.VSCode))

			return v.raw, nil
		}
	}

	return "", fmt.Errorf("%w: %s.%s for %s", ErrNoCompatible, publisher, name, editorVersion)
}

type candidate struct {
	raw     string
	parsed  *semver.Version
	engines *Engines
}

// versions returns every semver-valid version, highest first.
func (c *Client) versions(ctx context.Context, meta *metadata, publisher, name string) ([]*candidate, error) {
	var candidates []*candidate

	raw := bytes.TrimSpace(meta.AllVersions)

	switch {
	case len(raw) > 0 && raw[0] == '[':
		var list []Version
		if err := sonic.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("failed to decode versions of %s.%s: %w", publisher, name, err)
		}

		for _, v := range list {
			parsed, err := semver.NewVersion(v.Version)
			if err != nil {
				continue
			}
			candidates = append(candidates, &candidate{raw: v.Version, parsed: parsed, engines: &v.Engines})
		}
	case len(raw) > 0 && raw[0] == '{':
		var links map[string]string
		if err := sonic.Unmarshal(raw, &links); err != nil {
			return nil, fmt.Errorf("failed to decode versions of %s.%s: %w", publisher, name, err)
		}

		// Keys such as "latest" are aliases, not versions
		for key := range links {
			parsed, err := semver.NewVersion(key)
			if err != nil {
				continue
			}
			candidates = append(candidates, &candidate{raw: key, parsed: parsed})
		}
	default:
		if meta.Version == "" {
			return nil, nil
		}

		parsed, err := semver.NewVersion(meta.Version)
		if err != nil {
			return nil, nil
		}
		candidates = append(candidates, &candidate{raw: meta.Version, parsed: parsed, engines: &meta.Engines})
	}

	// The top-level document already carries the engines of its own version
	for _, cand := range candidates {
		if cand.engines == nil && cand.raw == meta.Version {
			cand.engines = &meta.Engines
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].parsed.GreaterThan(candidates[j].parsed)
	})

	return candidates, nil
}

// fetchEngines loads the engines of one specific version.
func (c *Client) fetchEngines(ctx context.Context, publisher, name, version string) (*Engines, error) {
	var v Version
	if err := c.getJSON(ctx, &v, publisher, name, version); err != nil {
		return nil, err
	}

	return &v.Engines, nil
}

// getJSON fetches <base>/api/<parts...> and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, out any, parts ...string) error {
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = url.PathEscape(part)
	}

	endpoint := c.baseURL + "/api/" + strings.Join(escaped, "/")

	ctx, status := httpclient.TrackStatus(ctx)

	resp, err := c.httpClient.NewRequest().Method(http.MethodGet).URL(endpoint).Do(ctx)
	if resp != nil {
		defer resp.Body.Close()
	}

	switch code := status.Code(); code {
	case 0:
		return fmt.Errorf("failed to fetch %s: %w", endpoint, err)
	case http.StatusOK:
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", endpoint, err)
		}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, strings.Join(parts, "/"))
	default:
		return fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, code, endpoint)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", endpoint, err)
	}

	return nil
}

// compatible reports whether the engine constraint accepts the editor version.
// A version without a constraint is not considered compatible.
func compatible(constraint string, editor *semver.Version) bool {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return false
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}

	return c.Check(editor)
}
