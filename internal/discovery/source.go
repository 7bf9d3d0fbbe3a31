// Package discovery adapts external issue reporters to the pipeline. A
// Source returns the issues currently open for a scope.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gopkg.in/yaml.v3"

	"github.com/onnwee/guardrail/internal/policy"
)

// ScopeAll selects issues on every node.
const ScopeAll = "all"

// ErrUnavailable marks failures to reach the discovery collaborator.
// Such failures are retryable.
var ErrUnavailable = errors.New("discovery source unavailable")

// Source supplies the open issues for a scope (see InScope).
type Source interface {
	Discover(ctx context.Context, scope string) ([]policy.Issue, error)
}

// InScope reports whether issue belongs to scope. A scope is ScopeAll, a
// node id (exact), or a node type or issue type (case-insensitive).
func InScope(issue policy.Issue, scope string) bool {
	switch {
	case scope == "" || scope == ScopeAll:
		return true
	case issue.NodeID == scope:
		return true
	case issue.NodeType != "" && strings.EqualFold(issue.NodeType, scope):
		return true
	}
	return issue.Type != "" && strings.EqualFold(issue.Type, scope)
}

func filter(issues []policy.Issue, scope string) []policy.Issue {
	out := make([]policy.Issue, 0, len(issues))
	for _, is := range issues {
		if InScope(is, scope) {
			out = append(out, is)
		}
	}
	return out
}

// normalize fills ids and lower-cases severities so rule conditions can
// compare them by rank.
func normalize(issues []policy.Issue) []policy.Issue {
	for i := range issues {
		if issues[i].ID == "" {
			issues[i].ID = uuid.NewString()
		}
		issues[i].Severity = policy.Severity(strings.ToLower(string(issues[i].Severity)))
	}
	return issues
}

// StaticSource returns a fixed set of issues.
type StaticSource []policy.Issue

// Discover implements Source.
func (s StaticSource) Discover(_ context.Context, scope string) ([]policy.Issue, error) {
	return filter(s, scope), nil
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, scope string) ([]policy.Issue, error)

// Discover implements Source.
func (f SourceFunc) Discover(ctx context.Context, scope string) ([]policy.Issue, error) {
	return f(ctx, scope)
}

// IssuesFile is the on-disk layout read by FileSource.
type IssuesFile struct {
	Issues []policy.Issue `yaml:"issues"`
}

// FileSource reads issues from a YAML (or JSON) file on every call, so an
// external detector can rewrite the file between runs.
type FileSource struct {
	path string
}

// NewFileSource creates a source over path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Discover implements Source. A missing file means no issues.
func (s *FileSource) Discover(ctx context.Context, scope string) ([]policy.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, s.path, err)
	}
	issues, err := ParseIssues(data)
	if err != nil {
		return nil, err
	}
	return filter(issues, scope), nil
}

// ParseIssues decodes an issues document. Both the {issues: [...]} layout
// and a bare list are accepted.
func ParseIssues(data []byte) ([]policy.Issue, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var f IssuesFile
	if err := yaml.Unmarshal(data, &f); err == nil {
		return normalize(f.Issues), nil
	}
	var list []policy.Issue
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("issues unmarshal: %w", err)
	}
	return normalize(list), nil
}

// HTTPSource asks a remote detector for issues with
// GET <base>/issues?scope=<scope>, answered by a JSON list of issues.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration) (*HTTPSource, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("discovery base URL is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Discover implements Source.
func (s *HTTPSource) Discover(ctx context.Context, scope string) ([]policy.Issue, error) {
	if scope == "" {
		scope = ScopeAll
	}
	endpoint := s.baseURL + "/issues?scope=" + url.QueryEscape(scope)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var issues []policy.Issue
	if err := json.Unmarshal(data, &issues); err != nil {
		return nil, fmt.Errorf("decoding discovery response: %w", err)
	}
	return filter(normalize(issues), scope), nil
}
