// Package github implements gitprovider.Provider against the GitHub REST API.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/port/gitprovider"
)

const defaultBaseURL = "https://api.github.com"

// Provider is a GitHub content-and-PR client. Tokens come in per call; the
// provider itself holds no credentials.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// NewProvider creates a GitHub provider. baseURL overrides the public API
// endpoint for GitHub Enterprise; pass "" for github.com.
func NewProvider(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// contentEntry mirrors the JSON response from the contents API.
type contentEntry struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

func (p *Provider) ListDir(ctx context.Context, token, owner, name, ref, path string) ([]string, error) {
	body, err := p.doRequest(ctx, token, http.MethodGet, p.contentsURL(owner, name, ref, path), nil)
	if err != nil {
		return nil, fmt.Errorf("github list %s/%s:%s: %w", owner, name, path, err)
	}

	var entries []contentEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("github parse listing: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

func (p *Provider) ReadFile(ctx context.Context, token, owner, name, ref, path string) ([]byte, error) {
	body, err := p.doRequest(ctx, token, http.MethodGet, p.contentsURL(owner, name, ref, path), nil)
	if err != nil {
		return nil, fmt.Errorf("github read %s/%s:%s: %w", owner, name, path, err)
	}

	var entry contentEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("github parse file: %w", err)
	}
	if entry.Type != "file" {
		return nil, fmt.Errorf("github read %s: not a file: %w", path, domain.ErrValidation)
	}
	// The contents API base64-encodes with embedded newlines.
	content, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(entry.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("github decode %s: %w", path, err)
	}
	return content, nil
}

// prResponse mirrors the pull request creation response.
type prResponse struct {
	HTMLURL string `json:"html_url"`
}

func (p *Provider) CreatePullRequest(ctx context.Context, token string, pr *gitprovider.PullRequest) (string, error) {
	head := pr.Head
	if pr.HeadOwner != "" {
		// Cross-repository PR from a fork.
		head = pr.HeadOwner + ":" + pr.Head
	}
	payload, _ := json.Marshal(map[string]string{
		"title": pr.Title,
		"body":  pr.Body,
		"head":  head,
		"base":  pr.Base,
	})

	reqURL := fmt.Sprintf("%s/repos/%s/%s/pulls", p.baseURL, pr.Owner, pr.Name)
	body, err := p.doRequest(ctx, token, http.MethodPost, reqURL, strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("github create pull request %s/%s: %w", pr.Owner, pr.Name, err)
	}

	var created prResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("github parse pull request response: %w", err)
	}
	return created.HTMLURL, nil
}

func (p *Provider) contentsURL(owner, name, ref, path string) string {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s", p.baseURL, owner, name, strings.TrimPrefix(path, "/"))
	if ref != "" {
		u += "?ref=" + url.QueryEscape(ref)
	}
	return u
}

func (p *Provider) doRequest(ctx context.Context, token, method, reqURL string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w: %w", domain.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("github API 422: %s: %w", string(respBody), domain.ErrValidation)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("github API %d: %s: %w", resp.StatusCode, string(respBody), domain.ErrUpstream)
	}
	return respBody, nil
}
