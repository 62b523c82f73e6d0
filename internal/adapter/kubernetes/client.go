// Package kubernetes talks to cluster API servers through a minimal typed
// REST client. Only the resources the launcher and sandbox backend touch are
// modeled; everything else on the API surface is out of scope.
package kubernetes

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/domain/repo"
	"github.com/runforge/runforge/internal/resilience"
)

// Client is an authenticated handle on one cluster's API server. The TLS
// trust anchor comes from the cluster record's CA bundle, so clusters with
// private CAs work without touching the process-wide trust store.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	breaker *resilience.Breaker
}

// NewClient builds a client for the given cluster. bearerToken is the
// unsealed API token; callers unseal it at point of use and never store it.
func NewClient(cluster *repo.Cluster, bearerToken string, breaker *resilience.Breaker) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if len(cluster.CABundlePEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cluster.CABundlePEM) {
			return nil, fmt.Errorf("cluster %s: no certificates in CA bundle", cluster.ID)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &Client{
		baseURL: strings.TrimRight(cluster.BaseURL, "/"),
		token:   bearerToken,
		httpc:   &http.Client{Transport: transport, Timeout: 30 * time.Second},
		breaker: breaker,
	}, nil
}

// apiStatus is the error body the API server returns for failed requests.
type apiStatus struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Code    int    `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.breaker.Execute(func() error {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal %s %s: %w", method, path, err)
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("build %s %s: %w", method, path, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w: %w", method, path, domain.ErrUpstream, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return statusError(method, path, resp)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, path, err)
			}
		}
		return nil
	})
}

func statusError(method, path string, resp *http.Response) error {
	var st apiStatus
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	_ = json.Unmarshal(data, &st)
	msg := st.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %s: %w", method, path, msg, domain.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s %s: %s: %w", method, path, msg, domain.ErrConflict)
	}
	return fmt.Errorf("%s %s: status %d: %s: %w", method, path, resp.StatusCode, msg, domain.ErrUpstream)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// createOrReplace POSTs the object and, on a name conflict, PUTs it over the
// existing one. Provisioning is idempotent this way.
func (c *Client) createOrReplace(ctx context.Context, collectionPath, name string, obj any) error {
	err := c.post(ctx, collectionPath, obj, nil)
	if err == nil {
		return nil
	}
	if !isConflict(err) {
		return err
	}
	return c.put(ctx, collectionPath+"/"+name, obj, nil)
}

// createIfAbsent POSTs the object and treats a name conflict as success.
func (c *Client) createIfAbsent(ctx context.Context, collectionPath string, obj any) error {
	err := c.post(ctx, collectionPath, obj, nil)
	if err != nil && !isConflict(err) {
		return err
	}
	return nil
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}

// PodLogs fetches container logs as plain text.
func (c *Client) PodLogs(ctx context.Context, namespace, pod, container string, tailLines int) (string, error) {
	q := url.Values{}
	if container != "" {
		q.Set("container", container)
	}
	if tailLines > 0 {
		q.Set("tailLines", strconv.Itoa(tailLines))
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/log?%s", namespace, pod, q.Encode())

	var lines string
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("build pod logs request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("pod logs %s/%s: %w: %w", namespace, pod, domain.ErrUpstream, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return statusError(http.MethodGet, path, resp)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read pod logs: %w", err)
		}
		lines = string(data)
		return nil
	})
	return lines, err
}
