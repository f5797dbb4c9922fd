// Package fabric reconciles the set of desired bridges (port-sets of
// tunnels with QoS) against a switch's actual state via an idempotent REST
// client, and notifies an OpenFlow controller of the resulting port sets.
package fabric

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fabricbroker/fabricd/pkg/fabriclog"
)

// RESTConfig configures one pinned, bearer-token-authenticated REST client.
type RESTConfig struct {
	BaseURL      string
	BearerToken  string
	CACertFile   string // PEM; empty disables pinning (system roots used)
	Timeout      time.Duration
	RetryCount   int           // bounded retries for idempotent GETs only
	RetryBackoff time.Duration // linear backoff unit
}

// restClient is the small HTTP helper shared by the switch REST client and
// the OpenFlow controller REST client: same bearer-token + pinned-TLS +
// bounded-retry shape, different base URL and payload types.
type restClient struct {
	base       string
	token      string
	httpClient *http.Client
	retries    int
	backoff    time.Duration
}

func newRESTClient(cfg RESTConfig) (*restClient, error) {
	transport := &http.Transport{}
	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("fabric: reading CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("fabric: no certificates found in %s", cfg.CACertFile)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.RetryCount
	if retries <= 0 {
		retries = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	return &restClient{
		base:       cfg.BaseURL,
		token:      cfg.BearerToken,
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		retries:    retries,
		backoff:    backoff,
	}, nil
}

// HTTPError is a typed 4xx/5xx response from the switch or controller.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fabric: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// do issues one request. idempotentGET controls whether transport-level
// failures (not HTTP error statuses) are retried.
func (c *restClient) do(ctx context.Context, method, path string, body interface{}, okStatuses []int, idempotentGET bool) ([]byte, int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("fabric: encoding request body: %w", err)
		}
	}

	attempts := 1
	if idempotentGET {
		attempts = c.retries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * c.backoff)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return nil, 0, fmt.Errorf("fabric: building request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			fabriclog.Logger.WithError(err).WithField("path", path).Warn("fabric: REST request failed, retrying")
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		for _, ok := range okStatuses {
			if resp.StatusCode == ok {
				return respBody, resp.StatusCode, nil
			}
		}

		return respBody, resp.StatusCode, &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil, 0, fmt.Errorf("fabric: %s %s failed after %d attempts: %w", method, path, attempts, lastErr)
}
