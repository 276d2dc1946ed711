package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	backoffStart = time.Second
	backoffMax   = 60 * time.Second
)

// apiClient is the agent's HTTP side: bearer-authenticated JSON posts
// with exponential backoff that honors server Retry-After hints.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logrus.Logger
}

func newAPIClient(baseURL, token string, insecureSkipVerify bool, log *logrus.Logger) *apiClient {
	transport := &http.Transport{}
	if insecureSkipVerify {
		// Self-signed server certificates are the norm for dcmon
		// installs; verification can be re-enabled via config.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second, Transport: transport},
		log:     log,
	}
}

type httpStatusError struct {
	Status     int
	RetryAfter time.Duration
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e := &httpStatusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
				e.RetryAfter = time.Duration(sec) * time.Second
			}
		}
		return e
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// postWithBackoff retries a JSON POST until success, context
// cancellation or a 4xx response (returned at once), doubling the
// delay from 1s to 60s. A Retry-After hint overrides the computed
// delay.
func (c *apiClient) postWithBackoff(ctx context.Context, path string, body, out interface{}) error {
	delay := backoffStart
	for {
		err := c.doJSON(ctx, http.MethodPost, path, body, out)
		if err == nil {
			return nil
		}
		if se, ok := err.(*httpStatusError); ok {
			// Client-side errors other than backpressure will not
			// improve with retries.
			if se.Status >= 400 && se.Status < 500 {
				return err
			}
			if se.RetryAfter > 0 {
				delay = se.RetryAfter
			}
		}
		c.log.WithError(err).WithField("path", path).Warn("push failed, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}
