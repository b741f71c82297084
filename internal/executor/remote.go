// ABOUTME: Remote executor that delegates a step to an HTTP endpoint using resty
// ABOUTME: The endpoint comes from configurable.executor_url and must be on the host allowlist

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/coven-state/internal/codec"
)

// ErrRemoteStep is returned when the remote endpoint fails or answers with
// something other than a step result.
var ErrRemoteStep = errors.New("remote step failed")

// ErrRemoteHostNotAllowed is returned for an executor_url outside
// RemoteConfig.AllowedHosts.
var ErrRemoteHostNotAllowed = errors.New("remote executor host not allowed")

type remoteRequest struct {
	Values codec.Value    `json:"values"`
	Input  codec.Value    `json:"input"`
	Config map[string]any `json:"config"`
}

type remoteResponse struct {
	Values json.RawMessage `json:"values"`
	Next   []string        `json:"next"`
}

// RemoteConfig controls the remote executor.
type RemoteConfig struct {
	// Timeout bounds each step call.
	Timeout time.Duration

	// AllowedHosts lists the hosts an executor_url may name, either as
	// "host" (any port) or "host:port". Empty disables remote assistants.
	AllowedHosts []string
}

// Remote posts each step to an HTTP endpoint.
type Remote struct {
	client *resty.Client
	url    string
}

// NewRemoteClient builds the HTTP client shared by remote executors.
func NewRemoteClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
}

// NewRemote creates a remote executor for url on an existing client.
func NewRemote(client *resty.Client, url string) *Remote {
	return &Remote{client: client, url: url}
}

// RemoteFactory builds Remote executors from assistant configs. Every
// executor it returns shares one client and its connection pool.
func RemoteFactory(cfg RemoteConfig) Factory {
	client := NewRemoteClient(cfg.Timeout)
	allowed := make(map[string]bool, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		allowed[strings.ToLower(h)] = true
	}

	return func(assistantConfig map[string]any) (Executor, error) {
		raw, _ := Configurable(assistantConfig)["executor_url"].(string)
		if raw == "" {
			return nil, fmt.Errorf("remote assistant: configurable.executor_url is required")
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("remote assistant: executor_url %q is not an http(s) URL", raw)
		}
		if !allowed[strings.ToLower(u.Host)] && !allowed[strings.ToLower(u.Hostname())] {
			return nil, fmt.Errorf("%w: %s", ErrRemoteHostNotAllowed, u.Host)
		}
		return NewRemote(client, u.String()), nil
	}
}

// Advance implements Executor.
func (r *Remote) Advance(ctx context.Context, prior codec.Value, input codec.Value, config map[string]any) (Result, error) {
	var out remoteResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(remoteRequest{Values: prior, Input: input, Config: config}).
		SetResult(&out).
		Post(r.url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("%w: %v", ErrRemoteStep, err)
	}
	if resp.IsError() {
		return Result{}, fmt.Errorf("%w: status %d", ErrRemoteStep, resp.StatusCode())
	}

	values, err := codec.Parse(out.Values)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRemoteStep, err)
	}
	next := out.Next
	if next == nil {
		next = []string{}
	}
	return Result{Values: values, Next: next}, nil
}
