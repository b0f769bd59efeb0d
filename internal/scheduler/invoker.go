package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MimeLyc/mediacards/internal/errs"
	"github.com/MimeLyc/mediacards/internal/worker"
	"github.com/MimeLyc/mediacards/pkg/retry"
)

// Invoker is the call boundary between the driver and one worker run.
type Invoker interface {
	Invoke(ctx context.Context) (worker.RunResult, error)
}

type Runner interface {
	RunOnce(ctx context.Context) (worker.RunResult, error)
}

// LocalInvoker runs the worker in-process. A panic inside RunOnce is
// returned as an error so the driver's loop keeps going.
type LocalInvoker struct {
	Runner Runner
}

func (l LocalInvoker) Invoke(ctx context.Context) (worker.RunResult, error) {
	var res worker.RunResult
	err := errs.SafeExecute(func() error {
		var err error
		res, err = l.Runner.RunOnce(ctx)
		return err
	})
	return res, err
}

// HTTPInvoker calls POST /worker/pull on another instance.
type HTTPInvoker struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
}

func NewHTTPInvoker(baseURL, secret string, timeout time.Duration, policy retry.Policy) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPInvoker{
		url:    strings.TrimSuffix(baseURL, "/") + "/worker/pull",
		secret: secret,
		client: &http.Client{Timeout: timeout},
		policy: policy,
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context) (worker.RunResult, error) {
	return retry.Do(ctx, h.policy, h.pull)
}

func (h *HTTPInvoker) pull(ctx context.Context) (worker.RunResult, error) {
	var ret worker.RunResult
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, nil)
	if err != nil {
		return ret, retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+h.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return ret, fmt.Errorf("worker pull: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ret, fmt.Errorf("read worker response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("worker pull failed: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		// The worker may have claimed a job before a 5xx, but a retry only
		// claims the next one, so 5xx and 429 are safe to repeat.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return ret, err
		}
		return ret, retry.Permanent(err)
	}
	if err := json.Unmarshal(body, &ret); err != nil {
		return ret, retry.Permanent(fmt.Errorf("decode worker response: %w", err))
	}
	return ret, nil
}
