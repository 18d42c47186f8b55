package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/internal/retry"
)

// ErrCallFailed is returned when an LLM call did not succeed within the retry
// budget.
var ErrCallFailed = errors.New("llm call failed")

// LLMClient defines the interface for LLM clients
type LLMClient interface {
	GenerateResponse(ctx context.Context, prompt string) (string, error)
}

// modelNamer is implemented by clients that know which model they call.
type modelNamer interface {
	Model() string
}

// ResilientClient wraps an LLM client with retries, a per-call timeout and
// run-scoped logging.
type ResilientClient struct {
	client      LLMClient
	retryConfig retry.RetryConfig
	callTimeout time.Duration

	mu    sync.Mutex
	stats Stats
}

// Stats aggregates every call made through a ResilientClient.
type Stats struct {
	Calls       int
	Successful  int
	Retries     int
	JSONRepairs int
	TotalTime   time.Duration
}

// Request is one prompt with its run context.
type Request struct {
	// BatchID labels the prompt in logs, e.g. "chunk-2" or "summary".
	BatchID string
	Prompt  string
	Logger  *logging.RunLogger
}

// Response describes a completed call.
type Response struct {
	Text         string
	Attempts     int
	Duration     time.Duration
	RepairStats  *RepairStats
	RetryReasons []string
}

// unparseableError marks an answer that could not be decoded. Another attempt
// may produce a usable answer, so it is retried whatever config.Retryable
// says about other errors.
type unparseableError struct{ err error }

func (e *unparseableError) Error() string { return e.err.Error() }
func (e *unparseableError) Unwrap() error { return e.err }

// NewResilientClient creates a new resilient LLM client wrapper. A zero
// callTimeout means attempts are bounded only by ctx.
func NewResilientClient(client LLMClient, config retry.RetryConfig, callTimeout time.Duration) *ResilientClient {
	if base := config.Retryable; base != nil {
		config.Retryable = func(err error) bool {
			var ue *unparseableError
			return errors.As(err, &ue) || base(err)
		}
	}
	return &ResilientClient{
		client:      client,
		retryConfig: config,
		callTimeout: callTimeout,
	}
}

// NewResilientClientWithDefaults uses retry.LLMRetryConfig and a two minute
// call timeout.
func NewResilientClientWithDefaults(client LLMClient) *ResilientClient {
	return NewResilientClient(client, retry.LLMRetryConfig(), 2*time.Minute)
}

// Generate returns the raw text of the model's answer.
func (rc *ResilientClient) Generate(ctx context.Context, req Request) (*Response, error) {
	return rc.do(ctx, req, nil)
}

// GenerateJSON decodes the model's answer into target. Extraction, repair
// and decoding happen inside the retry loop, so an unparseable answer is
// retried like a transport failure.
func (rc *ResilientClient) GenerateJSON(ctx context.Context, req Request, target interface{}) (*Response, error) {
	var stats RepairStats
	resp, err := rc.do(ctx, req, func(text string) error {
		s, err := ParseResponse(text, target)
		stats = s
		return err
	})
	if resp != nil && stats.WasRepaired {
		resp.RepairStats = &stats
		rc.record(func(s *Stats) { s.JSONRepairs++ })
		req.Logger.Log("JSON repair applied for %s: %v (%d -> %d bytes)",
			req.BatchID, stats.Strategies, stats.OriginalBytes, stats.RepairedBytes)
	}
	return resp, err
}

func (rc *ResilientClient) do(ctx context.Context, req Request, parse func(string) error) (*Response, error) {
	req.Logger.LogRequest(req.BatchID, rc.modelName(), req.Prompt)

	var text string
	result := retry.RetryWithBackoffAndReason(ctx, rc.retryConfig, func() (error, string) {
		callCtx, cancel := rc.attemptContext(ctx)
		defer cancel()

		out, err := rc.client.GenerateResponse(callCtx, req.Prompt)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("call timed out after %v: %w", rc.callTimeout, err), "timeout"
			}
			return err, err.Error()
		}
		req.Logger.LogResponse(req.BatchID, out)

		if parse != nil {
			if err := parse(out); err != nil {
				return &unparseableError{err: err}, "json_processing_failed"
			}
		}
		text = out
		return nil, "success"
	}, req.Logger)

	rc.record(func(s *Stats) {
		s.Calls++
		s.Retries += result.Attempts - 1
		s.TotalTime += result.TotalDuration
		if result.Success {
			s.Successful++
		}
	})

	resp := &Response{
		Text:         text,
		Attempts:     result.Attempts,
		Duration:     result.TotalDuration,
		RetryReasons: result.RetryReasons,
	}
	if !result.Success {
		req.Logger.LogError(fmt.Sprintf("LLM call %s", req.BatchID), result.LastError)
		return resp, fmt.Errorf("%w: %s after %d attempts: %w", ErrCallFailed, req.BatchID, result.Attempts, result.LastError)
	}
	return resp, nil
}

func (rc *ResilientClient) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if rc.callTimeout > 0 {
		return context.WithTimeout(ctx, rc.callTimeout)
	}
	return context.WithCancel(ctx)
}

func (rc *ResilientClient) record(fn func(*Stats)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	fn(&rc.stats)
}

func (rc *ResilientClient) modelName() string {
	if n, ok := rc.client.(modelNamer); ok {
		return n.Model()
	}
	return "unknown"
}

// Stats returns a snapshot of the call statistics.
func (rc *ResilientClient) Stats() Stats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stats
}

// GetRetryConfig returns the current retry configuration
func (rc *ResilientClient) GetRetryConfig() retry.RetryConfig {
	return rc.retryConfig
}
