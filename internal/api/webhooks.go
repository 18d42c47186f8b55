package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iteam1/reviewbot/internal/pipeline"
	"github.com/iteam1/reviewbot/internal/providers"
	"github.com/iteam1/reviewbot/internal/webhookutils"
)

// WebhookResponse is the JSON body returned for every webhook delivery.
type WebhookResponse struct {
	Status    string `json:"status"`
	Provider  string `json:"provider,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Step      string `json:"step,omitempty"`
	Error     string `json:"error,omitempty"`
	Findings  int    `json:"findings,omitempty"`
	CommentID int64  `json:"comment_id,omitempty"`
}

// handleWebhook verifies the delivery and runs the pipeline synchronously.
// The provider comes from the path, or from the headers on /webhooks.
func (s *Server) handleWebhook(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, WebhookResponse{Status: "rejected", Error: "payload too large"})
		}
		return c.JSON(http.StatusBadRequest, WebhookResponse{Status: "rejected", Error: "failed to read request body"})
	}
	headers := webhookutils.HeaderMap(req.Header)

	var (
		adapter providers.Adapter
		ok      bool
	)
	if name := c.Param("provider"); name != "" {
		adapter, ok = s.registry.Get(name)
	} else {
		adapter, ok = s.registry.Detect(headers)
	}
	if !ok {
		return c.JSON(http.StatusNotFound, WebhookResponse{Status: "rejected", Error: "unknown provider"})
	}

	if verify, found := s.verifiers[adapter.Name()]; found {
		if err := verify(headers, body); err != nil {
			s.logger.Warn().Err(err).Str("provider", adapter.Name()).Msg("webhook verification failed")
			return c.JSON(http.StatusUnauthorized, WebhookResponse{Status: "rejected", Provider: adapter.Name(), Error: err.Error()})
		}
	}

	// The provider may drop the connection before the run ends; the review
	// still completes within the run timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), s.runTimeout)
	defer cancel()

	res := s.runner.Run(ctx, adapter, headers, body)
	code, resp := toResponse(res)
	resp.Provider = adapter.Name()
	return c.JSON(code, resp)
}

func toResponse(res *pipeline.Result) (int, WebhookResponse) {
	resp := WebhookResponse{RunID: res.RunID, Findings: res.Findings}
	switch res.State {
	case pipeline.StatePosted:
		resp.Status = "posted"
		if res.Ref != nil {
			resp.CommentID = res.Ref.ID
		}
		return http.StatusOK, resp
	case pipeline.StateFormatted:
		resp.Status = "formatted"
		return http.StatusOK, resp
	case pipeline.StateIgnored:
		resp.Status = "ignored"
		resp.Reason = res.IgnoreReason
		return http.StatusOK, resp
	}

	resp.Status = "failed"
	resp.Step = string(res.FailedStep)
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	if errors.Is(res.Err, providers.ErrMalformedPayload) {
		return http.StatusBadRequest, resp
	}
	return http.StatusBadGateway, resp
}
