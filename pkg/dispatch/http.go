package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// HTTPDispatcher forwards step actions to the action service over HTTP. The
// service owns the side effects; this client only classifies the outcome.
type HTTPDispatcher struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPDispatcher creates a dispatcher posting to the given endpoint.
func NewHTTPDispatcher(endpoint string, logger *slog.Logger) *HTTPDispatcher {
	return &HTTPDispatcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   logger.With("module", "http_dispatcher"),
	}
}

type dispatchRequest struct {
	ActionType    string         `json:"action_type"`
	Configuration map[string]any `json:"configuration"`
	TenantID      string         `json:"tenant_id"`
	ExecutionID   string         `json:"execution_id"`
	WorkflowID    string         `json:"workflow_id"`
	SubjectID     string         `json:"subject_id"`
	Subject       map[string]any `json:"subject,omitempty"`
	Event         map[string]any `json:"event,omitempty"`
}

type dispatchResponse struct {
	ResponseData map[string]any `json:"response_data,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, actionType string, config map[string]any, dctx Context) (*Result, error) {
	payload, err := json.Marshal(dispatchRequest{
		ActionType:    actionType,
		Configuration: config,
		TenantID:      dctx.TenantID,
		ExecutionID:   dctx.ExecutionID,
		WorkflowID:    dctx.WorkflowID,
		SubjectID:     dctx.SubjectID,
		Subject:       dctx.Subject,
		Event:         dctx.Event,
	})
	if err != nil {
		return nil, NewPermanent("marshal", "failed to encode dispatch request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, NewPermanent("request", "failed to build dispatch request", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, NewTransient("network", "action service unreachable", err)
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewTransient("read", "failed to read action service response", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		// 429 means the provider is saturated, not misconfigured.
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, NewTransient("rate_limited", "action service rate limited", nil)
		}

		return nil, FromStatusCode(resp.StatusCode, fmt.Sprintf("action %s rejected: %s", actionType, string(body)))
	}

	var decoded dispatchResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil {
			d.logger.WarnContext(ctx, "Action service returned a non-JSON body",
				"action_type", actionType, "status", resp.StatusCode)

			return &Result{}, nil
		}
	}

	return &Result{ResponseData: decoded.ResponseData}, nil
}
