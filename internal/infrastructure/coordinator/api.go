package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"streamrtc/internal/core/ports"
	apperrors "streamrtc/pkg/errors"
	"streamrtc/pkg/retry"
	"streamrtc/pkg/tracing"

	"go.uber.org/zap"
)

const DefaultBaseURL = "https://video.stream-io-api.com"

type APIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   retry.Config
}

func DefaultAPIConfig() APIConfig {
	return APIConfig{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
		Retry:   retry.DefaultConfig(),
	}
}

// API is the REST client of the coordinator.
type API struct {
	config APIConfig
	tokens ports.TokenService
	http   *http.Client
	logger *zap.SugaredLogger
}

var _ ports.CoordinatorAPI = (*API)(nil)

func NewAPI(config APIConfig, tokens ports.TokenService, logger *zap.SugaredLogger) *API {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	return &API{
		config: config,
		tokens: tokens,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

type joinCallBody struct {
	Location     string `json:"location"`
	Create       bool   `json:"create"`
	Ring         bool   `json:"ring,omitempty"`
	Notify       bool   `json:"notify,omitempty"`
	Video        bool   `json:"video,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
}

type apiError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"StatusCode"`
}

// JoinCall asks the coordinator for SFU credentials. Server errors are
// retried; client errors are returned as is.
func (a *API) JoinCall(ctx context.Context, req *ports.JoinCallRequest) (_ *ports.JoinCallResponse, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.join_call")
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()
	tracing.AddSpanAttributes(ctx, tracing.CallCIDKey.String(req.CallType+":"+req.CallID))

	token, err := a.tokens.CreateToken(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}

	body, err := json.Marshal(joinCallBody{
		Location:     req.Location,
		Create:       req.Create,
		Ring:         req.Ring,
		Notify:       req.Notify,
		Video:        req.Video,
		ConnectionID: req.ConnectionID,
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/v2/video/call/%s/%s/join?api_key=%s",
		strings.TrimSuffix(a.config.BaseURL, "/"),
		url.PathEscape(req.CallType), url.PathEscape(req.CallID), url.QueryEscape(a.config.APIKey))

	return retry.RetryWithResult(ctx, a.config.Retry, func() (*ports.JoinCallResponse, error) {
		resp, err := a.post(ctx, endpoint, token, body)
		if err != nil {
			a.logger.Warnw("join call request failed", "call_type", req.CallType, "call_id", req.CallID, "error", err)
		}
		return resp, err
	})
}

func (a *API) post(ctx context.Context, endpoint, token string, body []byte) (*ports.JoinCallResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", token)
	httpReq.Header.Set("stream-auth-type", "jwt")

	httpResp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewTransportError("join call request failed", err)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperrors.NewTransportError("failed to read join call response", err)
	}

	if httpResp.StatusCode >= 300 {
		var ae apiError
		_ = json.Unmarshal(payload, &ae)
		msg := ae.Message
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		err := apperrors.NewTransportError(fmt.Sprintf("join call: status %d: %s", httpResp.StatusCode, msg), nil).
			WithContext("status", httpResp.StatusCode)
		if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
			return nil, retry.Permanent(apperrors.NewAuthError(msg))
		}
		if httpResp.StatusCode < 500 && httpResp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var out ports.JoinCallResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("invalid join call response: %w", err))
	}
	return &out, nil
}
