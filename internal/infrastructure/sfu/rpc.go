package sfu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"streamrtc/internal/core/ports"
	apperrors "streamrtc/pkg/errors"
	"streamrtc/pkg/tracing"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const (
	MethodSetPublisher        = "SetPublisher"
	MethodUpdateSubscriptions = "UpdateSubscriptions"
	MethodSendStats           = "SendStats"
	MethodSendAnswer          = "SendAnswer"
	MethodIceTrickle          = "IceTrickle"
	MethodIceRestart          = "IceRestart"

	servicePath = "/twirp/stream.video.sfu.signal.SignalServer/"
)

type RPCConfig struct {
	Timeout   time.Duration
	RateLimit float64 // requests per second, <= 0 disables
	Burst     int
}

func DefaultRPCConfig() RPCConfig {
	return RPCConfig{Timeout: 10 * time.Second, RateLimit: 20, Burst: 10}
}

// RPCClient calls the SFU signal server over Twirp with protobuf bodies.
type RPCClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	metrics ports.Metrics
}

var _ ports.SignalClient = (*RPCClient)(nil)

// NewRPCClient targets baseURL (the SFU url from the join credentials) and
// authenticates with the SFU token.
func NewRPCClient(baseURL, token string, cfg RPCConfig, metrics ports.Metrics) *RPCClient {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &RPCClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		metrics: metrics,
	}
}

func (c *RPCClient) SetPublisher(ctx context.Context, req *ports.SetPublisherRequest) (*ports.SetPublisherResponse, error) {
	resp, err := c.call(ctx, MethodSetPublisher, req.SessionID, marshalSetPublisher(req))
	if err != nil {
		return nil, err
	}
	return &ports.SetPublisherResponse{SDP: resp.SDP, SessionID: resp.SessionID, ICERestart: resp.ICERestart}, nil
}

func (c *RPCClient) UpdateSubscriptions(ctx context.Context, req *ports.UpdateSubscriptionsRequest) error {
	_, err := c.call(ctx, MethodUpdateSubscriptions, req.SessionID, marshalUpdateSubscriptions(req))
	return err
}

func (c *RPCClient) SendStats(ctx context.Context, req *ports.SendStatsRequest) error {
	_, err := c.call(ctx, MethodSendStats, req.SessionID, marshalSendStats(req))
	return err
}

func (c *RPCClient) SendAnswer(ctx context.Context, req *ports.SendAnswerRequest) error {
	_, err := c.call(ctx, MethodSendAnswer, req.SessionID, marshalSendAnswer(req))
	return err
}

func (c *RPCClient) IceTrickle(ctx context.Context, req *ports.ICETrickleRequest) error {
	_, err := c.call(ctx, MethodIceTrickle, req.SessionID, marshalICETrickle(req))
	return err
}

func (c *RPCClient) IceRestart(ctx context.Context, req *ports.ICERestartRequest) error {
	_, err := c.call(ctx, MethodIceRestart, req.SessionID, marshalICERestart(req))
	return err
}

// twirpError is the JSON body Twirp returns with non-200 statuses.
type twirpError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (c *RPCClient) call(ctx context.Context, method, sessionID string, body []byte) (resp *response, err error) {
	ctx, span := tracing.TraceRPC(ctx, method, sessionID)
	start := time.Now()
	defer func() {
		c.metrics.RecordRPC(method, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperrors.NewTransportError(method+" rate limited", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+servicePath+method, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewTransportError("failed to build "+method+" request", err)
	}
	httpReq.Header.Set("Content-Type", "application/protobuf")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewTransportError(method+" request failed", err)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperrors.NewTransportError("failed to read "+method+" response", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		var te twirpError
		if json.Unmarshal(payload, &te) == nil && te.Msg != "" {
			return nil, apperrors.NewTransportError(fmt.Sprintf("%s: %s: %s", method, te.Code, te.Msg), nil)
		}
		return nil, apperrors.NewTransportError(fmt.Sprintf("%s: unexpected status %d", method, httpResp.StatusCode), nil)
	}

	resp, err = unmarshalResponse(method, payload)
	if err != nil {
		return nil, apperrors.NewSignalingError("invalid "+method+" response", err)
	}
	span.SetAttributes(tracing.RPCErrorKey.Bool(resp.Error != nil && resp.Error.Code != 0))
	if resp.Error != nil && resp.Error.Code != 0 {
		span.SetAttributes(
			tracing.RPCErrorCodeKey.Int(int(resp.Error.Code)),
			tracing.RPCErrorMsgKey.String(resp.Error.Message),
		)
		return nil, &apperrors.RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp, nil
}
