package ports

import (
	"context"

	"streamrtc/internal/core/domain"
)

type SetPublisherRequest struct {
	SessionID string
	SDP       string
	Tracks    []domain.TrackInfo
}

type SetPublisherResponse struct {
	SDP        string
	SessionID  string
	ICERestart bool
}

type UpdateSubscriptionsRequest struct {
	SessionID string
	Tracks    []domain.SubscribedTrackDetail
}

type SendStatsRequest struct {
	SessionID       string
	SDK             string
	SDKVersion      string
	WebRTCVersion   string
	PublisherStats  string
	SubscriberStats string
	RTCStats        string
	EncodeStats     []domain.PerformanceStats
	DecodeStats     []domain.PerformanceStats
}

type SendAnswerRequest struct {
	PeerType  domain.PeerType
	SDP       string
	SessionID string
}

type ICETrickleRequest struct {
	PeerType     domain.PeerType
	IceCandidate string
	SessionID    string
}

type ICERestartRequest struct {
	SessionID string
	PeerType  domain.PeerType
}

// SignalClient is the request/response side of the SFU signaling protocol.
// A non-zero error code in a response is returned as *errors.RPCError.
type SignalClient interface {
	SetPublisher(ctx context.Context, req *SetPublisherRequest) (*SetPublisherResponse, error)
	UpdateSubscriptions(ctx context.Context, req *UpdateSubscriptionsRequest) error
	SendStats(ctx context.Context, req *SendStatsRequest) error
	SendAnswer(ctx context.Context, req *SendAnswerRequest) error
	IceTrickle(ctx context.Context, req *ICETrickleRequest) error
	IceRestart(ctx context.Context, req *ICERestartRequest) error
}

// Session is the current SFU session: its id and the RPC client bound to it.
// Both change when the connection rejoins or migrates.
type Session interface {
	SessionID() string
	SignalClient() SignalClient
}
