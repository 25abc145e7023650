package ports

import (
	"context"
)

type ICEServer struct {
	URLs     []string `json:"urls"`
	Username string   `json:"username"`
	Password string   `json:"password"`
}

type SFUServer struct {
	EdgeName   string `json:"edge_name"`
	URL        string `json:"url"`
	WSEndpoint string `json:"ws_endpoint"`
}

type Credentials struct {
	Server     SFUServer   `json:"server"`
	Token      string      `json:"token"`
	ICEServers []ICEServer `json:"ice_servers"`
}

type JoinCallRequest struct {
	UserID       string
	CallType     string
	CallID       string
	Location     string
	Create       bool
	Ring         bool
	Notify       bool
	Video        bool
	ConnectionID string
}

type JoinCallResponse struct {
	Credentials Credentials    `json:"credentials"`
	Call        map[string]any `json:"call"`
	Members     []any          `json:"members"`
}

// CoordinatorAPI is the REST side of the coordinator.
type CoordinatorAPI interface {
	JoinCall(ctx context.Context, req *JoinCallRequest) (*JoinCallResponse, error)
}

// TokenService issues the JWTs accepted by the coordinator.
type TokenService interface {
	CreateToken(userID string) (string, error)
	CreateCallToken(userID string, callCIDs []string, role string) (string, error)
	ValidateToken(token string) (string, error)
}
