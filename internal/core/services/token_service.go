package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingUser  = errors.New("user_id is required")
)

// Claims is the payload of a coordinator user token.
type Claims struct {
	UserID   string   `json:"user_id"`
	CallCIDs []string `json:"call_cids,omitempty"`
	Role     string   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs user tokens with the API secret. A zero ttl issues
// tokens that never expire.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(apiSecret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(apiSecret), ttl: ttl, now: time.Now}
}

func (s *TokenService) CreateToken(userID string) (string, error) {
	return s.sign(userID, nil, "")
}

// CreateCallToken limits the token to callCIDs ("type:id") and grants role
// within them.
func (s *TokenService) CreateCallToken(userID string, callCIDs []string, role string) (string, error) {
	return s.sign(userID, callCIDs, role)
}

func (s *TokenService) sign(userID string, callCIDs []string, role string) (string, error) {
	if userID == "" {
		return "", ErrMissingUser
	}
	now := s.now()
	claims := &Claims{
		UserID:   userID,
		CallCIDs: callCIDs,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken checks the signature and expiry and returns the user id.
func (s *TokenService) ValidateToken(tokenString string) (string, error) {
	claims, err := s.Parse(tokenString)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func (s *TokenService) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
