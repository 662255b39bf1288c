package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are the claims of a locally minted access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
}

// mintAccessToken signs a local access token. Every token carries a fresh
// jti, so two tokens minted in the same second for the same grant differ.
func (s *Server) mintAccessToken(clientID, userID, companyID, scope string, issuedAt, expiresAt time.Time) (string, error) {
	subject := userID
	if subject == "" {
		subject = clientID
	}
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Config.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{s.Config.ResourceIdentifier},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		ClientID:  clientID,
		Scope:     scope,
		CompanyID: companyID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Config.SigningKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken verifies signature, issuer, audience and expiry of a
// local access token.
func (s *Server) ParseAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.Config.SigningKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.Config.Issuer),
		jwt.WithAudience(s.Config.ResourceIdentifier),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(seconds(s.Config.ClockSkewGracePeriod)),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
