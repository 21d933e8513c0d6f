package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTicketTTL is the websocket ticket lifetime when none is
// configured. Tickets only need to survive the gap between the ticket
// request and the websocket dial.
const DefaultTicketTTL = 60 * time.Second

// ticketPurpose pins tickets to the websocket endpoint so a leaked ticket
// cannot be replayed anywhere else.
const ticketPurpose = "ws"

// ErrTicketInvalid is returned for tickets that fail signature, expiry or
// purpose checks.
var ErrTicketInvalid = errors.New("invalid ticket")

// TicketClaims are the JWT claims carried by a websocket ticket. Subject
// holds the name of the API credential that requested it.
type TicketClaims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
}

// MintTicket signs a short-lived websocket ticket for the named API
// credential. A non-positive TTL falls back to DefaultTicketTTL.
func MintTicket(secret, tokenName string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}

	now := time.Now()
	claims := TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tokenName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Purpose: ticketPurpose,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing ticket: %w", err)
	}
	return signed, nil
}

// VerifyTicket validates a ticket's signature, expiry and purpose,
// returning its claims.
func VerifyTicket(tokenString, secret string) (*TicketClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TicketClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTicketInvalid, err)
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid {
		return nil, ErrTicketInvalid
	}

	if claims.Purpose != ticketPurpose {
		return nil, fmt.Errorf("%w: wrong purpose", ErrTicketInvalid)
	}

	return claims, nil
}
