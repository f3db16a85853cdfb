package api

import (
	"fmt"
	"time"
)

// expiresLayout is the layout of expires_dt.
const expiresLayout = "20060102150405"

// kst is the zone the broker reports expiry times in.
var kst = time.FixedZone("KST", 9*60*60)

// TokenRequest is the body of POST /oauth2/token.
type TokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

// TokenResponse from POST /oauth2/token.
type TokenResponse struct {
	Token      string `json:"token"`
	TokenType  string `json:"token_type"`
	ExpiresDT  string `json:"expires_dt"`
	ReturnCode int    `json:"return_code"`
	ReturnMsg  string `json:"return_msg"`
}

// Token is an issued access token.
type Token struct {
	Value     string
	Type      string
	ExpiresAt time.Time
}

// Valid reports whether the token is set and not expiring within margin.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	if t.Value == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(margin).Before(t.ExpiresAt)
}

// ParseExpiry parses an expires_dt value.
func ParseExpiry(s string) (time.Time, error) {
	t, err := time.ParseInLocation(expiresLayout, s, kst)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expires_dt %q: %w", s, err)
	}
	return t, nil
}
