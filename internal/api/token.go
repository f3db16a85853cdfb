package api

import (
	"context"
	"fmt"
	"net/http"
)

const tokenPath = "/oauth2/token"

// IssueToken requests a new access token with the client credentials.
func (c *Client) IssueToken(ctx context.Context) (Token, error) {
	if c.appKey == "" || c.secretKey == "" {
		return Token{}, fmt.Errorf("issue token: app key and secret key are required")
	}

	req := TokenRequest{
		GrantType: "client_credentials",
		AppKey:    c.appKey,
		SecretKey: c.secretKey,
	}

	var resp TokenResponse
	if err := c.post(ctx, tokenPath, req, &resp); err != nil {
		return Token{}, fmt.Errorf("issue token: %w", err)
	}

	if resp.ReturnCode != 0 {
		return Token{}, fmt.Errorf("issue token: %w", &APIError{
			StatusCode: http.StatusOK,
			ReturnCode: resp.ReturnCode,
			Message:    resp.ReturnMsg,
		})
	}
	if resp.Token == "" {
		return Token{}, fmt.Errorf("issue token: empty token in response")
	}

	tok := Token{Value: resp.Token, Type: resp.TokenType}
	if resp.ExpiresDT != "" {
		exp, err := ParseExpiry(resp.ExpiresDT)
		if err != nil {
			return Token{}, fmt.Errorf("issue token: %w", err)
		}
		tok.ExpiresAt = exp
	}

	c.logger.Info("issued access token", "expires_at", tok.ExpiresAt)
	return tok, nil
}
