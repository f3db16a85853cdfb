// Package api provides the REST client for the upstream broker.
//
// The multiplexer only needs one endpoint from it: POST /oauth2/token, which
// exchanges an app key and secret for the access token carried in the feed's
// LOGIN frame.
//
// REST endpoints:
//   - Production: https://api.kiwoom.com
//   - Mock trading: https://mockapi.kiwoom.com
package api
