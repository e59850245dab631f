package models

import "golang.org/x/oauth2"

// Authorization pairs an API key with an optional, already issued bearer
// token. The token is volatile: it is replaced whenever the service rejects
// it and must never be assumed valid forever.
type Authorization struct {
	APIKey string
	Token  *oauth2.Token
}

func NewAuthorization(apiKey string) *Authorization {
	return &Authorization{APIKey: apiKey}
}
