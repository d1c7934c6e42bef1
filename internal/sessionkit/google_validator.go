package sessionkit

import (
	"context"
	"fmt"

	"google.golang.org/api/idtoken"
)

// GoogleClaims are the identity claims extracted from a validated Google ID
// token.
type GoogleClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
}

// GoogleTokenValidator validates raw Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, rawIDToken string) (*GoogleClaims, error)
}

type googleTokenValidator struct {
	validator *idtoken.Validator
	audience  string
}

// NewGoogleTokenValidator constructs a validator bound to the given OAuth
// client audience.
func NewGoogleTokenValidator(ctx context.Context, audience string) (GoogleTokenValidator, error) {
	validator, validatorErr := idtoken.NewValidator(ctx)
	if validatorErr != nil {
		return nil, fmt.Errorf("google.validator_init: %w", validatorErr)
	}
	return &googleTokenValidator{validator: validator, audience: audience}, nil
}

// Validate checks the token signature and audience, then extracts claims.
func (validator *googleTokenValidator) Validate(ctx context.Context, rawIDToken string) (*GoogleClaims, error) {
	payload, validateErr := validator.validator.Validate(ctx, rawIDToken, validator.audience)
	if validateErr != nil {
		return nil, fmt.Errorf("google.validate: %w", ErrInvalidGoogleToken)
	}
	return claimsFromPayload(payload)
}

func claimsFromPayload(payload *idtoken.Payload) (*GoogleClaims, error) {
	if payload == nil {
		return nil, fmt.Errorf("google.validate: %w", ErrInvalidGoogleToken)
	}
	issuerValue, okIssuer := payload.Claims["iss"].(string)
	if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
		return nil, fmt.Errorf("google.validate: %w", ErrInvalidGoogleIssuer)
	}
	subject, _ := payload.Claims["sub"].(string)
	email, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	displayName, _ := payload.Claims["name"].(string)
	avatarURL, _ := payload.Claims["picture"].(string)

	if subject == "" || email == "" || !emailVerified {
		return nil, fmt.Errorf("google.validate: %w", ErrUnverifiedGoogleIdentity)
	}
	return &GoogleClaims{
		Subject:       subject,
		Email:         email,
		EmailVerified: emailVerified,
		DisplayName:   displayName,
		AvatarURL:     avatarURL,
	}, nil
}
