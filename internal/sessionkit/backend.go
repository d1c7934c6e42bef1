package sessionkit

import "context"

// AuthBackend is the hosted auth service consumed by this layer. Identity
// values returned by its methods are owned by the caller; the backend emits
// replacement identities through OnAuthStateChange in delivery order.
type AuthBackend interface {
	SignUp(ctx context.Context, email string, password string, metadata map[string]string) (*Identity, error)
	SignInWithPassword(ctx context.Context, email string, password string) (*Identity, error)
	SignInWithIDToken(ctx context.Context, provider string, rawIDToken string) (*Identity, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*Identity, error)
	RefreshSession(ctx context.Context) (*Identity, error)
	ResendSignupConfirmation(ctx context.Context, email string) error
	ResetPasswordForEmail(ctx context.Context, email string) error
	UpdatePassword(ctx context.Context, newPassword string) error
	// AdminConfirmEmail is a privileged confirmation call that ordinary
	// tokens are expected to fail; callers treat it as best-effort.
	AdminConfirmEmail(ctx context.Context, email string) error
	// OnAuthStateChange registers a listener for identity replacement events
	// and returns an unsubscribe function.
	OnAuthStateChange(listener func(identity *Identity)) (unsubscribe func())
}

// MailMessage is the payload accepted by the email relay channel.
type MailMessage struct {
	To      string
	From    string
	Subject string
	Text    string
	HTML    string
}

// Mailer dispatches messages through the secondary email channel.
type Mailer interface {
	Send(ctx context.Context, message MailMessage) error
}
