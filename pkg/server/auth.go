package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"

	"github.com/helioplan/helioplan/pkg/log"
)

// tokenVerifier is a function that validates a Google ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// authenticator guards mutating endpoints with Google ID tokens. A home
// deployment usually runs without it (no audience configured = open), a
// cloud-exposed one verifies the bearer token and its email.
type authenticator struct {
	verifier      tokenVerifier
	allowedEmails []string
}

// configuredAuthenticator registers the auth flags and builds the verifier.
func configuredAuthenticator() *authenticator {
	a := &authenticator{}
	audience := lflag.String("oidc-audience", "", "Google OIDC audience/client ID for settings updates (empty disables auth)")
	emails := lflag.String("settings-emails", "", "comma-delimited list of email addresses allowed to update settings")

	lflag.Do(func() {
		if *emails != "" {
			a.allowedEmails = strings.Split(*emails, ",")
			for i, email := range a.allowedEmails {
				a.allowedEmails[i] = strings.TrimSpace(email)
			}
		}
		if *audience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			a.verifier = provider.Verifier(&oidc.Config{ClientID: *audience}).Verify
		}
	})
	return a
}

// require wraps a handler with token verification when auth is configured.
func (a *authenticator) require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.verifier == nil {
			next(w, r)
			return
		}

		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(raw, "Bearer ") {
			writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token, err := a.verifier(r.Context(), strings.TrimPrefix(raw, "Bearer "))
		if err != nil {
			log.Ctx(r.Context()).WarnContext(r.Context(), "token verification failed", slog.Any("error", err))
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		if len(a.allowedEmails) > 0 {
			var claims struct {
				Email         string `json:"email"`
				EmailVerified bool   `json:"email_verified"`
			}
			if err := token.Claims(&claims); err != nil || !claims.EmailVerified || !a.emailAllowed(claims.Email) {
				writeJSONError(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

func (a *authenticator) emailAllowed(email string) bool {
	for _, allowed := range a.allowedEmails {
		if email == allowed {
			return true
		}
	}
	return false
}
