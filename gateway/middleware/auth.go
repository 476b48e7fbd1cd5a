package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"tokensale/gateway/auth"
	"tokensale/observability"
	"tokensale/observability/logging"
)

type principalKey struct{}

// PrincipalFromContext returns the caller recovered by RequireSignature.
func PrincipalFromContext(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*auth.Principal)
	return p, ok && p != nil
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Authenticator adapts auth.Authenticator to chi middleware.
type Authenticator struct {
	verifier     *auth.Authenticator
	logger       *slog.Logger
	maxBodyBytes int64
}

func NewAuthenticator(verifier *auth.Authenticator, maxBodyBytes int64, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodyBytes <= 0 || maxBodyBytes > int64(auth.MaxBodyForSignature) {
		maxBodyBytes = int64(auth.MaxBodyForSignature)
	}
	return &Authenticator{verifier: verifier, logger: logger, maxBodyBytes: maxBodyBytes}
}

// RequireSignature recovers the caller from the request signature. The body
// is buffered for hashing and replaced so handlers can decode it again.
func (a *Authenticator) RequireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, a.maxBodyBytes+1))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
			return
		}
		if int64(len(body)) > a.maxBodyBytes {
			WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large", auth.ErrBodyTooLarge.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		principal, err := a.verifier.Authenticate(r, body)
		if err != nil {
			observability.Sale().RecordThrottle("auth")
			a.logger.Debug("request authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("requestid", RequestIDFromContext(r.Context())),
				logging.MaskHex("signature", r.Header.Get(auth.HeaderSignature)),
				logging.MaskHex("nonce", r.Header.Get(auth.HeaderNonce)),
				slog.Any("error", err),
			)
			status, code := http.StatusUnauthorized, "unauthenticated"
			switch {
			case errors.Is(err, auth.ErrNonceReplayed):
				status, code = http.StatusConflict, "nonce_replayed"
			case errors.Is(err, auth.ErrBodyTooLarge):
				status, code = http.StatusRequestEntityTooLarge, "body_too_large"
			}
			WriteError(w, status, code, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}
