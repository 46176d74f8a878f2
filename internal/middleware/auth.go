package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kernelmcp/toolkernel/internal/kernel"
)

// Claims is the minimal shape this middleware expects on top of the
// registered jwt.RegisteredClaims. Hosts embedding extra claims can
// still read them off the parsed token via KeyFunc closures; this
// struct only carries what RequireAuth itself derives onto the
// execution context.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// ExtractBearer pulls the raw bearer token string out of whatever the
// transport stashed in ExecContext.Base. Transports populate Base with
// the token as-is (the kernel never interprets credentials itself);
// hosts may swap this for their own extraction shape.
type ExtractBearer func(base any) (string, bool)

// RequireAuth builds a middleware that parses and verifies a JWT found
// via extract, and derives "auth.subject" and "auth.role" onto the
// execution context for downstream guards/handlers. keyFunc follows
// the jwt-go convention (inspect the unverified token to pick a key,
// e.g. by kid).
func RequireAuth(keyFunc jwt.Keyfunc, extract ExtractBearer) kernel.Middleware {
	return func(ctx context.Context, ec *kernel.ExecContext, args map[string]any, next kernel.Next) (any, error) {
		raw, ok := extract(ec.Base)
		if !ok || raw == "" {
			return authError("missing bearer token"), nil
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, keyFunc)
		if err != nil || !token.Valid {
			msg := "invalid token"
			if err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = "token expired"
				}
			}
			return authError(msg), nil
		}

		subject, err := claims.GetSubject()
		if err != nil || subject == "" {
			return authError("token missing subject"), nil
		}

		ec.Derive("auth.subject", subject)
		ec.Derive("auth.role", claims.Role)
		return next()
	}
}

func authError(detail string) kernel.WireResponse {
	return kernel.NewError("unauthorized", fmt.Sprintf("authentication failed: %s", detail)).
		Severity(kernel.SeverityError).
		Suggestion("Supply a valid bearer token and retry.").
		Build()
}
