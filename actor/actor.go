// Package actor carries the id of the authenticated login that record hooks
// stamp onto rows, such as the creator of a role or the referrer of a new
// login. The id travels in a context.Context; when no one is authenticated it
// is None.
package actor

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// None is the actor id used when no one is authenticated.
const None int64 = 0

var (
	Issuer = "graphite"
)

type ctxKey int

const actorKey ctxKey = iota

// WithActor returns a copy of ctx that carries id as the current actor.
func WithActor(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, actorKey, id)
}

// FromContext returns the current actor in ctx, or None if there is none.
func FromContext(ctx context.Context) int64 {
	if ctx == nil {
		return None
	}
	id, ok := ctx.Value(actorKey).(int64)
	if !ok {
		return None
	}
	return id
}

// Issue creates a signed token naming id as the actor. It expires after ttl.
func Issue(secret []byte, id int64, ttl time.Duration) (string, error) {
	if id <= None {
		return "", fmt.Errorf("actor id must be positive")
	}

	claims := &jwt.MapClaims{
		"iss": Issuer,
		"exp": time.Now().Add(ttl).Unix(),
		"sub": strconv.FormatInt(id, 10),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)

	tokStr, err := tok.SignedString(secret)
	if err != nil {
		return "", err
	}
	return tokStr, nil
}

// FromToken validates tok and returns the actor it names.
func FromToken(tok string, secret []byte) (int64, error) {
	var id int64

	_, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
		subj, err := t.Claims.GetSubject()
		if err != nil {
			return nil, fmt.Errorf("cannot get subject: %w", err)
		}

		id, err = strconv.ParseInt(subj, 10, 64)
		if err != nil || id <= None {
			return nil, fmt.Errorf("subject is not an actor id")
		}

		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}), jwt.WithIssuer(Issuer), jwt.WithLeeway(time.Minute))

	if err != nil {
		return None, err
	}

	return id, nil
}

// BearerToken gets the token from the Authorization header of req.
func BearerToken(req *http.Request) (string, error) {
	authHeader := strings.TrimSpace(req.Header.Get("Authorization"))

	if authHeader == "" {
		return "", fmt.Errorf("no authorization header present")
	}

	authParts := strings.SplitN(authHeader, " ", 2)
	if len(authParts) != 2 {
		return "", fmt.Errorf("authorization header not in Bearer format")
	}

	scheme := strings.TrimSpace(strings.ToLower(authParts[0]))
	token := strings.TrimSpace(authParts[1])

	if scheme != "bearer" {
		return "", fmt.Errorf("authorization header not in Bearer format")
	}

	return token, nil
}

type mwFunc http.HandlerFunc

func (sf mwFunc) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sf(w, req)
}

// Middleware returns middleware that reads the actor from the bearer token of
// each request and adds it to the request context. If required is true,
// requests without a valid token get a 401 and are not passed on; otherwise
// they are passed on with no actor.
func Middleware(secret []byte, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mwFunc(func(w http.ResponseWriter, req *http.Request) {
			id := None

			tok, err := BearerToken(req)
			if err == nil {
				id, err = FromToken(tok, secret)
			}

			if err != nil && required {
				http.Error(w, "authorization is required", http.StatusUnauthorized)
				return
			}

			if id != None {
				req = req.WithContext(WithActor(req.Context(), id))
			}
			next.ServeHTTP(w, req)
		})
	}
}
