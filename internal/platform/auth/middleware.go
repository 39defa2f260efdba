package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	SessionKey   contextKey = "session"
)

const (
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
)

// SessionMiddleware resolves the bearer token to a live session and places it
// on the request. The session's agency is exposed to the agency middleware.
func SessionMiddleware(mgr *SessionManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if IsPublicPath(c.Path()) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			sess, err := mgr.Resolve(parts[1])
			if err != nil {
				if errors.Is(err, ErrSessionExpired) {
					return echo.NewHTTPError(http.StatusUnauthorized, "session expired")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid session")
			}

			setSession(c, sess)
			return next(c)
		}
	}
}

// DevAuthMiddleware grants a fixed reviewer session to requests without an
// Authorization header. Requests that do carry a token are resolved normally
// when mgr is set.
func DevAuthMiddleware(mgr *SessionManager, agencyID string) echo.MiddlewareFunc {
	strict := func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	if mgr != nil {
		strict = SessionMiddleware(mgr)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		withToken := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return withToken(c)
			}
			now := time.Now()
			setSession(c, &Session{
				ID:        "dev-session",
				UserID:    "dev-reviewer",
				Username:  "dev-reviewer",
				AgencyID:  agencyID,
				Roles:     []string{RoleReviewer, RoleAdmin},
				CreatedAt: now,
				ExpiresAt: now.Add(24 * time.Hour),
			})
			return next(c)
		}
	}
}

func setSession(c echo.Context, sess *Session) {
	c.Set("session_agency_id", sess.AgencyID)
	c.Set("user_id", sess.UserID)

	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, SessionKey, sess)
	ctx = context.WithValue(ctx, UserIDKey, sess.UserID)
	ctx = context.WithValue(ctx, UserRolesKey, sess.Roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(SessionKey).(*Session)
	return sess
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
