package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey      contextKey = "user_id"
	UserNameKey    contextKey = "user_name"
	UserRolesKey   contextKey = "user_roles"
	FacilityIDsKey contextKey = "facility_ids"
)

// Claims carried by bearer tokens. Subject is the actor id.
type Claims struct {
	jwt.RegisteredClaims
	Name        string   `json:"name"`
	Roles       []string `json:"roles"`
	FacilityIDs []string `json:"facility_ids"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// Principal is the authenticated caller as seen by handlers.
type Principal struct {
	ActorID     string
	Name        string
	Roles       []string
	FacilityIDs []string
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, p.ActorID)
	ctx = context.WithValue(ctx, UserNameKey, p.Name)
	ctx = context.WithValue(ctx, UserRolesKey, p.Roles)
	ctx = context.WithValue(ctx, FacilityIDsKey, p.FacilityIDs)
	return ctx
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := bearerToken(c.Request())
			if err != nil {
				return err
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := WithPrincipal(c.Request().Context(), Principal{
				ActorID:     claims.Subject,
				Name:        claims.Name,
				Roles:       claims.Roles,
				FacilityIDs: claims.FacilityIDs,
			})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(token), nil
}

// DevAuthMiddleware is for local development only. Requests carrying a bearer
// token are validated with jwtCfg; otherwise the X-Actor-ID, X-Actor-Roles and
// X-Facility-ID headers pick the caller, defaulting to an admin.
func DevAuthMiddleware(jwtCfg JWTConfig) echo.MiddlewareFunc {
	jwtMW := JWTMiddleware(jwtCfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		withToken := jwtMW(next)
		return func(c echo.Context) error {
			req := c.Request()
			if req.Header.Get("Authorization") != "" && len(jwtCfg.SigningKey) > 0 {
				return withToken(c)
			}

			p := Principal{ActorID: "dev-user", Name: "Developer", Roles: []string{"admin"}}
			if id := req.Header.Get("X-Actor-ID"); id != "" {
				p.ActorID = id
			}
			if roles := req.Header.Get("X-Actor-Roles"); roles != "" {
				p.Roles = splitHeader(roles)
			}
			if fac := req.Header.Get("X-Facility-ID"); fac != "" {
				p.FacilityIDs = splitHeader(fac)
			}
			c.SetRequest(req.WithContext(WithPrincipal(req.Context(), p)))
			return next(c)
		}
	}
}

func splitHeader(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func NameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(UserNameKey).(string)
	return name
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func FacilityIDsFromContext(ctx context.Context) []string {
	ids, _ := ctx.Value(FacilityIDsKey).([]string)
	return ids
}
