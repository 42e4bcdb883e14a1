package httpserver

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	authorizationHeader   = "Authorization"
	bearerPrefix          = "Bearer "
	callerContextKey      = "auth_caller"
	errorCodeUnauthorized = "unauthorized"
)

// CallerClaims identifies the service account presenting a bearer token.
type CallerClaims struct {
	CallerID string `json:"caller_id"`
	jwt.RegisteredClaims
}

// bearerAuth rejects requests without a valid HS256 bearer token.
func bearerAuth(signingKey string, issuer string) gin.HandlerFunc {
	keyFunc := func(*jwt.Token) (any, error) {
		return []byte(signingKey), nil
	}
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(issuer))
	}
	return func(ctx *gin.Context) {
		header := ctx.GetHeader(authorizationHeader)
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(header, bearerPrefix)
		claims := &CallerClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, keyFunc, parserOptions...)
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid bearer token"))
			return
		}
		ctx.Set(callerContextKey, claims)
		ctx.Next()
	}
}
