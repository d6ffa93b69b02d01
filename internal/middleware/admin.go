package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

const bearerPrefix = "Bearer "

// AdminAuth returns a Huma middleware that only lets requests through when
// they carry token as a bearer credential. An empty token rejects everything.
func AdminAuth(api huma.API, token string) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if token != "" && validBearer(ctx.Header("Authorization"), token) {
			next(ctx)

			return
		}

		ctx.SetHeader("WWW-Authenticate", `Bearer realm="admin"`)
		_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "admin credentials required")
	}
}

func validBearer(header, token string) bool {
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return false
	}

	got := strings.TrimSpace(header[len(bearerPrefix):])

	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
