package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// BearerToken requires "Authorization: Bearer <token>" on every request
// whose path does not start with one of the public prefixes.
func BearerToken(token string, public ...string) echo.MiddlewareFunc {
	return echomw.KeyAuthWithConfig(echomw.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			for _, p := range public {
				if strings.HasPrefix(path, p) {
					return true
				}
			}
			return false
		},
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
	})
}
