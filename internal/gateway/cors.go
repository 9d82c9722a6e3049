package gateway

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// IsPreflight reports whether req is a CORS preflight request.
func IsPreflight(req *http.Request) bool {
	return req.Method == http.MethodOptions &&
		req.Header.Get(echo.HeaderOrigin) != "" &&
		req.Header.Get(echo.HeaderAccessControlRequestMethod) != ""
}

// CORS splits one CORS policy into two middlewares. outer decorates ordinary
// responses, rejections included, and belongs ahead of the pipeline. inner
// answers preflights and is passed to Mount, so preflights are rate limited
// and recorded like any other request.
func CORS(cfg echomw.CORSConfig) (outer, inner echo.MiddlewareFunc) {
	outerCfg, innerCfg := cfg, cfg
	outerCfg.Skipper = func(c echo.Context) bool { return IsPreflight(c.Request()) }
	innerCfg.Skipper = func(c echo.Context) bool { return !IsPreflight(c.Request()) }
	return echomw.CORSWithConfig(outerCfg), echomw.CORSWithConfig(innerCfg)
}
