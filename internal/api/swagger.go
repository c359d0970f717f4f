package api

import (
	_ "embed"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openAPISpec []byte

// SpecHandler serves the OpenAPI document. {serverURL} is replaced with the
// base URL the request arrived on so "Try it out" hits this instance.
func SpecHandler(c echo.Context) error {
	spec := strings.ReplaceAll(string(openAPISpec), "{serverURL}", c.Scheme()+"://"+c.Request().Host)
	return c.Blob(http.StatusOK, "application/yaml", []byte(spec))
}

// SwaggerHandler serves a Swagger UI page for the OpenAPI document using the
// CDN-hosted assets.
func SwaggerHandler(c echo.Context) error {
	return c.HTML(http.StatusOK, strings.ReplaceAll(swaggerHTML, "${SPEC_URL}", "/openapi.yaml"))
}

// RegisterDocs mounts /openapi.yaml and /docs.
func RegisterDocs(router EchoRouter) {
	router.GET("/openapi.yaml", SpecHandler)
	router.GET("/docs", SwaggerHandler)
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>Taskflow API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function() {
    window.ui = SwaggerUIBundle({
      url: "${SPEC_URL}",
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout",
    });
  }
  </script>
</body>
</html>`
