// Package api embeds the OpenAPI description of the HTTP surface and a
// minimal single-page viewer for it.
package api

import _ "embed"

//go:embed openapi.yaml
var OpenAPISpec []byte

//go:embed docs.html
var DocsPage []byte
