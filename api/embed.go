// Package api embeds the OpenAPI specification for serving at runtime.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.0 JSON specification.
//
//go:embed openapi.json
var OpenAPISpec []byte
