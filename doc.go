// Package cdpmuxproxy is the module root. It holds only the embedded
// OpenAPI document the ProxyAPI serves at /spec.yaml and /spec.json; the
// actual proxy lives under internal/ and cmd/, mirroring the teacher's
// layout of a thin root package plus an internal core.
package cdpmuxproxy

import _ "embed"

//go:embed openapi.yaml
var OpenAPIYAML []byte
