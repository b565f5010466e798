package policy

import "embed"

const catalogSchemaFile = "schema/catalog.schema.json"

//go:embed schema/*.json
var catalogSchemaFS embed.FS
