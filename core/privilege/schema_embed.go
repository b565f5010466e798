package privilege

import "embed"

const operationSchemaFile = "schema/operation.schema.json"

//go:embed schema/*.json
var operationSchemaFS embed.FS
