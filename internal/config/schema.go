package config

import (
	"encoding/json"
	"path"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema for the Config struct, keyed by the
// YAML field names. `sqlagent config schema` prints it.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:   "yaml",
			ExpandedStruct: true,
			Namer:          definitionName,
		}
		schema := r.Reflect(&Config{})
		schema.Title = "sqlagent configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

// definitionName qualifies $defs keys with the package name. Several
// sections are each declared as a type named Config in their own package.
func definitionName(t reflect.Type) string {
	if t.PkgPath() == "" {
		return t.Name()
	}
	return path.Base(t.PkgPath()) + "." + t.Name()
}
