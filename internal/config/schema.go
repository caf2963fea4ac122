package config

import (
	"path"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Schema describes the configuration file format.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
		Namer:                     qualifiedName,
	}
	s := reflector.Reflect(&Config{})
	if s.Version == "" {
		s.Version = jsonschema.Version
	}
	s.Title = "Council configuration"
	return s
}

// qualifiedName keys definitions by package so store.Config and
// fanout.Config do not overwrite each other.
func qualifiedName(t reflect.Type) string {
	if t.PkgPath() == "" {
		return t.Name()
	}
	return path.Base(t.PkgPath()) + "." + t.Name()
}
