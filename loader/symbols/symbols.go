// Package symbols exposes the plugin contract types to interpreted plugin
// code. The map layout follows the output of `yaegi extract
// github.com/GoCodeAlone/hotplug/api`.
package symbols

import (
	"reflect"

	"github.com/GoCodeAlone/hotplug/api"
)

// ContractPath is the import path plugins use for the contract package.
const ContractPath = "github.com/GoCodeAlone/hotplug/api"

// Contract returns the symbol exports for the api package, keyed the way
// yaegi expects (import path with the package name repeated).
func Contract() map[string]map[string]reflect.Value {
	return map[string]map[string]reflect.Value{
		ContractPath + "/api": {
			"Controller":     reflect.ValueOf((*api.Controller)(nil)),
			"PathParam":      reflect.ValueOf(api.PathParam),
			"Plugin":         reflect.ValueOf((*api.Plugin)(nil)),
			"Resolver":       reflect.ValueOf((*api.Resolver)(nil)),
			"Route":          reflect.ValueOf((*api.Route)(nil)),
			"Service":        reflect.ValueOf((*api.Service)(nil)),
			"WithPathParams": reflect.ValueOf(api.WithPathParams),
		},
	}
}
