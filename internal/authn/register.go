package authn

import "github.com/coregate/gateway/internal/loader"

// RegisterDefaults wires the built-in strategies into reg under the
// authentication.strategy kind. Called once at startup from cmd/gateway
// (spec.md §9: explicit wiring, not a dynamic `require`-style loader).
func RegisterDefaults(reg *loader.Registry) {
	reg.Register(loader.KindAuthenticationStrategy, "jwt", func(_ string, options map[string]interface{}) (loader.Handler, error) {
		return NewJWTAuth(options)
	})
	reg.Register(loader.KindAuthenticationStrategy, "apikey", func(_ string, options map[string]interface{}) (loader.Handler, error) {
		return NewAPIKeyAuth(options)
	})
	reg.Register(loader.KindAuthenticationStrategy, "basic", func(_ string, options map[string]interface{}) (loader.Handler, error) {
		return NewBasicAuth(options)
	})
}
