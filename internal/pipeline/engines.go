package pipeline

import "github.com/pvoronin/watchgate/internal/capability"

// ResolveEngines builds the invocable engine set for a pipeline table. A
// spec that declares a url is served by a remote HTTP engine; every other
// spec must be covered by the base fleet. A url entry shadows a fleet engine
// of the same name.
func ResolveEngines(cfg *Config, base map[string]capability.Engine) map[string]capability.Engine {
	engines := make(map[string]capability.Engine, len(base))
	for id, eng := range base {
		engines[id] = eng
	}
	for _, spec := range cfg.Engines {
		if spec.URL != "" {
			engines[spec.Engine] = &capability.HTTPEngine{EngineID: spec.Engine, URL: spec.URL}
		}
	}
	return engines
}
