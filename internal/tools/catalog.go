package tools

// catalogGroups lists the register functions in canonical order. The order is
// part of the API surface: clients list tools grouped by capability.
var catalogGroups = []struct {
	cap      Capability
	register func(*Registry)
}{
	{CapNavigate, registerNavigate},
	{CapInteract, registerInteract},
	{CapCapture, registerCapture},
	{CapTabs, registerTabs},
	{CapWait, registerWait},
	{CapTesting, registerTesting},
	{CapDiagnostics, registerDiagnostics},
	{CapStorage, registerStorage},
	{CapProfiles, registerProfiles},
	{CapAutonomous, registerAutonomous},
	{CapAIIntent, registerIntent},
}

// Catalog builds the full tool registry.
func Catalog() *Registry {
	return CatalogFor(nil)
}

// CatalogFor builds a registry restricted to the named capabilities, keeping
// the canonical order. An empty list enables every capability; unknown names
// are ignored.
func CatalogFor(caps []string) *Registry {
	enabled := make(map[Capability]bool, len(caps))
	for _, name := range caps {
		enabled[Capability(name)] = true
	}
	r := NewRegistry()
	for _, group := range catalogGroups {
		if len(caps) == 0 || enabled[group.cap] {
			group.register(r)
		}
	}
	r.Freeze()
	return r
}
