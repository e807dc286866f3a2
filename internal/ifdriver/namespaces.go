package ifdriver

// NewNamespaces returns the namespace manager for the isolation setting.
// With isolation disabled everything lives in the host namespace and
// namespace management is a no-op.
func NewNamespaces(enabled bool) Namespaces {
	if !enabled {
		return hostNamespaces{}
	}
	return &RealNamespaces{Dir: netnsRunDir}
}

type hostNamespaces struct{}

func (hostNamespaces) Ensure(string) error { return nil }
func (hostNamespaces) Delete(string) error { return nil }
func (hostNamespaces) Exists(string) (bool, error) { return true, nil }
func (hostNamespaces) List(string) ([]string, error) { return nil, nil }
