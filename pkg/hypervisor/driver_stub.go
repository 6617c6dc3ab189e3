//go:build !darwin

package hypervisor

// newVZEngine returns an error on hosts without Virtualization.framework.
func newVZEngine(Options) (Engine, error) {
	return nil, ErrUnsupportedPlatform
}
