package ffi

import (
	"fmt"
	"plugin"
)

// LoadPlugin opens a built Go plugin and registers the named exported
// functions as native symbols, the dynamic-module half of the bridge.
func (b *Bridge) LoadPlugin(path string, symbols ...string) error {
	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("ffi: open plugin %s: %w", path, err)
	}
	for _, name := range symbols {
		sym, err := p.Lookup(name)
		if err != nil {
			return fmt.Errorf("ffi: lookup %s in %s: %w", name, path, err)
		}
		if err := b.Register(name, sym); err != nil {
			return err
		}
	}
	return nil
}
