package plugin

import (
	"errors"
	goplugin "plugin"

	"OpenRill/internal/source"
)

// Loader resolves plugin binaries into source factories.
type Loader interface {
	Load(path string) (source.Factory, error)
}

// GoPluginLoader uses the Go standard library plugin mechanism to dynamically load modules.
type GoPluginLoader struct{}

// Load opens the shared object and searches for a `Source` symbol resolving
// to a source.Factory.
func (GoPluginLoader) Load(path string) (source.Factory, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Source")
	if err != nil {
		return nil, err
	}
	switch f := symbol.(type) {
	case source.Factory:
		return f, nil
	case *source.Factory:
		if f == nil || *f == nil {
			return nil, errors.New("plugin Source symbol is nil")
		}
		return *f, nil
	case func() source.Factory:
		return f(), nil
	default:
		return nil, errors.New("plugin Source symbol must resolve to a source.Factory")
	}
}
