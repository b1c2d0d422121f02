package registry

import "github.com/AriseOS/ami-desktop-sub002/internal/common/logger"

// Provide creates and loads the agent registry.
func Provide(log *logger.Logger) (*Registry, func() error, error) {
	reg := NewRegistry(log)
	reg.LoadDefaults()
	return reg, func() error { return nil }, nil
}
