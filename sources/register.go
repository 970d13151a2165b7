// Package sources registers the built-in source types.
package sources

import (
	stderrors "errors"

	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/registry"
	"github.com/c360/labctrl/sources/demo"
	"github.com/c360/labctrl/zynq"
)

// Register registers every source type that can be created from the
// catalog:
//   - zynq (pulse sequencer board)
//   - demo (simulated channels)
//
// The meta source is not listed. It is created once by the server since it
// needs the catalog and the dispatcher.
func Register(reg *registry.Registry) error {
	// Nil registry is a programming error
	if reg == nil {
		return errors.WrapFatal(stderrors.New("registry cannot be nil"), "Sources", "Register", "registry validation")
	}

	if err := zynq.Register(reg); err != nil {
		return errors.WrapInvalid(err, "Sources", "Register", "zynq source registration")
	}
	if err := demo.Register(reg); err != nil {
		return errors.WrapInvalid(err, "Sources", "Register", "demo source registration")
	}
	return nil
}
