// Package registry maps source type names to factories.
//
// Each source package registers itself once at startup:
//
//	reg := registry.New()
//	if err := zynq.Register(reg); err != nil {
//		return err
//	}
//	src, err := reg.Create("zynq", "zynq-01J9...", params, deps)
//
// A registration may carry a JSON schema for its construction parameters.
// Create checks the parameters against it before calling the factory, so
// factories only see well-formed input.
package registry
