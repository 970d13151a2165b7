package zynq

import (
	"encoding/json"

	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/registry"
	"github.com/c360/labctrl/source"
	"github.com/c360/labctrl/transport"
)

// TypeName is the registry name of the driver
const TypeName = "zynq"

// Params are the construction parameters of a driver
type Params struct {
	Addr string `json:"addr"`
}

const paramsSchema = `{
	"type": "object",
	"properties": {
		"addr": {
			"type": "string",
			"pattern": "^(tcp|ipc|inproc)://.+",
			"description": "ZeroMQ endpoint of the controller"
		}
	},
	"required": ["addr"]
}`

// Register adds the driver to reg
func Register(reg *registry.Registry) error {
	return reg.Register(registry.Registration{
		Type:        TypeName,
		Description: "Zynq timing and DDS controller",
		Schema:      json.RawMessage(paramsSchema),
		Factory:     Factory,
	})
}

// Factory builds a driver talking ZeroMQ to params.addr.
func Factory(id string, params json.RawMessage, deps registry.Dependencies) (source.Source, error) {
	var p Params
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.WrapInvalid(err, "zynq", "Factory", "parse params")
	}
	return New(id, p.Addr, Options{
		Dialer:          transport.ZMQDialer(),
		Compiler:        deps.Compiler,
		Logger:          deps.LoggerFor(TypeName),
		Metrics:         deps.MetricsRegistry.CoreMetrics(),
		MetricsRegistry: deps.MetricsRegistry,
		Health:          deps.Health,
	})
}
