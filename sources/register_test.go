package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/registry"
)

func TestRegister(t *testing.T) {
	reg := registry.New()
	require.NoError(t, Register(reg))

	var names []string
	for _, r := range reg.Types() {
		names = append(names, r.Type)
	}
	assert.Equal(t, []string{"demo", "zynq"}, names)

	// Registering twice must fail on the duplicate
	assert.Error(t, Register(reg))
}

func TestRegister_NilRegistry(t *testing.T) {
	err := Register(nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
