package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viperadnan-git/gpushare/internal/config"
)

func TestNewProtection(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Hosts = []config.HostConfig{{Name: "gpu1", User: "gpushare"}}
	assert.Equal(t, map[string]string{"gpu1": "gpushare"}, HostUsers(cfg))

	svc, err := NewProtection(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, svc, "disabled by default")

	cfg.Protection.Enabled = true
	svc, err = NewProtection(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)

	cfg.Protection.Handlers = []string{"email"}
	_, err = NewProtection(cfg, nil, nil, nil)
	assert.Error(t, err)
}
