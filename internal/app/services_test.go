package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/roomd/internal/config"
	"github.com/dokzlo13/roomd/internal/schema"
)

func TestPolicyFromConfig(t *testing.T) {
	c := config.PollingConfig{
		ShowDelay:        config.Window{Max: config.Duration(time.Second)},
		Interval:         config.Window{Min: config.Duration(4 * time.Second), Max: config.Duration(5 * time.Second)},
		PendingInterval:  config.Window{Min: config.Duration(time.Second), Max: config.Duration(time.Second)},
		ErrorInterval:    config.Window{Min: config.Duration(6 * time.Second), Max: config.Duration(7 * time.Second)},
		RetryMultiplier:  2,
		MaxRetryInterval: config.Duration(time.Minute),
		Confirm: config.ConfirmConfig{
			Timeout:          config.Duration(5 * time.Second),
			ExtendOnMismatch: true,
			MaxWindow:        config.Duration(20 * time.Second),
		},
	}

	p := PolicyFromConfig(c, config.Duration(3*time.Second))

	assert.Equal(t, time.Duration(0), p.ShowDelay.Min)
	assert.Equal(t, time.Second, p.ShowDelay.Max)
	assert.Equal(t, 5*time.Second, p.Interval.Max)
	assert.Equal(t, 6*time.Second, p.ErrorInterval.Min)
	assert.Equal(t, 2.0, p.RetryMultiplier)
	assert.Equal(t, time.Minute, p.MaxRetryInterval)
	assert.Equal(t, 3*time.Second, p.RequestTimeout)
	assert.True(t, p.Confirm.ExtendOnMismatch)
	assert.Equal(t, 20*time.Second, p.Confirm.MaxWindow)
}

func TestNewServices(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("ROOMD_BACKEND_HOST", "127.0.0.1:1")
	t.Setenv("ROOMD_DATABASE_PATH", filepath.Join(dir, "roomd.sqlite"))

	cfg, err := config.Load("")
	require.NoError(t, err)

	s, err := NewServices(cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "http://127.0.0.1:1", s.Client.BaseURL())
	assert.Contains(t, s.Registry.Tags(), "light")

	hosts := s.Poller.Hosts()
	require.Len(t, hosts, 2)
	assert.Equal(t, schema.KindStarred, hosts[0].Kind)
	assert.True(t, hosts[0].Host.Visible(), "hosts are shown by default")
	assert.False(t, s.Poller.Status().Loaded)

	deleted, err := s.NameStore.Clear()
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
