package cloud

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterDispatchesByService(t *testing.T) {
	ec2 := NewFakeDriver()
	fallback := NewFakeDriver()
	router := NewRouterDriver(fallback).Mount("ec2", ec2)

	err := router.Execute(context.Background(), nil, "ec2:stop_instances", "i-1", nil)
	require.NoError(t, err)
	err = router.Execute(context.Background(), nil, "rds:stop_db_instance", "db-1", nil)
	require.NoError(t, err)

	require.Len(t, ec2.Calls(), 1)
	assert.Equal(t, "ec2:stop_instances", ec2.Calls()[0].ActionID)
	require.Len(t, fallback.Calls(), 1)
	assert.Equal(t, "rds:stop_db_instance", fallback.Calls()[0].ActionID)
}

func TestRouterStateLookup(t *testing.T) {
	ec2 := NewFakeDriver()
	ec2.SetState("i-1", "running")
	router := NewRouterDriver(NewFakeDriver()).Mount("ec2", ec2)

	state, err := router.ResourceState(context.Background(), nil, "ec2", "i-1")
	require.NoError(t, err)
	assert.Equal(t, "running", state)

	_, err = router.ResourceState(context.Background(), nil, "ebs", "vol-1")
	assert.ErrorIs(t, err, ErrResourceNotFound)
}
