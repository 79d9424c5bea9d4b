package main

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialTarget(t *testing.T) {
	assert.Equal(t, "localhost:9000", dialTarget(":9000"))
	assert.Equal(t, "10.0.0.1:9000", dialTarget("10.0.0.1:9000"))
}

func TestParseNodeID(t *testing.T) {
	logger := hclog.NewNullLogger()

	generated, err := parseNodeID("", logger)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, generated)

	want := uuid.New()
	got, err := parseNodeID(want.String(), logger)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = parseNodeID("node-1", logger)
	assert.Error(t, err)
}
