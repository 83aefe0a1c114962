package logging

import (
	"bytes"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(Options{Name: "test", Level: "debug", JSON: true, Output: &buf})
	l.Info("batch routed", "batch_id", 7)

	require.Contains(t, buf.String(), `"batch_id":7`)
	assert.Same(t, l, GetLogger())
}

func TestOrDefault(t *testing.T) {
	n := hclog.NewNullLogger()
	assert.Same(t, n, OrDefault(n, "x"))
	assert.NotNil(t, OrDefault(nil, "x"))
}
