package utils

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractServerNameFromConnectionString(t *testing.T) {
	hostname, err := os.Hostname()
	require.NoError(t, err)
	hostname = strings.ToLower(hostname)

	tests := []struct {
		name string
		conn string
		want string
	}{
		{"sqlserver url", "sqlserver://sa:pw@SQL01.corp.local:1433?database=sales", "sql01"},
		{"postgres url", "postgres://app@pg-main/sales?sslmode=disable", "pg-main"},
		{"ado", "server=sql02,1433;database=corp", "sql02"},
		{"ado instance", "Server=sql03\\inst;Database=corp", "sql03"},
		{"postgres key value", "host=pg02.example.com dbname=corp", "pg02"},
		{"sqlite path", "/var/lib/replicator/store-7.db?_pragma=busy_timeout(5000)", "store-7"},
		{"localhost", "sqlserver://sa:pw@localhost:1433", hostname},
		{"ip", "postgres://app@127.0.0.1/sales", hostname},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractServerNameFromConnectionString(tt.conn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = ExtractServerNameFromConnectionString("database=corp")
	assert.Error(t, err)
}
