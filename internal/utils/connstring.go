package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ExtractServerNameFromConnectionString extracts the server name from a
// connection string. URL style strings ("sqlserver://host:1433?...",
// "postgres://user@host/db") use the host, key/value strings use host= or
// server=, and anything else is treated as a SQLite file path. Localhost and
// IP addresses are replaced by the machine's hostname so lock names stay
// unique per machine.
func ExtractServerNameFromConnectionString(connectionString string) (string, error) {
	var host string
	switch {
	case strings.Contains(connectionString, "://"):
		u, err := url.Parse(connectionString)
		if err != nil {
			return "", fmt.Errorf("failed to parse connection string: %w", err)
		}
		host = u.Hostname()
	case strings.Contains(strings.SplitN(connectionString, "?", 2)[0], "="):
		host = keyValue(connectionString, "host", "server", "data source")
	default:
		name := filepath.Base(strings.SplitN(connectionString, "?", 2)[0])
		host = strings.TrimSuffix(name, filepath.Ext(name))
		if host == "" || host == "." {
			return "", fmt.Errorf("server name not found in connection string")
		}
		return strings.ToLower(host), nil
	}

	// Keep the first DNS label, drop instance names
	serverName := strings.Split(host, "\\")[0]
	if !isIPAddress(serverName) {
		serverName = strings.Split(serverName, ".")[0]
	}
	serverName = strings.Split(serverName, ",")[0]
	if serverName == "" {
		return "", fmt.Errorf("server name not found in connection string")
	}

	if strings.ToLower(serverName) == "localhost" || isIPAddress(serverName) {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		serverName = hostname
	}

	return strings.ToLower(serverName), nil
}

// keyValue returns the first value for any of keys in a "k=v;k=v" or
// "k=v k=v" connection string
func keyValue(connectionString string, keys ...string) string {
	sep := ";"
	if !strings.Contains(connectionString, ";") {
		sep = " "
	}
	for _, part := range strings.Split(connectionString, sep) {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		for _, want := range keys {
			if strings.EqualFold(strings.TrimSpace(k), want) {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// isIPAddress checks if a string is an IP address or part of one (like '127')
func isIPAddress(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return true
	}

	if num, err := strconv.Atoi(host); err == nil {
		return num >= 0 && num <= 255
	}

	// Partial addresses such as '127.0'
	if strings.Contains(host, ".") {
		parts := strings.Split(host, ".")
		if len(parts) < 4 {
			for _, part := range parts {
				num, err := strconv.Atoi(part)
				if part == "" || err != nil || num < 0 || num > 255 {
					return false
				}
			}
			return true
		}
	}

	return false
}
