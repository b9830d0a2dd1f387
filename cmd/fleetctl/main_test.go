package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	c := &cli{out: &out}
	root := c.rootCommand()
	root.SetArgs(append([]string{"--fake"}, args...))
	root.SetOut(&out)

	err := root.ExecuteContext(context.Background())
	require.NoError(t, c.close())
	return out.String(), err
}

func TestEdgesList(t *testing.T) {
	out, err := run(t, "edges", "list")
	require.NoError(t, err)

	var resp struct {
		TotalItems int              `json:"totalItems"`
		Items      []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 1, resp.TotalItems)
	assert.Equal(t, "bld-na-001", resp.Items[0]["code"])
	assert.Equal(t, map[string]any{"floors": float64(2)}, resp.Items[0]["metadata"])
}

func TestEdgesNextCode(t *testing.T) {
	out, err := run(t, "edges", "next-code", "--type", "bld", "--region", "na")
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"bld-na-002"}`, out)
}

func TestTopicsValidate_YAML(t *testing.T) {
	out, err := run(t, "-o", "yaml", "topics", "validate", "site/+/telemetry", "site/#/x")
	require.NoError(t, err)

	var result map[string]bool
	require.NoError(t, yaml.Unmarshal([]byte(out), &result))
	assert.Equal(t, map[string]bool{"site/+/telemetry": true, "site/#/x": false}, result)
}

func TestTopicsCheck(t *testing.T) {
	out, err := run(t, "topics", "check", "tpp000000000001", "subscribe", "site/a/alarms")
	require.NoError(t, err)
	assert.Contains(t, out, `"allowed": true`)

	_, err = run(t, "topics", "check", "tpp000000000001", "listen", "site/a")
	assert.Error(t, err)
}

func TestLocationsTree(t *testing.T) {
	out, err := run(t, "locations", "tree", "edg000000000001")
	require.NoError(t, err)

	var tree []struct {
		Location map[string]any `json:"location"`
		Children []struct {
			Location map[string]any `json:"location"`
		} `json:"children"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &tree))
	require.Len(t, tree, 1)
	assert.Equal(t, "floor-1", tree[0].Location["code"])
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, "floor-1/server-room-1", tree[0].Children[0].Location["path"])
}

func TestLocationsCheckParent(t *testing.T) {
	out, err := run(t, "locations", "check-parent", "loc000000000001", "loc000000000002")
	require.NoError(t, err)
	assert.Contains(t, out, `"circular": true`)
}

func TestLogin(t *testing.T) {
	out, err := run(t, "login", "-u", demoIdentity, "-p", demoPassword)
	require.NoError(t, err)
	assert.Contains(t, out, demoOrgID)

	_, err = run(t, "login", "-u", demoIdentity, "-p", "wrong")
	assert.Error(t, err)
}

func TestRecordsUnknownCollection(t *testing.T) {
	_, err := run(t, "records", "list", "widgets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown collection")
}

func TestUnsupportedOutput(t *testing.T) {
	_, err := run(t, "-o", "xml", "edges", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"floors=2", "lit=true", "ratio=0.5", "name=north wing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"floors": int64(2), "lit": true, "ratio": 0.5, "name": "north wing"}, got)

	_, err = parsePairs([]string{"novalue"})
	assert.Error(t, err)
}

func TestEdgesCreate_NextCode(t *testing.T) {
	out, err := run(t, "edges", "create", "--type", "bld", "--region", "na", "--name", "Annex")
	require.NoError(t, err)

	var resp struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "bld-na-002", resp.Data["code"])
}

func TestMetricsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetctl.prom")
	_, err := run(t, "--metrics-file", path, "edges", "list")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "fleetadmin_records_operations_total")
	assert.Contains(t, string(data), "fleetadmin_transport_requests_total")
}
