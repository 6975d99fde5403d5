package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dreamware/rebootd/internal/system"
)

// HealthOK is the only status treated as fully healthy.
const HealthOK = "HEALTH_OK"

// OSDs that are not fully added report weights as a bare -nan, which is
// not valid JSON.
var nanValue = regexp.MustCompile(`([^a-zA-Z0-9"]+)(-nan)`)

// CephOracle answers health and topology questions with the ceph CLI.
type CephOracle struct {
	Run system.Runner
}

// NewCephOracle returns an oracle that shells out to ceph.
func NewCephOracle() *CephOracle {
	return &CephOracle{Run: system.ExecRunner}
}

// Healthy runs `ceph health`.
func (o *CephOracle) Healthy(ctx context.Context) (bool, string, error) {
	out, err := o.Run(ctx, "ceph", "health")
	if err != nil {
		return false, "", fmt.Errorf("ceph health: %w", err)
	}
	status := strings.TrimSpace(string(out))
	return status == HealthOK, status, nil
}

type osdTree struct {
	Nodes []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"nodes"`
}

// Members lists the host buckets of `ceph osd tree`.
func (o *CephOracle) Members(ctx context.Context) ([]string, error) {
	out, err := o.Run(ctx, "ceph", "osd", "tree", "--format=json")
	if err != nil {
		return nil, fmt.Errorf("ceph osd tree: %w", err)
	}
	tree, err := parseOSDTree(out)
	if err != nil {
		return nil, err
	}
	var hosts []string
	for _, n := range tree.Nodes {
		if n.Type == "host" {
			hosts = append(hosts, n.Name)
		}
	}
	return hosts, nil
}

func parseOSDTree(data []byte) (osdTree, error) {
	var tree osdTree
	err := json.Unmarshal(data, &tree)
	if err == nil {
		return tree, nil
	}
	repaired := nanValue.ReplaceAll(data, []byte(`${1}"-nan"`))
	if err2 := json.Unmarshal(repaired, &tree); err2 != nil {
		return osdTree{}, fmt.Errorf("decode osd tree: %w", err)
	}
	return tree, nil
}
