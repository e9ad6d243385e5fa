package scan

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		findings []Finding
		want     int
	}{
		{"no findings", nil, 100},
		{"one critical", []Finding{{Severity: SeverityCritical}}, 70},
		{"one high", []Finding{{Severity: SeverityHigh}}, 85},
		{"medium and low cost nothing", []Finding{{Severity: SeverityMedium}, {Severity: SeverityLow}}, 100},
		{"mixed", []Finding{{Severity: SeverityCritical}, {Severity: SeverityHigh}, {Severity: SeverityHigh}}, 40},
		{"floored at zero", []Finding{
			{Severity: SeverityCritical}, {Severity: SeverityCritical},
			{Severity: SeverityCritical}, {Severity: SeverityCritical},
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(tt.findings))
		})
	}
}

func TestPolicyEvaluate(t *testing.T) {
	policy := Policy{Floor: 50, Minimum: 70}
	ctx := context.Background()

	t.Run("clean image passes silently", func(t *testing.T) {
		rep, warn, err := policy.Evaluate(ctx, Static{}, "app:1")
		require.NoError(t, err)
		assert.Empty(t, warn)
		assert.Equal(t, 100, rep.Score)
	})

	t.Run("score below floor rejects", func(t *testing.T) {
		s := Static{Findings: []Finding{{Severity: SeverityCritical}, {Severity: SeverityCritical}}}
		rep, _, err := policy.Evaluate(ctx, s, "app:1")
		require.Error(t, err)
		assert.Equal(t, 40, rep.Score)
	})

	t.Run("score between floor and minimum warns", func(t *testing.T) {
		s := Static{Findings: []Finding{{Severity: SeverityCritical}}} // 70 is not below minimum
		rep, warn, err := policy.Evaluate(ctx, s, "app:1")
		require.NoError(t, err)
		assert.Empty(t, warn)
		assert.Equal(t, 70, rep.Score)

		s = Static{Findings: []Finding{{Severity: SeverityCritical}, {Severity: SeverityHigh}}} // 55
		rep, warn, err = policy.Evaluate(ctx, s, "app:1")
		require.NoError(t, err)
		assert.NotEmpty(t, warn)
		assert.Equal(t, 55, rep.Score)
	})
}

func TestRemoteScan(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "scanner.sock")
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadBytes('\n')

		var req rpcRequest
		if json.Unmarshal(line, &req) != nil || req.Method != "scan.image" {
			return
		}
		result, _ := json.Marshal(scanResult{Findings: []Finding{
			{ID: "CVE-2026-0001", Severity: SeverityHigh, Package: "libssl"},
		}})
		resp, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
		conn.Write(append(resp, '\n'))
	}()

	findings, err := NewRemote(socket).Scan(context.Background(), "app:1")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "CVE-2026-0001", findings[0].ID)
	assert.Equal(t, 85, Score(findings))
}
