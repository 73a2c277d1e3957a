package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/aggregator"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/transport"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCsv(t *testing.T, header string, rows int) string {
	t.Helper()

	var b strings.Builder
	b.WriteString(header + "\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "%d,%d,%d\n", i%7, (i*3)%5, i%2)
	}

	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		exitCode int
	}{
		{name: "help", args: []string{"--help"}, exitCode: 0},
		{name: "no csv flag", args: []string{}, exitCode: 1},
		{name: "unknown flag", args: []string{"--csv", "x.csv", "--nope"}, exitCode: 1},
		{name: "missing csv file", args: []string{"--csv", filepath.Join(t.TempDir(), "missing.csv")}, exitCode: 1},
		{name: "no label column", args: []string{"--csv", writeCsv(t, "a,b,c", 20)}, exitCode: 1},
		{name: "duplicate label column", args: []string{"--csv", writeCsv(t, "label,b,label", 20)}, exitCode: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			assert.Equal(t, tt.exitCode, run(tt.args, &stderr), stderr.String())
		})
	}
}

func TestRunFailsWhenAggregatorIsUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	var stderr bytes.Buffer
	code := run([]string{"--csv", writeCsv(t, "a,b,label", 50), "--server", address, "--model-seed", "1"}, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "Session with aggregator failed")
}

func TestRunEndsGracefullyOnReconnect(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	manager := aggregator.NewClientManager(hclog.NewNullLogger(), nil, nil)
	grpcServer := transport.NewGrpcServer(hclog.NewNullLogger(), manager)
	go grpcServer.Serve(listener)
	t.Cleanup(grpcServer.Stop)

	done := make(chan int, 1)
	var stderr bytes.Buffer
	go func() {
		done <- run([]string{"--csv", writeCsv(t, "a,b,label", 50), "--server", listener.Addr().String(),
			"--model-seed", "1"}, &stderr)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, manager.WaitFor(ctx, 1))
	proxy := manager.All()[0]

	params, err := proxy.GetParameters(ctx, model.GetParametersIns{})
	require.NoError(t, err)
	assert.Len(t, params.Parameters, 6)

	_, err = proxy.Reconnect(ctx, model.ReconnectIns{})
	require.NoError(t, err)

	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("client did not exit")
	}
}
