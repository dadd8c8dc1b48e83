package cmd

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubApp struct {
	batchTargets []string
	batchErr     error
	served       bool
	closed       bool
}

func (s *stubApp) RunBatch(_ context.Context, targets []string) error {
	s.batchTargets = targets
	return s.batchErr
}

func (s *stubApp) RunServe(context.Context) error {
	s.served = true
	return nil
}

func (s *stubApp) Logger() *zap.Logger { return zap.NewNop() }

func (s *stubApp) Close(context.Context) { s.closed = true }

func withStubApp(t *testing.T, stub App) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context) (App, error) { return stub, nil }
	t.Cleanup(func() { newApp = prev })
}

func executeQuietly(root *cobra.Command, args ...string) error {
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.Execute()
}

func TestRunCommandPassesTargets(t *testing.T) {
	stub := &stubApp{}
	withStubApp(t, stub)

	err := executeQuietly(newRootCmd(), "run", "inventory", "price-refresh")
	require.NoError(t, err)
	require.Equal(t, []string{"inventory", "price-refresh"}, stub.batchTargets)
	require.True(t, stub.closed, "post-run hook should close the app")
}

func TestRunCommandReportsBatchError(t *testing.T) {
	stub := &stubApp{batchErr: errors.New("boom")}
	withStubApp(t, stub)

	err := executeQuietly(newRootCmd(), "run")
	require.ErrorContains(t, err, "boom")
	require.True(t, stub.closed, "app must close even when the batch fails")
}

func TestServeCommandRunsServer(t *testing.T) {
	stub := &stubApp{}
	withStubApp(t, stub)

	err := executeQuietly(newRootCmd(), "serve")
	require.NoError(t, err)
	require.True(t, stub.served)
	require.True(t, stub.closed)
}

func TestRootFailsWhenFactoryErrors(t *testing.T) {
	prev := newApp
	newApp = func(context.Context) (App, error) { return nil, errors.New("no config") }
	t.Cleanup(func() { newApp = prev })

	err := executeQuietly(newRootCmd(), "run")
	require.ErrorContains(t, err, "no config")
}
