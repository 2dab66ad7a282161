package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-paas/stratus/pkg/agent"
	"github.com/stratus-paas/stratus/pkg/agent/handlers"
	"github.com/stratus-paas/stratus/pkg/agent/protocol"
	"github.com/stratus-paas/stratus/pkg/engine"
)

type dockerFunc func(ctx context.Context, args ...string) (string, error)

func (f dockerFunc) Run(ctx context.Context, args ...string) (string, error) { return f(ctx, args...) }

// pipeTransport serves an in-process agent over pipes.
type pipeTransport struct {
	docker handlers.Docker
	done   chan error
}

func (p *pipeTransport) Start(context.Context) (io.WriteCloser, io.ReadCloser, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	a := agent.New(handlers.NewResourceHandler(p.docker, uuid.New(), "", nil), nil)
	p.done = make(chan error, 1)
	go func() {
		err := a.Serve(context.Background(), inR, outW)
		_ = outW.Close()
		p.done <- err
	}()
	return inW, outR, nil
}

func (p *pipeTransport) Stop(grace time.Duration) error {
	select {
	case err := <-p.done:
		return err
	case <-time.After(grace):
		return errors.New("agent still running")
	}
}

// silentTransport starts a process that never answers.
type silentTransport struct{}

func (silentTransport) Start(context.Context) (io.WriteCloser, io.ReadCloser, error) {
	_, inW := io.Pipe()
	outR, _ := io.Pipe()
	return inW, outR, nil
}

func (silentTransport) Stop(time.Duration) error { return nil }

func startClient(t *testing.T, docker handlers.Docker) *Client {
	t.Helper()
	c, err := New(Config{Transport: &pipeTransport{docker: docker}})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStartReceivesReady(t *testing.T) {
	c := startClient(t, dockerFunc(func(context.Context, ...string) (string, error) { return "", nil }))

	ready := c.Ready()
	require.NotNil(t, ready)
	assert.True(t, ready.Supports(engine.KindDeployment))
}

func TestStartTimesOut(t *testing.T) {
	c, err := New(Config{Transport: silentTransport{}, StartupTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	err = c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READY")
}

func TestExecuteList(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	c := startClient(t, dockerFunc(func(context.Context, ...string) (string, error) {
		return id.String() + "\n", nil
	}))

	for i := 0; i < 3; i++ {
		var result protocol.ListResult
		require.NoError(t, c.Execute(context.Background(), protocol.CommandTypeList,
			protocol.ListParams{Kind: engine.KindDeployment}, &result))
		assert.Equal(t, []uuid.UUID{id}, result.IDs)
	}
}

func TestExecuteRemoteError(t *testing.T) {
	c := startClient(t, dockerFunc(func(context.Context, ...string) (string, error) {
		return "", errors.New("daemon not running")
	}))

	err := c.Execute(context.Background(), protocol.CommandTypeList, protocol.ListParams{Kind: engine.KindDeployment}, nil)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CodeBackendFailed, remote.Code)
	assert.True(t, remote.Retryable)
	assert.True(t, strings.Contains(remote.Message, "daemon not running"))
}

func TestExecuteHonoursContext(t *testing.T) {
	release := make(chan struct{})
	c := startClient(t, dockerFunc(func(ctx context.Context, _ ...string) (string, error) {
		<-release
		return "", nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Execute(ctx, protocol.CommandTypeList, protocol.ListParams{Kind: engine.KindDeployment}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The late reply to the abandoned command is skipped.
	close(release)
	var result protocol.ListResult
	require.NoError(t, c.Execute(context.Background(), protocol.CommandTypeList,
		protocol.ListParams{Kind: engine.KindDeployment}, &result))
	assert.Empty(t, result.IDs)
}

func TestClosedClient(t *testing.T) {
	c := startClient(t, dockerFunc(func(context.Context, ...string) (string, error) { return "", nil }))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Execute(context.Background(), protocol.CommandTypeList, protocol.ListParams{Kind: engine.KindDeployment}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
