package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/treedoc/internal/api"
	"github.com/example/treedoc/internal/collab"
	"github.com/example/treedoc/internal/crdt"
)

func newServer(t *testing.T) (*httptest.Server, *collab.Service) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	svc := collab.NewService(crdt.NewEngine("srv", logger), logger)
	srv := httptest.NewServer(api.NewHandler(svc, "default", nil, logger).Router())
	t.Cleanup(srv.Close)
	return srv, svc
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--document", "notes"}, args...))
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"document", "nodes", "insert", "delete", "position", "type"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestTypeThenRead(t *testing.T) {
	srv, svc := newServer(t)

	last, err := run(t, srv, "type", "hello")
	require.NoError(t, err)
	assert.Equal(t, "srv-5", last)
	assert.Equal(t, "hello", svc.Engine().Document("notes"))

	text, err := run(t, srv, "document")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	id, err := run(t, srv, "position", "1")
	require.NoError(t, err)
	assert.Equal(t, "srv-2", id)

	out, err := run(t, srv, "delete", id)
	require.NoError(t, err)
	assert.Equal(t, "true", out)

	out, err = run(t, srv, "--format", "json", "nodes", "--deleted")
	require.NoError(t, err)
	var deleted []crdt.Node
	require.NoError(t, json.Unmarshal([]byte(out), &deleted))
	require.Len(t, deleted, 1)
	assert.Equal(t, 'e', deleted[0].Value)

	text, err = run(t, srv, "document")
	require.NoError(t, err)
	assert.Equal(t, "hllo", text)
}

func TestInsertErrorsCarryExitCodes(t *testing.T) {
	srv, _ := newServer(t)

	_, err := run(t, srv, "insert", "x", "--parent", "ghost-4")
	require.Error(t, err)
	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, 409, status.Code)
	assert.Equal(t, ExitFailure, ExitCode(err))

	_, err = run(t, srv, "insert", "xy")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))

	_, err = run(t, srv, "delete", "not-an-id")
	assert.ErrorIs(t, err, crdt.ErrMalformedID)
	assert.Equal(t, ExitCommandError, ExitCode(err))

	_, err = run(t, srv, "--format", "yaml", "document")
	assert.Error(t, err)

	assert.Equal(t, ExitSuccess, ExitCode(nil))
}
