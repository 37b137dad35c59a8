package main

import (
	"context"
	"testing"

	"github.com/guseggert/devserver/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveProjectExplicit(t *testing.T) {
	dir, err := resolveProject("./ClientApp")
	require.NoError(t, err)
	assert.Equal(t, "./ClientApp", dir)
}

func TestExitError(t *testing.T) {
	cases := []struct {
		name   string
		args   []string
		kill   bool
		expErr string
	}{
		{
			name:   "exited with code",
			args:   []string{"-c", "exit 2"},
			expErr: "dev server exited with code 2",
		},
		{
			name: "killed on shutdown",
			args: []string{"-c", "sleep 30"},
			kill: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := supervisor.New(supervisor.StartRequest{Command: "sh", Args: c.args})
			require.NoError(t, p.Start(context.Background()))
			if c.kill {
				p.Dispose()
			}
			<-p.Exited()

			err := exitError(p)
			if c.expErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, c.expErr)
		})
	}
}
