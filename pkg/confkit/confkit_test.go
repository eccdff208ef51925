package confkit_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/pkg/confkit"
)

func TestResolvePath(t *testing.T) {
	t.Setenv("MS_STATE_DIR", "/var/lib/marketsync")
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name string
		base string
		file string
		want string
	}{
		{name: "absolute", base: "/etc/marketsync", file: "/opt/venue.yaml", want: "/opt/venue.yaml"},
		{name: "relative", base: "/etc/marketsync", file: "venue.yaml", want: "/etc/marketsync/venue.yaml"},
		{name: "parent", base: "/etc/marketsync", file: "../data/checkpoint.json", want: "/etc/data/checkpoint.json"},
		{name: "env expanded", base: "/etc/marketsync", file: "${MS_STATE_DIR}/checkpoint.json", want: "/var/lib/marketsync/checkpoint.json"},
		{name: "home", base: "/etc/marketsync", file: "~/marketsync/checkpoint.json", want: filepath.Join(home, "marketsync", "checkpoint.json")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, confkit.ResolvePath(tt.base, tt.file))
		})
	}
}

func TestBaseDir(t *testing.T) {
	assert.Equal(t, "/etc/marketsync", confkit.BaseDir("/etc/marketsync/marketsync.yaml"))
	assert.Equal(t, "etc", confkit.BaseDir("etc/marketsync.yaml"))
}

type venueSection struct{ Names []string }

func TestSection_Hydrate(t *testing.T) {
	t.Run("empty file is a no-op", func(t *testing.T) {
		var s confkit.Section[venueSection]
		require.NoError(t, s.Hydrate("/etc", func(string) (*venueSection, error) {
			t.Fatal("loader must not run")
			return nil, nil
		}))
		assert.False(t, s.Loaded())
	})

	t.Run("resolves and loads", func(t *testing.T) {
		s := confkit.Section[venueSection]{File: "venue.yaml"}
		var got string
		require.NoError(t, s.Hydrate("/etc/marketsync", func(p string) (*venueSection, error) {
			got = p
			return &venueSection{Names: []string{"sim"}}, nil
		}))
		assert.Equal(t, "/etc/marketsync/venue.yaml", got)
		assert.Equal(t, "/etc/marketsync/venue.yaml", s.File)
		assert.True(t, s.Loaded())
		assert.Equal(t, []string{"sim"}, s.Value.Names)
	})

	t.Run("loader error names the file", func(t *testing.T) {
		s := confkit.Section[venueSection]{File: "venue.yaml"}
		boom := errors.New("boom")
		err := s.Hydrate("/etc/marketsync", func(string) (*venueSection, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "/etc/marketsync/venue.yaml")
		assert.False(t, s.Loaded())
	})
}

func TestProjectPath(t *testing.T) {
	p, err := confkit.ProjectPath("go.mod")
	require.NoError(t, err)
	_, err = os.Stat(p)
	assert.NoError(t, err)
}
