package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromYAML_OverlaysDefaults(t *testing.T) {
	s, err := FromYAML([]byte(`
db_path: /tmp/rooms.db
grace: 250ms
bus:
  redis:
    enabled: true
    group: clients
`))
	require.NoError(t, err)
	require.Equal(t, "/tmp/rooms.db", s.DBPath)
	require.Equal(t, 250*time.Millisecond, s.Grace)
	require.True(t, s.LazyMembers)
	require.Equal(t, 50, s.PageLimit)
	require.Equal(t, 64, s.Bus.Buffer)
	require.True(t, s.Bus.Redis.Enabled)
	require.Equal(t, "localhost:6379", s.Bus.Redis.Addr)
	require.Equal(t, "clients", s.Bus.Redis.Group)
	require.NoError(t, s.Validate())
}

func TestFromYAML_Invalid(t *testing.T) {
	_, err := FromYAML([]byte("grace: [1"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ROOMSYNC_DB":            "env.db",
		"ROOMSYNC_GRACE":         "1s",
		"ROOMSYNC_LAZY_MEMBERS":  "false",
		"ROOMSYNC_REDIS_ENABLED": "true",
		"ROOMSYNC_REDIS_ADDR":    "redis:6379",
		"ROOMSYNC_REDIS_MAX_LEN": "5",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	s := Default()
	require.NoError(t, s.ApplyEnv(lookup))
	require.Equal(t, "env.db", s.DBPath)
	require.Equal(t, time.Second, s.Grace)
	require.False(t, s.LazyMembers)
	require.True(t, s.Bus.Redis.Enabled)
	require.Equal(t, "redis:6379", s.Bus.Redis.Addr)
	require.EqualValues(t, 5, s.Bus.Redis.MaxLen)

	env = map[string]string{"ROOMSYNC_GRACE": "soon", "ROOMSYNC_PAGE_LIMIT": "many"}
	err := s.ApplyEnv(lookup)
	require.ErrorContains(t, err, "ROOMSYNC_GRACE")
	require.ErrorContains(t, err, "ROOMSYNC_PAGE_LIMIT")
}

func TestValidate(t *testing.T) {
	s := Default()
	s.PageLimit = 0
	require.Error(t, s.Validate())

	s = Default()
	s.Bus.Redis.Enabled = true
	s.Bus.Redis.Addr = ""
	require.Error(t, s.Validate())

	s = Default()
	s.DBPath = ""
	require.Error(t, s.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("page_limit: 20\n"), 0o644))
	t.Setenv("ROOMSYNC_DB", "from-env.db")

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 20, s.PageLimit)
	require.Equal(t, "from-env.db", s.DBPath)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	out, err := s.ToYAML()
	require.NoError(t, err)
	back, err := FromYAML(out)
	require.NoError(t, err)
	require.Equal(t, s, back)
}

func TestLoad_ValidatesAfterOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_path: \"\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)

	s, err := Load(path, func(s *Settings) { s.DBPath = "flag.db" })
	require.NoError(t, err)
	require.Equal(t, "flag.db", s.DBPath)

	_, err = Load(path, func(s *Settings) { s.PageLimit = 0 }, func(s *Settings) { s.DBPath = "flag.db" })
	require.Error(t, err)
}
