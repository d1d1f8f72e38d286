package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/leandrodaf/rtpmidid/internal/config"
	"github.com/leandrodaf/rtpmidid/internal/rtperr"
	"github.com/stretchr/testify/require"
)

func TestParseTargetGrammar(t *testing.T) {
	cases := []struct {
		raw  string
		want config.Target
	}{
		{"synthhost", config.Target{Name: "synthhost", Host: "synthhost", Port: 5004}},
		{"synthhost:5008", config.Target{Name: "synthhost", Host: "synthhost", Port: 5008}},
		{"studio:synthhost", config.Target{Name: "studio", Host: "synthhost", Port: 5004}},
		{"studio:synthhost:5010", config.Target{Name: "studio", Host: "synthhost", Port: 5010}},
	}
	for _, tc := range cases {
		got, err := config.ParseTarget(tc.raw)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.want, got, tc.raw)
	}
}

func TestParseTargetRejectsBadEntries(t *testing.T) {
	for _, raw := range []string{"", "a:b:c:d", "studio:synthhost:notaport", "studio:synthhost:0"} {
		_, err := config.ParseTarget(raw)
		require.Error(t, err, raw)
		require.True(t, errors.Is(err, rtperr.ErrConfiguration), raw)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtpmidid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"name: studio\nports: [5004, 5006]\nconnectTo:\n  - piano:10.0.0.7\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "studio", cfg.Name)
	require.Equal(t, []uint16{5004, 5006}, cfg.Ports)

	targets, err := cfg.Targets()
	require.NoError(t, err)
	require.Equal(t, []config.Target{{Name: "piano", Host: "10.0.0.7", Port: 5004}}, targets)
}

func TestLoadWithoutFileDefaultsName(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Name)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	require.True(t, errors.Is(err, rtperr.ErrConfiguration))
}
