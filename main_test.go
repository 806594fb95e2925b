package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHex(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{in: "7e4", want: 0x7E4},
		{in: "0x7E4", want: 0x7E4},
		{in: "10000", want: 0x10000},
		{in: "18DA10F1", want: 0x18DA10F1},
		{in: "xyz", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseHex(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadConfigArgs(t *testing.T) {
	cfg, err := loadConfig(options{}, []string{"7e4", "0", "10000"})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7E4), cfg.Scan.Ecu)
	assert.Equal(t, uint32(0), cfg.Scan.Start)
	assert.Equal(t, uint32(0x10000), cfg.Scan.End)

	_, err = loadConfig(options{}, []string{"7e4", "200", "100"})
	assert.Error(t, err)
	_, err = loadConfig(options{}, []string{"7e4", "0", "10001"})
	assert.Error(t, err)
	_, err = loadConfig(options{}, []string{"ecu", "0", "1"})
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pidscan.yaml")
	require.NoError(t, os.WriteFile(p, []byte("adapter:\n  name: Loopback\nscan:\n  timeout_ticks: 7\n"), 0644))

	cfg, err := loadConfig(options{configFile: p}, []string{"7e0", "f100", "f200"})
	require.NoError(t, err)
	assert.Equal(t, "Loopback", cfg.Adapter.Name)
	assert.Equal(t, uint64(7), cfg.Scan.TimeoutTicks)
	assert.Equal(t, uint32(0xF100), cfg.Scan.Start)
}
