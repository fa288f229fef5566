package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xf61/sqlhound/internal/config"
	"github.com/0xf61/sqlhound/internal/observability"
)

func init() {
	observability.InitializeLogger(config.LoggerConfig{Level: "error", Format: "console"})
}

func TestScanCommand_RejectsUnsupportedScheme(t *testing.T) {
	viper.Reset()
	config.SetDefaults(viper.GetViper())

	cmd := newScanCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"ftp://host/file?id=1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestScanCommand_RequiresTargetArgument(t *testing.T) {
	viper.Reset()
	config.SetDefaults(viper.GetViper())

	cmd := newScanCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{})

	assert.Error(t, cmd.Execute())
}

func TestScanCommand_FlagOverridesConfig(t *testing.T) {
	viper.Reset()
	config.SetDefaults(viper.GetViper())

	cmd := newScanCmd()
	require.NoError(t, cmd.Flags().Set("dialect", "postgresql"))
	require.NoError(t, cmd.PreRunE(cmd, nil))

	assert.Equal(t, "postgresql", viper.GetString("detection.dialect_hint"))
}
