package cmds

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatproxy/pkg/settings"
)

// loadSettings resolves the command's flags, the environment (after .env)
// and the optional --settings-file into Settings.
func loadSettings(cmd *cobra.Command) (*settings.Settings, error) {
	configFile, _ := cmd.Flags().GetString(settings.ConfigFileFlag)
	return resolveSettings(cmd.Flags(), configFile)
}

func resolveSettings(fs *pflag.FlagSet, configFile string) (*settings.Settings, error) {
	if err := settings.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	s, err := settings.Load(viper.New(), fs, configFile)
	if err != nil {
		return nil, errors.Wrap(err, "load settings")
	}
	return s, nil
}
