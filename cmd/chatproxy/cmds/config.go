package cmds

import (
	"context"
	"io"

	"github.com/go-go-golems/glazed/pkg/cli"
	glazed_cmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatproxy/pkg/settings"
)

func NewConfigCommand() (*cobra.Command, error) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}

	printCmd, err := NewConfigPrintCommand()
	if err != nil {
		return nil, err
	}
	cobraPrintCmd, err := cli.BuildCobraCommand(printCmd)
	if err != nil {
		return nil, errors.Wrap(err, "build config print command")
	}
	configCmd.AddCommand(cobraPrintCmd)
	return configCmd, nil
}

type ConfigPrintCommand struct {
	*glazed_cmds.CommandDescription
}

var _ glazed_cmds.WriterCommand = (*ConfigPrintCommand)(nil)

type ConfigPrintSettings struct {
	ConfigFile string `glazed:"settings-file"`
}

func NewConfigPrintCommand() (*ConfigPrintCommand, error) {
	return &ConfigPrintCommand{
		CommandDescription: glazed_cmds.NewCommandDescription(
			"print",
			glazed_cmds.WithShort("Print the settings serve would start with, as YAML"),
			glazed_cmds.WithLong("Resolve settings from the environment, .env and the optional settings file, then print them with the API key masked."),
			glazed_cmds.WithFlags(
				fields.New(
					settings.ConfigFileFlag,
					fields.TypeString,
					fields.WithHelp("Optional YAML config file"),
					fields.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *ConfigPrintCommand) RunIntoWriter(
	ctx context.Context,
	parsedValues *values.Values,
	w io.Writer,
) error {
	ps := &ConfigPrintSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, ps); err != nil {
		return err
	}

	fs := pflag.NewFlagSet("config-print", pflag.ContinueOnError)
	settings.AddFlags(fs)
	s, err := resolveSettings(fs, ps.ConfigFile)
	if err != nil {
		return err
	}
	return printSettings(w, s)
}

func printSettings(w io.Writer, s *settings.Settings) error {
	redacted := s.Redacted()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&redacted); err != nil {
		return errors.Wrap(err, "encode settings")
	}
	return enc.Close()
}
