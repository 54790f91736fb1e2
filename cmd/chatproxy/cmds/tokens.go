package cmds

import (
	"context"
	"fmt"
	"io"

	"github.com/go-go-golems/glazed/pkg/cli"
	glazed_cmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatproxy/pkg/tokens"
)

func NewTokensCommand() (*cobra.Command, error) {
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Token counting helpers",
	}

	countCmd, err := NewCountCommand()
	if err != nil {
		return nil, err
	}
	cobraCountCmd, err := cli.BuildCobraCommand(countCmd)
	if err != nil {
		return nil, errors.Wrap(err, "build tokens count command")
	}
	tokensCmd.AddCommand(cobraCountCmd)
	return tokensCmd, nil
}

type CountCommand struct {
	*glazed_cmds.CommandDescription
}

var _ glazed_cmds.WriterCommand = (*CountCommand)(nil)

type CountSettings struct {
	Model   string `glazed:"model"`
	Codec   string `glazed:"codec"`
	Backend string `glazed:"backend"`
	Input   string `glazed:"input"`
}

func NewCountCommand() (*CountCommand, error) {
	return &CountCommand{
		CommandDescription: glazed_cmds.NewCommandDescription(
			"count",
			glazed_cmds.WithShort("Count tokens using the same counter the context builder uses"),
			glazed_cmds.WithFlags(
				fields.New(
					"model",
					fields.TypeString,
					fields.WithHelp("Model used to pick the default codec"),
					fields.WithDefault("gpt-3.5-turbo"),
				),
				fields.New(
					"codec",
					fields.TypeString,
					fields.WithHelp("Codec used for encoding"),
				),
				fields.New(
					"backend",
					fields.TypeChoice,
					fields.WithHelp("Counter backend"),
					fields.WithChoices(tokens.BackendTiktoken, tokens.BackendTokenizer),
					fields.WithDefault(tokens.BackendTiktoken),
				),
			),
			glazed_cmds.WithArguments(
				fields.New(
					"input",
					fields.TypeStringFromFiles,
					fields.WithHelp("Input files, - for stdin"),
				),
			),
		),
	}, nil
}

func (c *CountCommand) RunIntoWriter(
	ctx context.Context,
	parsedValues *values.Values,
	w io.Writer,
) error {
	s := &CountSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return runCount(w, s)
}

func runCount(w io.Writer, s *CountSettings) error {
	codec := s.Codec
	if codec == "" {
		codec = tokens.DefaultEncodingForModel(s.Model)
	}
	counter, err := tokens.New(s.Backend, s.Model, codec)
	if err != nil {
		return errors.Wrap(err, "error creating token counter")
	}
	count, err := counter.Count(s.Input)
	if err != nil {
		return errors.Wrap(err, "error encoding input")
	}

	if _, err := fmt.Fprintf(w, "Model: %s\n", s.Model); err != nil {
		return errors.Wrap(err, "error writing to output")
	}
	if _, err := fmt.Fprintf(w, "Codec: %s\n", codec); err != nil {
		return errors.Wrap(err, "error writing to output")
	}
	if _, err := fmt.Fprintf(w, "Total tokens: %d\n", count); err != nil {
		return errors.Wrap(err, "error writing to output")
	}
	return nil
}
