package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatproxy/cmd/chatproxy/cmds"
)

var rootCmd = &cobra.Command{
	Use:          "chatproxy",
	Short:        "chatproxy serves a ChatGPT-style backend API on top of a completion service",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger now that --log-level and co are parsed
		return logging.InitLoggerFromCobra(cmd)
	},
}

func main() {
	if err := clay.InitGlazed("chatproxy", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	tokensCmd, err := cmds.NewTokensCommand()
	cobra.CheckErr(err)
	configCmd, err := cmds.NewConfigCommand()
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		cmds.NewServeCommand(),
		cmds.NewAskCommand(),
		tokensCmd,
		configCmd,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
