package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/errors"
	"github.com/teilomillet/shopfront/server"
	"github.com/teilomillet/shopfront/server/formatting"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultConfigPath = "shopfront.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shopfront",
		Short:         "Storefront gateway that fans model calls out and formats their responses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newFormatCmd(), newCheckConfigCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath, envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and reload it when the configuration file changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file %s: %w", envFile, err)
				}
			}

			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			errors.SetLogger(logger)

			srv, err := server.NewServer(configPath, logger)
			if err != nil {
				logger.Error("Server initialization failed",
					zap.Error(err),
					zap.String("config_path", configPath),
				)
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				logger.Info("Shutdown signal received",
					zap.String("action", "initiating graceful shutdown"),
				)
			}()

			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file loaded before the configuration is read")
	return cmd
}

func newFormatCmd() *cobra.Command {
	var html bool
	cmd := &cobra.Command{
		Use:   "format [file]",
		Short: "Format a model response read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			doc := formatting.Format(string(raw))
			out := cmd.OutOrStdout()
			if html {
				_, err = fmt.Fprintln(out, doc.HTML())
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		},
	}
	cmd.Flags().BoolVar(&html, "html", false, "render HTML instead of the JSON document")
	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid: %d routes, provider %s\n",
				len(cfg.Routes), cfg.LLM.Provider)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shopfront %s\n", Version)
		},
	}
}

// newLogger builds a production logger for json output and a development
// logger for text output, at the configured level.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Format == "text" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// run executes the root command with the given arguments. Tests use it in
// place of main.
func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}
