package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/duynguyendang/docbroker/internal/appconfig"
	"github.com/duynguyendang/docbroker/internal/credstore"
	"github.com/duynguyendang/docbroker/internal/datacloud"
	"github.com/duynguyendang/docbroker/internal/docai"
	"github.com/duynguyendang/docbroker/internal/extraction"
	"github.com/duynguyendang/docbroker/internal/orgstore"
	"github.com/duynguyendang/docbroker/pkg/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "docbroker",
		Short: "Brokers document extraction between users, Document AI, and Data Cloud",
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "docbroker.yaml", "path to the YAML settings file")

	root.AddCommand(serve)
	return root
}

func runServe(configPath string) error {
	_ = godotenv.Load()

	settings, err := appconfig.Load(configPath)
	if err != nil {
		return err
	}

	creds := credstore.NewStore(settings.DataDir)
	orgs := orgstore.NewStore(settings.DataDir, creds)
	orgs.Initialize()

	svc := extraction.NewService(orgs, creds,
		docai.NewClient(settings.ExtractTimeout()),
		datacloud.NewClient(settings.ExchangeTimeout(), settings.IngestTimeout()))

	srv := server.NewServer(orgs, creds, svc)
	slog.Info("starting document extraction broker", "port", settings.Port, "dataDir", settings.DataDir)
	return srv.Run(":" + settings.Port)
}
