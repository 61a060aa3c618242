// Copyright 2015 Tamás Demeter-Haludka
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
The blogify server and its maintenance commands.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aridwiprayogo/blogify"
	"github.com/aridwiprayogo/blogify/blog"
	"github.com/aridwiprayogo/blogify/lib/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errNoDB = errors.New("PGConnectString is not configured")

func main() {
	logger := log.DefaultOSLogger()

	rootCmd := &cobra.Command{
		Use:           "blogify",
		Short:         "blogify is a blogging platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		configFile = rootCmd.PersistentFlags().String("config", "", "Config file. Defaults to config.{toml,yaml,json} in the working directory.")
		verbose    = rootCmd.PersistentFlags().Bool("verbose", false, "Verbose logging")
		trace      = rootCmd.PersistentFlags().Bool("trace", false, "Trace logging")
	)

	loadConfig := func() (*viper.Viper, error) {
		cfg, err := blogify.LoadConfig(*configFile)
		if err != nil {
			return nil, err
		}

		switch {
		case *trace:
			cfg.Set("LogLevel", "trace")
		case *verbose:
			cfg.Set("LogLevel", "verbose")
		}

		return cfg, nil
	}

	rootCmd.AddCommand(
		createServeCmd(loadConfig, logger),
		createReindexCmd(loadConfig, logger),
		createSchemaCmd(loadConfig, logger),
		createGenSecretCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		logger.User().Println(err)
		os.Exit(1)
	}
}

func createServeCmd(loadConfig func() (*viper.Viper, error), logger *log.Log) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "starts the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return blogify.Hop(ctx, cfg, logger, blog.Configure)
		},
	}
}

func createReindexCmd(loadConfig func() (*viper.Viper, error), logger *log.Log) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "rebuilds the search index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.GetString("PGConnectString") == "" {
				return errNoDB
			}

			s, err := blogify.Bootstrap(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			b, err := blog.New(cfg, s.GetDBConnection())
			if err != nil {
				return err
			}
			if err = b.Register(s); err != nil {
				return err
			}

			count, err := b.Reindex(cmd.Context(), s.GetDBConnection())
			if err != nil {
				return err
			}

			logger.User().Printf("indexed %d entities\n", count)

			return nil
		},
	}
}

func createSchemaCmd(loadConfig func() (*viper.Viper, error), logger *log.Log) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "prints the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Set("PGConnectString", "")
			cfg.Set("assetsDir", "-")

			s, err := blogify.Bootstrap(cfg, logger)
			if err != nil {
				return err
			}

			if err = blog.Configure(cfg, s); err != nil {
				return err
			}

			fmt.Println(s.SchemaSQL())

			return nil
		},
	}
}
