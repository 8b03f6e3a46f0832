/*
Copyright 2024 Trellis Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/trellis-finance/trellis"
	"github.com/trellis-finance/trellis/config"
	"github.com/trellis-finance/trellis/database"
)

// Trellis represents the CLI application, encapsulating the root Cobra command.
type Trellis struct {
	cmd *cobra.Command
}

// trellisInstance holds the service instance and its configuration for use by
// the subcommands.
type trellisInstance struct {
	trellis *trellis.Trellis
	cnf     *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the service instance before
// any command executes.
func preRun(app *trellisInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("trellis.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newTrellis, err := setupTrellis(cnf)
		if err != nil {
			log.Fatal(err)
		}

		app.trellis = newTrellis
		app.cnf = cnf

		return nil
	}
}

func setupTrellis(cfg *config.Configuration) (*trellis.Trellis, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newTrellis, err := trellis.NewTrellis(db)
	if err != nil {
		return nil, fmt.Errorf("error creating trellis: %v", err)
	}
	return newTrellis, nil
}

// NewCLI assembles the command-line interface: the server and migrate
// subcommands under one root.
func NewCLI() *Trellis {
	var configFile string
	b := &trellisInstance{}

	var rootCmd = &cobra.Command{
		Use:   "trellis",
		Short: "Multibank consent and account aggregation server",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./trellis.json", "Configuration file for the server")
	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(migrateCommands(b))

	return &Trellis{cmd: rootCmd}
}

func (t Trellis) executeCLI() {
	if err := t.cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()
	cli := NewCLI()
	cli.executeCLI()
}
