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
	"log"

	"github.com/spf13/cobra"

	"github.com/trellis-finance/trellis/config"
	"github.com/trellis-finance/trellis/database"
)

func migrateCommands(_ *trellisInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "create or update the database schema",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Fetch()
			if err != nil {
				log.Fatal(err)
			}

			db, err := database.ConnectDB(cfg.DataSource.Dns)
			if err != nil {
				log.Fatalf("Error migrating database: %v", err)
			}
			defer db.Close()

			log.Println("Database schema is up to date")
		},
	}

	return cmd
}
