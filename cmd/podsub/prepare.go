package main

import (
	"github.com/WatchBeam/clock"
	"github.com/spf13/cobra"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/config"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/datastore/mysql"
)

func createPrepareCmd(configManager config.Manager) *cobra.Command {
	prepareCmd := &cobra.Command{
		Use:   "prepare",
		Short: "Subcommands for initializing PodSub infrastructure",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Given correct database configuration, prepare the database for use",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := configManager.LoadConfig()

			ds, err := mysql.New(cfg.Mysql, clock.C)
			if err != nil {
				initFatal(err, "creating db connection")
			}
			defer ds.Close()

			if err := ds.MigrateTables(cmd.Context()); err != nil {
				initFatal(err, "migrating database tables")
			}

			cmd.Println("Database is ready.")
		},
	}

	prepareCmd.AddCommand(dbCmd)
	return prepareCmd
}
