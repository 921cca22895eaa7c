package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/workdesk/internal/config"
	"github.com/zulandar/workdesk/internal/db"
	"gorm.io/gorm"
)

const defaultConfigPath = "workdesk.yaml"

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to Workdesk config file")
}

// openDB loads the config and connects to its database.
func openDB(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}
