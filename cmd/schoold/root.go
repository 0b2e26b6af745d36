package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/azzam1122112-dot/school-display/internal/config"
)

var v = viper.New()

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "schoold",
		Short:         "Multi-tenant school display snapshot and invalidation service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	config.BindFlags(root, v)

	root.AddCommand(newServeCommand())
	root.AddCommand(newBumpCommand())
	root.AddCommand(newDoctorCommand())
	root.AddCommand(newSimulateCommand())

	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	static, err := config.LoadStaticTOML(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	return config.Load(v, static), nil
}
