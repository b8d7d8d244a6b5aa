package main

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-network-server/internal/config"
)

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configfile",
		Short: "Print the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			k := koanf.New(".")
			if err := k.Load(structs.Provider(config.Default(), "koanf"), nil); err != nil {
				return err
			}

			b, err := k.Marshal(yaml.Parser())
			if err != nil {
				return err
			}

			fmt.Print(string(b))
			return nil
		},
	}
}
