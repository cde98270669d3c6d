// Command aim is the Application Instance Manager daemon: a per-node
// agent that starts, stops, supervises, and registers application
// server child processes on behalf of a cluster scheduler.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use: "aim",
	Short: "Application Instance Manager",
	Long: "aim starts, stops, supervises, and registers application server instances on this node.",
}

func init() {
	cobra.OnInitialize(initViper)
	rootCmd.PersistentFlags().String("config", "", "config file (default: /etc/appscale/aim.yaml)")
	viper.BindPFlag("config_file", rootCmd.PersistentFlags().Lookup("config"))
}

func initViper() {
	viper.SetEnvPrefix("aim")
	viper.AutomaticEnv()

	if cfgFile := viper.GetString("config_file"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("aim")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/appscale")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Fprintf(os.Stderr, "aim: reading config: %v\n", err)
		}
	}
}

func main() {
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
