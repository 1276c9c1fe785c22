package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "ztpd",
	Short: "Zero-touch provisioning for network devices",
	Long:  `Provisions network devices over their serial consoles: stages intended configs, verifies device identity, pushes and applies configuration, and spot checks the result.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("journal-path", ".artifacts/ztp.db", "Run journal SQLite path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("inventory", "netbox", "Inventory backend (netbox or s3)")
	rootCmd.PersistentFlags().String("netbox-url", "http://netbox.internal", "NetBox base URL")
	rootCmd.PersistentFlags().String("netbox-token", "", "NetBox API token")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 inventory bucket")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("s3-prefix", "devices", "S3 key prefix")
	rootCmd.PersistentFlags().String("terminal-host", "", "Terminal server host")
	rootCmd.PersistentFlags().Int("terminal-port", 22, "Terminal server SSH port")
	rootCmd.PersistentFlags().String("terminal-user", "", "Terminal server user")
	rootCmd.PersistentFlags().String("ftp-server", "", "Transfer server the device pulls from")
	rootCmd.PersistentFlags().String("ftp-user", "", "Transfer server user")
	rootCmd.PersistentFlags().String("staging-dir", "/srv/ftp", "Staging directory on the transfer server")

	viper.BindPFlag("journal-path", rootCmd.PersistentFlags().Lookup("journal-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("inventory", rootCmd.PersistentFlags().Lookup("inventory"))
	viper.BindPFlag("netbox-url", rootCmd.PersistentFlags().Lookup("netbox-url"))
	viper.BindPFlag("netbox-token", rootCmd.PersistentFlags().Lookup("netbox-token"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("s3-prefix", rootCmd.PersistentFlags().Lookup("s3-prefix"))
	viper.BindPFlag("terminal-host", rootCmd.PersistentFlags().Lookup("terminal-host"))
	viper.BindPFlag("terminal-port", rootCmd.PersistentFlags().Lookup("terminal-port"))
	viper.BindPFlag("terminal-user", rootCmd.PersistentFlags().Lookup("terminal-user"))
	viper.BindPFlag("ftp-server", rootCmd.PersistentFlags().Lookup("ftp-server"))
	viper.BindPFlag("ftp-user", rootCmd.PersistentFlags().Lookup("ftp-user"))
	viper.BindPFlag("staging-dir", rootCmd.PersistentFlags().Lookup("staging-dir"))
}
