package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flags: значения глобальных флагов, привязанные через viper.
var flags = viper.New()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "assetvault",
	Short:         "Хранилище медиафайлов с каталогом и blob-бэкендами",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", ".app.env", "env-файл конфигурации")
	rootCmd.PersistentFlags().String("log-mode", "", "режим логов: dev или prod (по умолчанию LOG_MODE)")
	_ = flags.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = flags.BindPFlag("log-mode", rootCmd.PersistentFlags().Lookup("log-mode"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dumpCmd)
}
