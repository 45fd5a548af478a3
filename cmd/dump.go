package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"assetvault/internal/domain"
)

var dumpFlags = viper.New()

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Дампы каталога",
}

var dumpCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Снять дамп каталога в blob-хранилище",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDumps(cmd, func(a *app) (*domain.DumpResult, error) {
			format, err := domain.ParseDumpFormat(dumpFlags.GetString("format"))
			if err != nil {
				return nil, err
			}
			return a.dumps.CreateDump(cmd.Context(), dumpFlags.GetString("filename"), format)
		})
	},
}

var dumpGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Показать дамп (по умолчанию самый свежий)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDumps(cmd, func(a *app) (*domain.DumpResult, error) {
			format, err := domain.ParseDumpFormat(dumpFlags.GetString("format"))
			if err != nil {
				return nil, err
			}
			return a.dumps.GetDump(cmd.Context(), dumpFlags.GetString("filename"), format)
		})
	},
}

var dumpRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Восстановить каталог из дампа",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDumps(cmd, func(a *app) (*domain.DumpResult, error) {
			return a.dumps.RestoreDump(cmd.Context(), dumpFlags.GetString("filename"))
		})
	},
}

func init() {
	dumpCmd.PersistentFlags().String("filename", "", "имя дампа без расширения")
	dumpCmd.PersistentFlags().String("format", "json", "формат дампа: json или rdb")
	_ = dumpFlags.BindPFlag("filename", dumpCmd.PersistentFlags().Lookup("filename"))
	_ = dumpFlags.BindPFlag("format", dumpCmd.PersistentFlags().Lookup("format"))

	dumpCmd.AddCommand(dumpCreateCmd, dumpGetCmd, dumpRestoreCmd)
}

// withDumps собирает зависимости, выполняет операцию и печатает результат в JSON.
func withDumps(cmd *cobra.Command, fn func(a *app) (*domain.DumpResult, error)) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := fn(a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
