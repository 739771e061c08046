package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bigkaa/goartstore/transfer-module/pkg/transferclient"
)

// envPrefix — префикс переменных окружения клиента (TM_CLIENT_SERVER и т.д.).
const envPrefix = "TM_CLIENT"

// Имена флагов. Совпадают с ключами viper и конфигурационного файла.
const (
	flagConfig    = "config"
	flagServer    = "server"
	flagToken     = "token"
	flagChunkSize = "chunk-size"
	flagTimeout   = "timeout"
	flagVerbose   = "verbose"
)

// newRootCmd создаёт корневую команду со всеми подкомандами.
// Каждый вызов создаёт собственный экземпляр viper.
func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "transfer-client",
		Short: "Клиент Transfer Module",
		Long: `transfer-client загружает файлы в Transfer Module чанками с возобновлением
после обрыва, показывает статус загрузки и скачивает файлы целиком или по диапазону.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v, cmd)
		},
	}

	f := root.PersistentFlags()
	f.String(flagConfig, "", "Путь к конфигурационному файлу (yaml, json, toml)")
	f.String(flagServer, "http://localhost:8040", "Адрес Transfer Module")
	f.String(flagToken, "", "Bearer-токен (или TM_CLIENT_TOKEN)")
	f.Int(flagChunkSize, transferclient.DefaultChunkSize, "Размер чанка в байтах")
	f.Duration(flagTimeout, 5*time.Minute, "Таймаут одного HTTP-запроса")
	f.Bool(flagVerbose, false, "Подробный вывод")

	_ = v.BindPFlags(f)

	root.AddCommand(
		newUploadCmd(v),
		newStatusCmd(v),
		newDownloadCmd(v),
		newInfoCmd(v),
	)
	return root
}

// loadConfig подключает переменные окружения и конфигурационный файл.
// Приоритет: явно заданный флаг > окружение > файл > значение по умолчанию.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path, _ := cmd.Flags().GetString(flagConfig)
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("ошибка чтения конфигурации %s: %w", path, err)
	}
	return nil
}

// flagLoader возвращает значение флага, если он задан явно, иначе значение viper.
type flagLoader struct {
	cmd *cobra.Command
	v   *viper.Viper
}

func (f flagLoader) String(name string) string {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetString(name)
		return val
	}
	return f.v.GetString(name)
}

func (f flagLoader) Int(name string) int {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetInt(name)
		return val
	}
	return f.v.GetInt(name)
}

func (f flagLoader) Duration(name string) time.Duration {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetDuration(name)
		return val
	}
	return f.v.GetDuration(name)
}

func (f flagLoader) Bool(name string) bool {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetBool(name)
		return val
	}
	return f.v.GetBool(name)
}

// newClient собирает клиента из флагов, окружения и конфигурационного файла.
func newClient(v *viper.Viper, cmd *cobra.Command) *transferclient.Client {
	fl := flagLoader{cmd: cmd, v: v}

	level := slog.LevelWarn
	if fl.Bool(flagVerbose) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return transferclient.New(fl.String(flagServer),
		transferclient.WithToken(fl.String(flagToken)),
		transferclient.WithChunkSize(fl.Int(flagChunkSize)),
		transferclient.WithHTTPClient(&http.Client{Timeout: fl.Duration(flagTimeout)}),
		transferclient.WithLogger(logger),
	)
}
