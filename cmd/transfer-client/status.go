package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bigkaa/goartstore/transfer-module/pkg/transferclient"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status <filename>",
		Short: "Показать состояние загрузки",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient(v, cmd).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Статус:               %s\n", st.Status)
			if st.Status == transferclient.StatusNotFound {
				return nil
			}
			fmt.Fprintf(out, "Следующий байт:       %d\n", st.NextExpectedByte)
			fmt.Fprintf(out, "Получено:             %s / %s\n",
				humanize.IBytes(uint64(st.NextExpectedByte)), humanize.IBytes(uint64(st.TotalSize)))
			if st.LastUpdated != nil {
				fmt.Fprintf(out, "Последнее обновление: %s (%s)\n",
					st.LastUpdated.Local().Format("2006-01-02 15:04:05"), humanize.Time(*st.LastUpdated))
			}
			return nil
		},
	}
}

func newInfoCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Показать информацию о сервисе",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := newClient(v, cmd).Info(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Сервис:            %s %s\n", info.Service, info.Version)
			fmt.Fprintf(out, "Политика сессий:   %s\n", info.StalePolicy)
			fmt.Fprintf(out, "Хранилище сессий:  %s\n", info.SessionStore)
			fmt.Fprintf(out, "Архив:             %s\n", info.ArchiveBackend)
			fmt.Fprintf(out, "Макс. чанк:        %s\n", humanize.IBytes(uint64(info.MaxChunkSize)))
			fmt.Fprintf(out, "Макс. файл:        %s\n", humanize.IBytes(uint64(info.MaxFileSize)))
			fmt.Fprintf(out, "Активные сессии:   %d\n", info.ActiveSessions)
			return nil
		},
	}
}
