package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newUploadCmd(v *viper.Viper) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Загрузить файл (с продолжением прерванной загрузки)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			fi, err := f.Stat()
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(path)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Загрузка %s (%s) как %s\n", path, humanize.IBytes(uint64(fi.Size())), name)

			client := newClient(v, cmd)
			err = client.Upload(cmd.Context(), name, f, fi.Size(), func(sent, total int64) {
				fmt.Fprintf(out, "\r  %s / %s (%.1f%%)",
					humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(total)),
					float64(sent)*100/float64(total))
			})
			fmt.Fprintln(out)
			if err != nil {
				return fmt.Errorf("загрузка прервана: %w", err)
			}

			fmt.Fprintln(out, "Загрузка завершена")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Имя файла на сервере (по умолчанию имя локального файла)")
	return cmd
}
