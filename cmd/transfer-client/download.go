package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bigkaa/goartstore/transfer-module/pkg/transferclient"
)

func newDownloadCmd(v *viper.Viper) *cobra.Command {
	var (
		output   string
		rangeArg string
		verify   string
	)

	cmd := &cobra.Command{
		Use:   "download <filename>",
		Short: "Скачать файл целиком или диапазон байт",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			var rng *transferclient.Range
			if rangeArg != "" {
				r, err := parseRange(rangeArg)
				if err != nil {
					return err
				}
				rng = &r
			}

			if output == "" {
				output = filepath.Base(name)
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}

			hash := sha256.New()
			n, err := newClient(v, cmd).Download(cmd.Context(), name, io.MultiWriter(f, hash), rng)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				_ = os.Remove(output)
				return fmt.Errorf("скачивание прервано: %w", err)
			}

			out := cmd.OutOrStdout()
			sum := hex.EncodeToString(hash.Sum(nil))
			fmt.Fprintf(out, "Сохранено %s в %s\n", humanize.IBytes(uint64(n)), output)
			fmt.Fprintf(out, "SHA-256: %s\n", sum)

			if verify == "" {
				return nil
			}
			want, err := fileSHA256(verify, rng)
			if err != nil {
				return err
			}
			if want != sum {
				return fmt.Errorf("контрольные суммы различаются: %s (локальный) != %s", want, sum)
			}
			fmt.Fprintln(out, "Контрольные суммы совпадают")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", "Куда сохранить файл (по умолчанию имя файла)")
	f.StringVar(&rangeArg, "range", "", "Диапазон байт START-END включительно, например 0-999")
	f.StringVar(&verify, "verify", "", "Локальный файл для сверки SHA-256")
	return cmd
}

// parseRange разбирает диапазон вида "START-END".
func parseRange(s string) (transferclient.Range, error) {
	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return transferclient.Range{}, fmt.Errorf("некорректный диапазон %q: ожидается START-END", s)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return transferclient.Range{}, fmt.Errorf("некорректное начало диапазона %q", startStr)
	}
	end, err := strconv.ParseInt(strings.TrimSpace(endStr), 10, 64)
	if err != nil || end < start {
		return transferclient.Range{}, fmt.Errorf("некорректный конец диапазона %q", endStr)
	}
	return transferclient.Range{Start: start, End: end}, nil
}

// fileSHA256 считает SHA-256 локального файла или его диапазона.
func fileSHA256(path string, rng *transferclient.Range) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var r io.Reader = f
	if rng != nil {
		r = io.NewSectionReader(f, rng.Start, rng.End-rng.Start+1)
	}

	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
