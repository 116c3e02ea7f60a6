package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/beyondstorage/beyond-fetch/config"
	"github.com/beyondstorage/beyond-fetch/fetch"
	"github.com/beyondstorage/beyond-fetch/logger"
	"github.com/beyondstorage/beyond-fetch/server"
)

var (
	sourceFlag string
	dirFlag    string
	nameFlag   string
	outputFlag string
)

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Download one file from a configured source",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := loadConfig()
		// Logs share stderr with the summary line.
		level := c.LogLevel
		if level == "info" {
			level = "warn"
		}
		if err := logger.SetUpLog(level, c.Development); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res, err := download(ctx, c, sourceFlag, dirFlag, nameFlag, outputFlag, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d bytes in %s\n", nameFlag, res.Bytes, res.Elapsed)
		return nil
	},
}

func init() {
	getCmd.Flags().StringVar(&sourceFlag, "source", "", "Configured source to download from")
	getCmd.Flags().StringVar(&dirFlag, "dir", "", "Remote directory")
	getCmd.Flags().StringVar(&nameFlag, "name", "", "Remote file name")
	getCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Write to file instead of stdout")
	_ = getCmd.MarkFlagRequired("source")
	_ = getCmd.MarkFlagRequired("name")
}

// fileSink accepts download headers and drops them.
type fileSink struct {
	io.Writer
	header http.Header
}

func (s *fileSink) Header() http.Header {
	return s.header
}

// download fetches dir/name from the named source into output, or into
// stdout when output is empty. A failed download removes output.
func download(ctx context.Context, c *config.Config, source, dir, name, output string, stdout io.Writer) (*fetch.Result, error) {
	sc, ok := c.Sources[source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	f, err := server.NewFetcher(sc)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", source, err)
	}

	w := stdout
	var file *os.File
	if output != "" {
		file, err = os.Create(output)
		if err != nil {
			return nil, err
		}
		w = file
	}

	res, err := f.Fetch(ctx, &fetch.Request{
		Host:     sc.Host,
		Port:     sc.Port,
		User:     sc.User,
		Password: sc.Password,
		Dir:      dir,
		Name:     name,
	}, &fileSink{Writer: w, header: make(http.Header)})
	if err == nil && res.Status != fetch.Success {
		err = fmt.Errorf("download %s: %s", name, res.Status)
	}

	if file != nil {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			if rerr := os.Remove(output); rerr != nil {
				zap.L().Warn("Remove partial output", zap.String("path", output), zap.Error(rerr))
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
