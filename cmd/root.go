package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/beyondstorage/beyond-fetch/config"
	"github.com/beyondstorage/beyond-fetch/constants"
	"github.com/beyondstorage/beyond-fetch/logger"
	"github.com/beyondstorage/beyond-fetch/pprof"
	"github.com/beyondstorage/beyond-fetch/server"
	"github.com/beyondstorage/beyond-fetch/utils"
)

var (
	versionFlag bool
	cfgFileFlag string
	envFileFlag string
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   constants.Name,
	Short: "Stream files from FTP and SFTP servers over HTTP.",
	Long:  "Stream single files from FTP, SFTP and Beyond Storage sources into HTTP responses.",
	Run: func(cmd *cobra.Command, args []string) {
		if versionFlag {
			fmt.Fprintf(os.Stdout, "BeyondFetch version %s\n", constants.Version)
			return
		}
		_ = cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve downloads over HTTP",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := loadConfig()
		utils.MustNil(logger.SetUpLog(c.LogLevel, c.Development))

		pprof.StartPP(c.PprofAddr)
		s, err := server.NewHTTPServer(c)
		utils.MustNil(err, zap.String("stage", "server init"))
		utils.MustNil(StartServer(s))
	},
}

// loadConfig reads the env file and the config file named by the flags.
func loadConfig() *config.Config {
	utils.MustNil(config.LoadEnvFile(envFileFlag), zap.String("env", envFileFlag))
	c, err := config.LoadConfigFromFilepath(cfgFileFlag)
	utils.MustNil(err, zap.String("config", cfgFileFlag))
	return c
}

// StartServer binds s and serves until a termination signal arrives.
func StartServer(s server.Server) error {
	if err := s.Start(); err != nil {
		return err
	}
	go signalHandler(s)
	return s.Serve()
}

// Execute adds all child commands to the root command sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&versionFlag, "version", "v", false, "Show version")
	RootCmd.PersistentFlags().StringVarP(&cfgFileFlag, "config", "c", "", "Specify config file")
	RootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", "", "Load environment variables from a dotenv file")

	RootCmd.AddCommand(serveCmd, getCmd)
}

func signalHandler(s server.Server) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	sig := <-ch
	zap.L().Info("Shutting down", zap.Stringer("signal", sig))
	if err := s.Stop(); err != nil {
		zap.L().Error("Stop server", zap.Error(err))
	}
}
