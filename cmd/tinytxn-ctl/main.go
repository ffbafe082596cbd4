package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/server"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
)

var (
	configFile string
	partitions uint64
	statusAddr string
	logLevel   string
)

// newEmbeddedServer builds an in-process server from the command line flags.
func newEmbeddedServer() (*server.Server, error) {
	cfg := config.NewConfig()
	args := []string{"-L", logLevel}
	if configFile != "" {
		args = append(args, "-config", configFile)
	}
	if partitions > 0 {
		args = append(args, "-partitions", strconv.FormatUint(partitions, 10))
	}
	if err := cfg.Parse(args); err != nil {
		return nil, err
	}
	// The status server only runs when asked for.
	cfg.StatusAddr = statusAddr

	if err := cfg.SetupLogger(); err != nil {
		return nil, errors.Annotate(err, "initialize logger")
	}
	log.ReplaceGlobals(cfg.GetZapLogger(), cfg.GetZapLogProperties())

	svr, err := server.NewServer(cfg)
	if err != nil {
		return nil, err
	}
	if err := svr.Run(); err != nil {
		return nil, err
	}
	return svr, nil
}

func main() {
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		cancelBench()
		<-sc
		os.Exit(1)
	}()

	rootCmd := &cobra.Command{
		Use:   "tinytxn-ctl",
		Short: "tinytxn shell and benchmark",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file of the embedded server")
	rootCmd.PersistentFlags().Uint64Var(&partitions, "partitions", 0, "Number of partitions, overrides the config file")
	rootCmd.PersistentFlags().StringVar(&statusAddr, "status-addr", "", "Serve status of the embedded server on this address")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "warn", "Log level of the embedded server")

	rootCmd.AddCommand(
		newShellCommand(),
		newBenchCommand(),
	)

	cobra.EnablePrefixMatching = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(rootCmd.UsageString())
		os.Exit(1)
	}
}
