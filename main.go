package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitzhang10/yac/config"
	"github.com/gitzhang10/yac/node"
)

var (
	configName   string
	configPrefix string
	startDelay   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "yac",
	Short: "Run a YAC consensus peer",
	Long: `yac runs one peer of a YAC cluster: it votes on candidate blocks,
commits the candidate a quorum agreed on and downloads the blocks it misses.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, err := config.LoadConfig(configPrefix, configName)
		if err != nil {
			return fmt.Errorf("load config %q: %w", configName, err)
		}
		return startNode(cmd.Context(), conf)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configName, "config", "c", "config", "name of the config file, without extension, in the working directory")
	rootCmd.Flags().StringVar(&configPrefix, "config-prefix", "", "prefix of the environment variables overriding the config")
	rootCmd.Flags().DurationVar(&startDelay, "start-delay", 15*time.Second, "time to wait for the other nodes to start listening")
}

func startNode(ctx context.Context, conf *config.Config) error {
	n, err := node.NewNode(conf)
	if err != nil {
		return err
	}
	defer n.Close()
	if err = n.StartP2PListen(); err != nil {
		return err
	}
	// wait for each node to start
	time.Sleep(startDelay)
	if err = n.EstablishP2PConns(); err != nil {
		return err
	}
	fmt.Printf("%s starts the YAC!\n", n.Name())
	return n.Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
