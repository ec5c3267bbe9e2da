package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohitkumar/fleetrules/agent"
	"github.com/mohitkumar/fleetrules/config"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/spf13/cobra"
)

type cli struct {
	cfg *config.Config
}

func setupFlags(cmd *cobra.Command) {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("storage", "", "storage implementation: memory, redis or postgres")
	cmd.Flags().Int("http-port", 0, "http port for rest endpoints")
	cmd.Flags().String("log-level", "", "log level")
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	c.cfg, err = config.Load(configFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("storage") {
		storage, _ := cmd.Flags().GetString("storage")
		c.cfg.StorageType = config.StorageType(storage)
	}
	if cmd.Flags().Changed("http-port") {
		c.cfg.HttpPort, _ = cmd.Flags().GetInt("http-port")
	}
	if cmd.Flags().Changed("log-level") {
		c.cfg.LogConfig.Level, _ = cmd.Flags().GetString("log-level")
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	return logger.Init(c.cfg.LogConfig)
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	defer logger.Sync()
	a, err := agent.New(*c.cfg, agent.Collaborators{})
	if err != nil {
		return err
	}
	if err := a.Start(true); err != nil {
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return a.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "fleetrules",
		Short:   "Runs the fleet workflow automation engine",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}
	setupFlags(cmd)

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
