// Command hill-monitor runs the cluster monitor.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Dicridon/hillstore/cluster"
	"github.com/Dicridon/hillstore/config"
)

var configPath string

func main() {
	cmd := &cobra.Command{
		Use:   "hill-monitor",
		Short: "Hill cluster monitor",
		RunE:  run,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "monitor configuration file")
	cmd.MarkFlagRequired("config")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(*cobra.Command, []string) error {
	cfg, err := config.ParseMonitorFile(configPath)
	if err != nil {
		log.Errorf("configuration: %v", err)
		return err
	}
	monitor, err := cluster.MakeMonitor(cfg)
	if err != nil {
		log.Errorf("monitor setup: %v", err)
		return err
	}
	if err := monitor.Launch(); err != nil {
		log.Errorf("launch: %v", err)
		return err
	}
	log.Infof("monitor up, %d ranges", len(monitor.Meta().Group.Infos))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	monitor.Stop()
	return nil
}
