// Command hill-server runs one Hill storage node.
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

	"github.com/Dicridon/hillstore/config"
	"github.com/Dicridon/hillstore/readcache"
	"github.com/Dicridon/hillstore/store"
)

var (
	configPath string
	cacheCap   int
)

func main() {
	cmd := &cobra.Command{
		Use:   "hill-server",
		Short: "Hill storage node",
		RunE:  run,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "node configuration file")
	cmd.Flags().IntVar(&cacheCap, "cache-cap", readcache.DefaultCapacity, "read cache capacity (entries)")
	cmd.MarkFlagRequired("config")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(*cobra.Command, []string) error {
	cfg, err := config.ParseFile(configPath)
	if err != nil {
		log.Errorf("configuration: %v", err)
		return err
	}
	srv, err := store.MakeServer(cfg, cacheCap)
	if err != nil {
		log.Errorf("server setup: %v", err)
		return err
	}
	if err := srv.Launch(); err != nil {
		log.Errorf("launch: %v", err)
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infoln("shutting down")
	srv.Stop()
	return nil
}
