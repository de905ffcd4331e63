// Command hill-client drives a simple insert/read workload against a
// running cluster.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package main

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Dicridon/hillstore/config"
	"github.com/Dicridon/hillstore/store"
	"github.com/Dicridon/hillstore/workload"
)

var (
	configPath string
	numKeys    uint64
	valueSize  int
)

func main() {
	cmd := &cobra.Command{
		Use:   "hill-client",
		Short: "Hill workload driver",
		RunE:  run,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "client configuration file")
	cmd.Flags().Uint64VarP(&numKeys, "num", "n", 10000, "number of keys")
	cmd.Flags().IntVar(&valueSize, "value-size", 64, "value size in bytes")
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
	client, err := store.MakeClient(cfg)
	if err != nil {
		return err
	}
	if err := client.Launch(); err != nil {
		return err
	}
	tid, err := client.RegisterWorker()
	if err != nil {
		return err
	}
	defer client.UnregisterWorker(tid)

	var (
		keys   = workload.UniqueKeys(numKeys, 0)
		values = workload.Values(int(numKeys), valueSize)
	)

	began := time.Now()
	for i, key := range keys {
		st, err := client.Insert(tid, []byte(key), values[i])
		if err != nil {
			return err
		}
		if st != store.StatusOk {
			return fmt.Errorf("insert %q: status %d", key, st)
		}
	}
	elapsed := time.Since(began)
	log.Infof("insert: %d keys in %v (%.0f op/s)", numKeys, elapsed,
		float64(numKeys)/elapsed.Seconds())

	began = time.Now()
	misses := 0
	for _, key := range keys {
		if _, err := client.Get(tid, []byte(key)); err != nil {
			misses++
		}
	}
	elapsed = time.Since(began)
	log.Infof("read: %d keys in %v (%.0f op/s), %d misses", numKeys, elapsed,
		float64(numKeys)/elapsed.Seconds(), misses)
	return nil
}
