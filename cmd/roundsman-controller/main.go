// Copyright 2024 The Roundsman Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command roundsman-controller serves the controller's HTTP surface
// (C4): /config, /callhome and /checks/<file>, fronting the config
// resolver, artifact store and result relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/kptlabs/roundsman/controller"
	"github.com/kptlabs/roundsman/controller/backend"
	"github.com/kptlabs/roundsman/controller/config"
	"github.com/kptlabs/roundsman/controller/resolve"
	"github.com/kptlabs/roundsman/controller/store"
)

var (
	listenAddr     string
	configPath     string
	artifactDir    string
	backendDSN     string
	metricsAddr    string
	rateLimit      float64
	rateBurst      int
	cacheSize      int
	validateOnly   bool
)

func main() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	defer klog.Flush()

	cmd := &cobra.Command{
		Use:           "roundsman-controller",
		Short:         "Serves the roundsman controller HTTP surface",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8080", "HTTP listen address")
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "path to the controller's test/group/client configuration")
	cmd.Flags().StringVarP(&artifactDir, "artifacts", "a", ".", "directory serving check artifacts and their .sig companions")
	cmd.Flags().StringVar(&backendDSN, "backend-dsn", "", "SQL backend DSN (mysql://, postgres://, sqlite://); empty uses the HTTP line-protocol backend")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on; empty disables it")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "per-uuid requests/sec; zero disables rate limiting")
	cmd.Flags().IntVar(&rateBurst, "rate-burst", 5, "per-uuid token bucket burst size")
	cmd.Flags().IntVar(&cacheSize, "config-cache-size", 4, "size of the parsed-configuration cache (one entry per configuration path); zero disables caching")
	cmd.Flags().BoolVar(&validateOnly, "validate-config", false, "validate the configuration file and exit")

	if err := cmd.Execute(); err != nil {
		klog.Errorf("roundsman-controller: %v", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if validateOnly {
		fmt.Println("configuration valid")
		return nil
	}

	s := store.New(artifactDir)
	r, err := resolve.New(configPath, s, cacheSize)
	if err != nil {
		return err
	}

	b, closeBackend, err := newBackend(backendDSN)
	if err != nil {
		return err
	}
	if closeBackend != nil {
		defer closeBackend()
	}

	srv := controller.NewServer(r, s, b, rate.Limit(rateLimit), rateBurst)

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: srv.Router(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("roundsman-controller: listening on %s, config %s, artifacts %s", listenAddr, configPath, filepath.Clean(artifactDir))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		klog.Info("roundsman-controller: shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func newBackend(dsn string) (backend.Backend, func(), error) {
	if dsn == "" {
		return backend.NewHTTPBackendFromEnv(), nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := backend.NewSQLBackend(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { b.Close() }, nil
}

func serveMetrics(addr string) {
	reg := prometheus.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		klog.Errorf("roundsman-controller: metrics server: %v", err)
	}
}
