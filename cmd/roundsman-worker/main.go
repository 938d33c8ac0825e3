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

// Command roundsman-worker runs the control loop (C9): it pulls its
// configuration from a controller, schedules checks, and relays their
// results back.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/kptlabs/roundsman/check"
	"github.com/kptlabs/roundsman/identity"
	"github.com/kptlabs/roundsman/schedule"
	"github.com/kptlabs/roundsman/worker"
)

var (
	baseURL     string
	debug       bool
	printUUID   bool
	pidPath     string
	foreground  bool
	terminate   bool
	bootstrapAt string
)

func main() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	defer klog.Flush()

	cmd := &cobra.Command{
		Use:           "roundsman-worker",
		Short:         "Runs the roundsman worker control loop",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().StringVarP(&baseURL, "url", "u", "", "base URL of the controller (must contain http)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().BoolVarP(&printUUID, "print-uuid", "U", false, "print this worker's derived uuid and exit")
	cmd.Flags().StringVarP(&pidPath, "pidfile", "p", "", "path to the worker's pidfile")
	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground (daemonization is out of scope)")
	cmd.Flags().BoolVarP(&terminate, "terminate", "z", false, "send SIGTERM to the pid recorded in --pidfile, then exit")
	cmd.Flags().StringVarP(&bootstrapAt, "config", "c", "", "path to a local bootstrap YAML config")
	cmd.AddCommand(klogCommand(klogFlags))

	if err := cmd.Execute(); err != nil {
		klog.Errorf("roundsman-worker: %v", err)
		os.Exit(1)
	}
}

// klogCommand surfaces klog's flag set under a hidden subcommand so
// -v/-logtostderr remain reachable without fighting cobra's own flag
// parser for the root command's flags.
func klogCommand(fs *flag.FlagSet) *cobra.Command {
	c := &cobra.Command{Use: "klog-flags", Hidden: true}
	c.Flags().AddGoFlagSet(fs)
	return c
}

func run(cmd *cobra.Command, args []string) error {
	if printUUID {
		uuid, err := identity.Self()
		if err != nil {
			return fmt.Errorf("deriving uuid: %w", err)
		}
		fmt.Println(uuid)
		return nil
	}

	if terminate {
		return terminateDaemon(pidPath)
	}

	if baseURL == "" || !strings.Contains(baseURL, "http") {
		return fmt.Errorf("--url must be set and contain \"http\"")
	}
	if !foreground {
		klog.Warning("roundsman-worker: daemonization is an external collaborator; running in the foreground regardless of --foreground")
	}

	boot, err := worker.LoadBootstrapConfig(bootstrapAt)
	if err != nil {
		return err
	}
	if pidPath != "" {
		boot.PidPath = pidPath
	}
	if debug {
		klog.V(1).Info("roundsman-worker: debug logging enabled")
	}

	if boot.PidPath != "" {
		if err := os.WriteFile(boot.PidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("writing pidfile %s: %w", boot.PidPath, err)
		}
		defer os.Remove(boot.PidPath)
	}

	uuid, err := identity.Self()
	if err != nil {
		return fmt.Errorf("deriving uuid: %w", err)
	}
	klog.Infof("roundsman-worker: identity %s, controller %s", uuid, baseURL)

	sched := schedule.New(schedule.Options{LockPath: boot.LockPath})
	runner := check.NewRunner(check.Options{
		CacheDir: boot.CacheDir,
		CertPath: boot.CertPath,
	})
	w := worker.New(worker.Options{
		BaseURL:          baseURL,
		UUID:             uuid,
		Runner:           runner,
		Scheduler:        sched,
		CallhomeInterval: time.Duration(boot.CallhomeInterval),
		Debug:            debug,
	})

	if boot.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		for _, c := range schedule.Collectors() {
			reg.MustRegister(c)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(boot.MetricsAddr, mux); err != nil {
				klog.Errorf("roundsman-worker: metrics server: %v", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = w.Run(ctx)
	if err == context.Canceled {
		klog.Info("roundsman-worker: shutting down")
		return nil
	}
	return err
}

func terminateDaemon(path string) error {
	if path == "" {
		return fmt.Errorf("--terminate requires --pidfile")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading pidfile %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("parsing pid in %s: %w", path, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling process %d: %w", pid, err)
	}
	klog.Infof("roundsman-worker: sent SIGTERM to pid %d", pid)
	return nil
}
