// AutoPhone is a continuous-integration dispatcher for on-device test farms.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"autophone/internal/autophone/aggregator"
	"autophone/internal/autophone/cmdserver"
	"autophone/internal/autophone/config"
	"autophone/internal/autophone/dispatcher"
	"autophone/internal/autophone/driver"
	"autophone/internal/autophone/fleet"
	"autophone/internal/autophone/mailer"
	"autophone/internal/autophone/manifest"
	"autophone/internal/autophone/metrics"
	"autophone/internal/autophone/phone"
	"autophone/internal/autophone/testplugin"
	"autophone/internal/autophone/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EINVAL mirrors the historical errno the original returns for a bad log
// level, per the external interface's exit-code contract.
const exitEINVAL = 22

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitEINVAL
	}

	logLevel, err := cfg.LogLevel.Slog()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitEINVAL
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	logger.Info("starting", "config", cfg)

	phoneDriver := &driver.ADB{}
	if err := phoneDriver.Available(context.Background()); err != nil {
		logger.Error("device driver unavailable", "err", err)
		return driverErrno(err)
	}

	tests, err := testplugin.LoadManifest(cfg.TestPath)
	if err != nil {
		logger.Warn("could not load test manifest, worker will run no tests", "path", cfg.TestPath, "err", err)
	}

	emailCfg, err := mailer.LoadConfig(cfg.EmailCfg)
	if err != nil {
		logger.Warn("could not load email config, give-up alerts will not be emailed", "path", cfg.EmailCfg, "err", err)
	}
	mail, err := mailer.New(emailCfg, cfg.EmailKey)
	if err != nil {
		logger.Error("failed to build mailer", "err", err)
		return 1
	}

	reg := prometheus.NewRegistry()
	observer := metrics.NewRegistry(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statusCh := make(chan phone.StatusMessage, 256)
	agg := aggregator.New(logger)
	go agg.Run(ctx, statusCh)

	workerFactory := func(pc phone.Config, index int) *worker.Worker {
		return worker.New(worker.Params{
			PhoneID:    pc.PhoneID,
			Serial:     pc.Serial,
			IP:         pc.IP,
			SUTCmdPort: pc.SUTCmdPort,
			Index:      index,
			CallbackIP: cfg.IPAddr,
			Driver:     phoneDriver,
			Tests:      tests,
			Mailer:     mail,
			StatusCh:   statusCh,
			Observer:   observer,
			Logger:     logger,
		})
	}

	fleetReg := fleet.New(ctx, cfg.CachePath, workerFactory, logger)
	if cfg.Restarting {
		if err := fleetReg.ReadCache(); err != nil {
			logger.Error("failed to read fleet cache", "err", err)
			return 1
		}
		if !cfg.NoReboot {
			fleetReg.BroadcastReboot()
		}
	} else {
		if err := fleetReg.Reset(); err != nil {
			logger.Error("failed to reset fleet cache", "err", err)
			return 1
		}
	}

	disp := dispatcher.New(fleetReg, &manifest.HTTPDownloader{}, logger)

	srv := cmdserver.New(disp, fleetReg, agg, logger)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx, fmt.Sprintf(":%d", cfg.Port))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			logger.Error("command server failed", "err", err)
		}
	}

	cancel()
	srv.Shutdown()
	fleetReg.StopAll()
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}

	return 0
}

// driverErrno surfaces the device driver's own errno on startup failure,
// per the exit-code contract; a plain error maps to exit code 1.
func driverErrno(err error) int {
	var withErrno interface{ Errno() int }
	if errors.As(err, &withErrno) {
		return withErrno.Errno()
	}
	return 1
}
