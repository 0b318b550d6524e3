package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/stepper/internal/config"
	"github.com/banshee-data/stepper/internal/db"
	"github.com/banshee-data/stepper/internal/health"
	"github.com/banshee-data/stepper/internal/protocol"
	"github.com/banshee-data/stepper/internal/serialmux"
	"github.com/banshee-data/stepper/internal/simulator"
	"github.com/banshee-data/stepper/internal/stepper"
	"github.com/banshee-data/stepper/internal/telemetry"
)

// driver owns everything brought up for one run.
type driver struct {
	motor    *stepper.Motor
	db       *db.DB
	recorder *telemetry.Recorder
	health   *health.Server

	server   *http.Server
	httpAddr net.Addr
	wg       sync.WaitGroup
}

// startDriver opens the port (or the simulator), connects the motor and
// starts the optional journal, debug HTTP and gRPC health surfaces.
func startDriver(ctx context.Context, cfg *config.DriverConfig) (_ *driver, err error) {
	d := &driver{health: health.NewServer()}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	var factory serialmux.SerialPortFactory = serialmux.NewRealSerialPortFactory()
	if cfg.GetSimulate() {
		log.Printf("using simulated controller")
		factory = simulator.New(simulator.DefaultConfig()).Opener()
	}
	port, err := serialmux.OpenSerialMux(factory, cfg.GetPort(), cfg.GetPortOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.GetPort(), err)
	}

	opts := []stepper.Option{
		stepper.WithGearRatio(cfg.GetGearRatio()),
		stepper.WithPollInterval(cfg.GetPollInterval()),
		stepper.WithDisconnectHandler(d.health.DisconnectHandler()),
	}
	if path := cfg.GetTelemetryDB(); path != "" {
		if d.db, err = db.OpenDB(path); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to open telemetry journal: %w", err)
		}
		d.recorder = telemetry.NewRecorder(d.db, nil)
		opts = append(opts, stepper.WithRouterOptions(protocol.WithObserver(d.recorder)))
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.GetCommandTimeout())
	defer cancel()
	if d.motor, err = stepper.Connect(connectCtx, port, opts...); err != nil {
		port.Close()
		return nil, err
	}
	d.health.SetServing(true)
	log.Printf("connected to %s (%s), gear ratio %g", cfg.GetPort(), cfg.GetPortOptions(), cfg.GetGearRatio())

	if addr := cfg.GetGRPCListen(); addr != "" {
		if err := d.health.Start(addr); err != nil {
			return nil, err
		}
	}
	if addr := cfg.GetListen(); addr != "" {
		mux := http.NewServeMux()
		port.AttachAdminRoutes(mux)
		d.motor.AttachAdminRoutes(mux)
		d.health.AttachAdminRoutes(mux)
		if d.db != nil {
			d.db.AttachAdminRoutes(mux)
			telemetry.AttachAdminRoutes(mux, d.db)
		}
		if err := d.serveHTTP(addr, mux); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *driver) serveHTTP(addr string, h http.Handler) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	d.httpAddr = lis.Addr()
	d.server = &http.Server{Handler: h}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		log.Printf("debug HTTP listening on %s", lis.Addr())
		if err := d.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Close tears down in reverse order of startup.
func (d *driver) Close() {
	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := d.server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		cancel()
		d.wg.Wait()
	}
	d.health.Stop()
	if d.motor != nil {
		if err := d.motor.Close(); err != nil {
			log.Printf("failed to close motor: %v", err)
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			log.Printf("failed to close telemetry journal: %v", err)
		}
	}
}
