package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/banshee-data/stepper/internal/config"
	"github.com/banshee-data/stepper/internal/db"
	"github.com/banshee-data/stepper/internal/present"
	"github.com/banshee-data/stepper/internal/protocol"
	"github.com/banshee-data/stepper/internal/security"
	"github.com/banshee-data/stepper/internal/stepper"
	"github.com/banshee-data/stepper/internal/telemetry"
	"github.com/banshee-data/stepper/internal/version"
)

const usage = `Usage: stepper [flags] <command> [args]

Commands:
  params                               print every parameter group
  move <position>                      move to an absolute position and wait
  position                             print the current position
  sinusoid <amplitude> <period> <n>    run n cycles and summarise the samples
  autoset                              run the homing routine and wait
  serve                                keep the driver up until signalled

Flags:
`

// options holds the parsed command line.
type options struct {
	configPath   string
	port         string
	baud         int
	gearRatio    float64
	pollInterval time.Duration
	dev          bool
	dbPath       string
	listen       string
	grpcListen   string
	plotPath     string
	showVersion  bool
}

func newFlagSet(o *options, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("stepper", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Path to a JSON driver config file")
	fs.StringVar(&o.port, "port", config.DefaultPort, "Serial port of the controller (ignored with -dev)")
	fs.IntVar(&o.baud, "baud", 115200, "Serial baud rate")
	fs.Float64Var(&o.gearRatio, "gear-ratio", config.DefaultGearRatio, "Output-shaft to motor gear ratio")
	fs.DurationVar(&o.pollInterval, "poll-interval", config.DefaultPollInterval, "Busy poll interval")
	fs.BoolVar(&o.dev, "dev", false, "Drive the built-in simulated controller")
	fs.StringVar(&o.dbPath, "db", "", "Telemetry journal path (empty disables the journal)")
	fs.StringVar(&o.listen, "listen", "", "Debug HTTP listen address (empty disables)")
	fs.StringVar(&o.grpcListen, "grpc-listen", "", "gRPC health listen address (empty disables)")
	fs.StringVar(&o.plotPath, "plot", "", "Write a plot of the sinusoid samples to this file (.png or .svg)")
	fs.BoolVar(&o.showVersion, "version", false, "Print version information and exit")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	return fs
}

// driverConfig loads the config file, if any, and applies explicitly set
// flags over it.
func driverConfig(fs *flag.FlagSet, o *options) (*config.DriverConfig, error) {
	cfg := &config.DriverConfig{}
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadDriverConfig(o.configPath); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = &o.port
		case "baud":
			cfg.BaudRate = &o.baud
		case "gear-ratio":
			cfg.GearRatio = &o.gearRatio
		case "poll-interval":
			d := o.pollInterval.String()
			cfg.PollInterval = &d
		case "dev":
			cfg.Simulate = &o.dev
		case "db":
			cfg.TelemetryDB = &o.dbPath
		case "listen":
			cfg.Listen = &o.listen
		case "grpc-listen":
			cfg.GRPCListen = &o.grpcListen
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("stepper: %v", err)
	}
}

// run parses args, brings the driver up and executes one command.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var o options
	fs := newFlagSet(&o, stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if o.showVersion {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	cmd, err := parseCommand(fs.Args())
	if err != nil {
		fs.Usage()
		return err
	}
	cfg, err := driverConfig(fs, &o)
	if err != nil {
		return err
	}
	if o.plotPath != "" {
		if err := security.ValidateExportPath(o.plotPath); err != nil {
			return fmt.Errorf("invalid -plot path: %w", err)
		}
	}

	d, err := startDriver(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	return cmd.exec(ctx, &runEnv{
		driver:  d,
		out:     stdout,
		timeout: cfg.GetCommandTimeout(),
		plot:    o.plotPath,
	})
}

// runEnv is what a sub-command runs against.
type runEnv struct {
	*driver
	out     io.Writer
	timeout time.Duration
	plot    string
}

// command is one parsed sub-command.
type command struct {
	name string
	exec func(context.Context, *runEnv) error
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New("missing command")
	}
	name, rest := args[0], args[1:]
	want := map[string]int{"params": 0, "move": 1, "position": 0, "sinusoid": 3, "autoset": 0, "serve": 0}
	n, ok := want[name]
	if !ok {
		return command{}, fmt.Errorf("unknown command %q", name)
	}
	if len(rest) != n {
		return command{}, fmt.Errorf("%s takes %d argument(s), got %d", name, n, len(rest))
	}

	nums := make([]float64, n)
	for i, s := range rest {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return command{}, fmt.Errorf("%s: invalid number %q", name, s)
		}
		nums[i] = v
	}

	c := command{name: name}
	switch name {
	case "params":
		c.exec = execParams
	case "move":
		c.exec = func(ctx context.Context, e *runEnv) error { return execMove(ctx, e, nums[0]) }
	case "position":
		c.exec = execPosition
	case "sinusoid":
		if nums[1] <= 0 {
			return command{}, fmt.Errorf("sinusoid: period must be positive")
		}
		cycles := int(nums[2])
		if float64(cycles) != nums[2] || cycles <= 0 {
			return command{}, fmt.Errorf("sinusoid: cycle count must be a positive integer")
		}
		p := stepper.SinusoidParams{Amplitude: nums[0], Period: nums[1], NumCycle: cycles}
		c.exec = func(ctx context.Context, e *runEnv) error { return execSinusoid(ctx, e, p) }
	case "autoset":
		c.exec = execAutoset
	case "serve":
		c.exec = execServe
	}
	return c, nil
}

func execParams(ctx context.Context, e *runEnv) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout*time.Duration(len(stepper.ParamNames())))
	defer cancel()
	report, err := e.motor.GetParams(ctx)
	fmt.Fprintln(e.out, present.ParamsTable(report))
	return err
}

func execPosition(ctx context.Context, e *runEnv) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	r, err := e.motor.GetPosition(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, present.ReplyTable(protocol.CmdGetPosition, r))
	return r.Err()
}

func execMove(ctx context.Context, e *runEnv, position float64) error {
	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	r, err := e.motor.MoveTo(sendCtx, position)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, present.ReplyTable(protocol.CmdMoveTo, r))
	if !r.Success() {
		return r.Err()
	}
	if err := e.motor.BusyWait(ctx); err != nil {
		return err
	}
	return execPosition(ctx, e)
}

func execAutoset(ctx context.Context, e *runEnv) error {
	r, err := e.motor.Autoset(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, present.ReplyTable(protocol.CmdAutosetPosition, r))
	return r.Err()
}

func execSinusoid(ctx context.Context, e *runEnv, p stepper.SinusoidParams) error {
	var samples []db.SampleRecord
	ended := make(chan error, 1)
	handler := func(sample protocol.Reply, err error) {
		if err != nil {
			ended <- err
			return
		}
		rec := db.SampleRecord{Seq: len(samples)}
		if t, ok := sample.Float("t"); ok {
			rec.T = &t
		}
		if pos, ok := sample.Float("position"); ok {
			rec.Position = &pos
		}
		samples = append(samples, rec)
	}

	ackCtx, cancel := context.WithTimeout(ctx, e.timeout)
	ack, err := e.motor.Sinusoid(ackCtx, p, handler)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, present.ReplyTable(protocol.CmdSinusoid, ack))
	if !ack.Success() {
		return ack.Err()
	}

	var endErr error
	select {
	case endErr = <-ended:
	case <-ctx.Done():
		e.motor.EndStream()
		endErr = <-ended
	}
	// the handler has made its final call, so samples is settled
	if !errors.Is(endErr, protocol.ErrStreamEnded) {
		return fmt.Errorf("stream: %w", endErr)
	}

	session := "local"
	if e.recorder != nil {
		if s, err := e.db.LatestSession(); err == nil && s != nil {
			session = s.ID
		}
	}
	fmt.Fprintln(e.out, present.SummaryTable(session, telemetry.Summarize(samples)))

	if e.plot != "" {
		if err := telemetry.SavePlot(fmt.Sprintf("sinusoid %s", session), samples, e.plot); err != nil {
			return err
		}
		log.Printf("wrote plot to %s", e.plot)
	}
	var cmdErr *protocol.CommandError
	if errors.As(endErr, &cmdErr) {
		return cmdErr
	}
	return nil
}

func execServe(ctx context.Context, e *runEnv) error {
	log.Printf("driver up; waiting for signal")
	<-ctx.Done()
	log.Printf("shutting down")
	return nil
}
