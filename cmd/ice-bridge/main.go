package main

import (
	"context"
	"errors"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/bigbag/ice-bridge/internal/clock"
	"github.com/bigbag/ice-bridge/internal/detect"
	"github.com/bigbag/ice-bridge/internal/ice"
	"github.com/bigbag/ice-bridge/internal/leds"
	"github.com/bigbag/ice-bridge/internal/machine"
	"github.com/bigbag/ice-bridge/internal/pulse"
	"github.com/bigbag/ice-bridge/internal/serial"
	"github.com/bigbag/ice-bridge/internal/status"
	"github.com/bigbag/ice-bridge/internal/transport"
	"github.com/bigbag/ice-bridge/internal/uploader"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag string
	baudFlag int

	// run
	signalFlag   string
	capacityFlag int
	watchdogFlag time.Duration
	dwellFlag    time.Duration
	freqFlag     int
	spiFlag      string
	pulsePinFlag string
	noLightsFlag bool
	mqttFlag     string

	// send
	chunkFlag         int
	readyTimeoutFlag  time.Duration
	resultTimeoutFlag time.Duration
	echoFlag          bool
)

func main() {
	goflag.Set("logtostderr", "true")
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine)

	rootCmd := &cobra.Command{
		Use:   "ice-bridge",
		Short: "Load iCE40 bitstreams received over a serial link",
		Long: `ice-bridge runs on a board wired to an iCE40 FPGA. It waits for a host
on a serial link, receives a bitstream of fixed size, configures the FPGA
over SPI and reports step timings and the number of pulses the design
produced afterwards.

The send command is the host side of the same exchange.`,
		SilenceUsage: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge",
		Long: `Run the bridge until interrupted.

Each cycle waits for a host, receives one bitstream, flashes it, counts
pulses for the dwell time and prints a report.`,
		Args: cobra.NoArgs,
		RunE: runBridge,
	}
	runCmd.Flags().StringVarP(&portFlag, "port", "p", "/dev/ttyGS0", "Serial port facing the host")
	runCmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate")
	runCmd.Flags().StringVar(&signalFlag, "signal", string(transport.SignalDSR), "Modem line that means a host is attached (dsr, dcd, cts, always)")
	runCmd.Flags().IntVar(&capacityFlag, "capacity", machine.DefaultCapacity, "Exact bitstream size in bytes")
	runCmd.Flags().DurationVar(&watchdogFlag, "watchdog", machine.DefaultWatchdog, "Abort a transfer that takes longer than this")
	runCmd.Flags().DurationVar(&dwellFlag, "dwell", machine.DefaultDwell, "How long to count pulses after flashing")
	runCmd.Flags().IntVar(&freqFlag, "fpga-mhz", int(ice.DefaultFrequency/physic.MegaHertz), "FPGA clock in MHz")
	runCmd.Flags().StringVar(&spiFlag, "spi", ice.DefaultBoard.SPI, "SPI port wired to the FPGA")
	runCmd.Flags().StringVar(&pulsePinFlag, "pulse-pin", pulse.DefaultPin, "GPIO counting FPGA pulses")
	runCmd.Flags().BoolVar(&noLightsFlag, "no-lights", false, "Do not drive the status lights")
	runCmd.Flags().StringVar(&mqttFlag, "mqtt", os.Getenv("ICE_BRIDGE_MQTT"), "Publish events to this MQTT broker URL")

	flashCmd := &cobra.Command{
		Use:   "flash <bitstream.bin>",
		Short: "Flash a bitstream file directly",
		Long:  "Configure the FPGA from a local file, stopping at the first failing step.",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	flashCmd.Flags().IntVar(&freqFlag, "fpga-mhz", int(ice.DefaultFrequency/physic.MegaHertz), "FPGA clock in MHz")
	flashCmd.Flags().StringVar(&spiFlag, "spi", ice.DefaultBoard.SPI, "SPI port wired to the FPGA")

	sendCmd := &cobra.Command{
		Use:   "send <bitstream.bin>",
		Short: "Send a bitstream to a bridge",
		Long: `Send a bitstream to a running bridge and wait for its report.

The bridge is detected by USB ID unless --port is given.`,
		Args: cobra.ExactArgs(1),
		RunE: runSend,
	}
	sendCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	sendCmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate")
	sendCmd.Flags().IntVar(&capacityFlag, "capacity", machine.DefaultCapacity, "Bitstream size the bridge expects")
	sendCmd.Flags().IntVar(&chunkFlag, "chunk", uploader.ChunkSize, "Bytes per write")
	sendCmd.Flags().DurationVar(&readyTimeoutFlag, "ready-timeout", uploader.ReadyTimeout, "How long to wait for the bridge to be ready")
	sendCmd.Flags().DurationVar(&resultTimeoutFlag, "result-timeout", uploader.ResultTimeout, "How long to wait for the flash report")
	sendCmd.Flags().BoolVar(&echoFlag, "echo", false, "Print everything the bridge writes")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ice-bridge %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List USB serial ports, marking bridges",
		RunE:  runList,
	}

	rootCmd.AddCommand(runCmd, flashCmd, sendCmd, versionCmd, listCmd)

	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	sense, err := transport.ParseSignal(signalFlag)
	if err != nil {
		return err
	}
	if capacityFlag <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", capacityFlag)
	}

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize host drivers: %w", err)
	}

	var lights leds.Driver = leds.Nop{}
	if !noLightsFlag {
		g, err := leds.OpenGPIO(leds.DefaultPins)
		if err != nil {
			return err
		}
		lights = g
	}

	watcher, err := pulse.OpenWatcher(pulsePinFlag)
	if err != nil {
		return err
	}

	clk := clock.System{}
	prims := ice.NewSPI(clk)
	defer prims.Close()
	board := ice.DefaultBoard
	board.SPI = spiFlag
	seq := ice.NewSequencer(prims, board, physic.Frequency(freqFlag)*physic.MegaHertz, clk)

	link := transport.NewSerial(transport.PortOpener(portFlag, baudFlag), sense)
	defer link.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	counter := &pulse.Counter{}
	opts := []machine.Option{machine.WithClock(clk)}
	if mqttFlag != "" {
		id, err := status.DeviceID()
		if err != nil {
			return err
		}
		pub, err := status.Dial(mqttFlag, id)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, machine.WithNotifier(pub))
		g.Go(func() error { return pub.Run(ctx) })
	}

	cfg := machine.Config{
		Capacity: capacityFlag,
		Watchdog: watchdogFlag,
		Dwell:    dwellFlag,
	}
	m := machine.New(cfg, link, lights, seq, counter, opts...)

	glog.Infof("listening on %s, flashing over %s", portFlag, spiFlag)
	g.Go(func() error { return pulse.Run(ctx, watcher, counter) })
	g.Go(func() error { return m.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	glog.Info("shutting down")
	return nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	path := args[0]
	bitstream, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read bitstream: %w", err)
	}
	fmt.Printf("Bitstream: %s (%d bytes)\n", path, len(bitstream))

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize host drivers: %w", err)
	}

	clk := clock.System{}
	prims := ice.NewSPI(clk)
	defer prims.Close()
	board := ice.DefaultBoard
	board.SPI = spiFlag

	seq := ice.NewSequencer(prims, board, physic.Frequency(freqFlag)*physic.MegaHertz, clk)
	took, err := seq.RunSequenceFailFast(bitstream, len(bitstream))
	if err != nil {
		return err
	}
	fmt.Printf("Configured in %s\n", took)
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	path := args[0]
	bitstream, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read bitstream: %w", err)
	}

	fmt.Printf("Bitstream: %s (%d bytes)\n", path, len(bitstream))
	if len(bitstream) != capacityFlag {
		fmt.Printf("Warning: bridge expects %d bytes\n", capacityFlag)
	}

	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting bridge...")
		result, err := detect.Default().DetectDevice()
		if err != nil {
			return fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found bridge %s on %s\n", result.SerialNumber, result.Port)
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	u := uploader.New(port)
	u.ChunkSize = chunkFlag
	u.ReadyTimeout = readyTimeoutFlag
	u.ResultTimeout = resultTimeoutFlag
	if echoFlag {
		u.SetEcho(os.Stdout)
	}

	if err := u.Connect(); err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(bitstream),
		progressbar.OptionSetDescription("Uploading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	u.SetProgressCallback(func(current, total int) {
		bar.Set(current)
		if current == total {
			bar.Finish()
			fmt.Println("\nWaiting for flash report...")
		}
	})

	fmt.Println("Waiting for bridge...")
	result, err := u.Send(bitstream)
	if err != nil {
		return err
	}

	t := result.Timing
	fmt.Printf("Flash times (us): init %d, start %d, open %d, write %d, close %d\n",
		t.Init, t.Start, t.Open, t.Write, t.Close)
	fmt.Printf("Pulses: %d\n", result.Pulses)
	if !t.OK() {
		return errors.New("flash failed on the bridge")
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListUSBPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No USB serial ports found")
		return nil
	}

	bridges := make(map[string]bool)
	for _, b := range detect.Filter(ports, detect.BridgeVID, detect.AnyPID) {
		bridges[b.Port] = true
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		mark := " "
		if bridges[p.Name] {
			mark = "*"
		}
		fmt.Printf("%s %s  %s:%s  %s %s\n", mark, p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
	}

	return nil
}
