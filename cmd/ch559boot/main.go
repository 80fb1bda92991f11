package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wchboot/ch559boot"
)

const appVersion = "0.3.0"

// Exit codes follow sysexits.h.
const (
	exitUsage = 64
	exitIOErr = 74
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func usageError(err error) error { return &exitError{code: exitUsage, err: err} }

type flags struct {
	erase          bool
	writeProgram   string
	compareProgram string

	eraseData   bool
	readData    string
	writeData   string
	compareData string

	fullfill bool
	seed     uint64
	config   string
	boot     bool

	before string
	after  string

	port    string
	baud    int
	profile string
	verbose bool
}

var opts flags

var rootCmd = &cobra.Command{
	Use:   "ch559boot",
	Short: "Flash CH559 program and data areas through the USB bootloader",
	Long: `Erase, write and compare the program flash, and erase, read, write and
compare the data flash of a CH559 running its factory bootloader.

Operations run in the order they are listed below; writing an area erases it
first. Files ending in .hex are read and written as Intel HEX, anything else
as raw binary.`,
	Example: `  # Flash firmware, fill the rest of the flash and start it
  ch559boot -w firmware.bin -f -b

  # Save the data flash
  ch559boot -R data.bin`,
	Version:       appVersion,
	Args:          noArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError(err)
	}
	return nil
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	f := rootCmd.Flags()
	f.BoolVarP(&opts.erase, "erase", "e", false, "Erase program area")
	f.StringVarP(&opts.writeProgram, "write-program", "w", "", "Write a specified file to program area")
	f.StringVarP(&opts.compareProgram, "compare-program", "c", "", "Compare program area with a specified file")
	f.BoolVarP(&opts.eraseData, "erase-data", "E", false, "Erase data area")
	f.StringVarP(&opts.readData, "read-data", "R", "", "Read data area to a specified file")
	f.StringVarP(&opts.writeData, "write-data", "W", "", "Write a specified file to data area")
	f.StringVarP(&opts.compareData, "compare-data", "C", "", "Compare data area with a specified file")
	f.BoolVarP(&opts.fullfill, "fullfill", "f", false, "Fullfill unused area with randomized values")
	f.Uint64VarP(&opts.seed, "seed", "s", 0, "Random seed")
	f.StringVarP(&opts.config, "config", "g", "", "Write BOOT_CFG[15:8] in hex (i.e. 4e)")
	f.BoolVarP(&opts.boot, "boot", "b", false, "Boot application")

	f.StringVar(&opts.before, "before", "", "Command to run before connecting to the bootloader")
	f.StringVar(&opts.after, "after", "", "Command to run after all operations completed successfully")

	f.StringVar(&opts.port, "port", "", "Use the UART bootloader on this serial port instead of USB")
	f.IntVar(&opts.baud, "baud", 57600, "Serial baud rate")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")

	example, _ := ch559boot.DefaultProfile().Marshal()
	f.StringVar(&opts.profile, "profile", "", "Device profile yaml file. Default:\n\n"+string(example))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := exitIOErr
		if e, ok := err.(*exitError); ok {
			code = e.code
		}
		fmt.Println(err)
		os.Exit(code)
	}
}

func loadProfile(name string) (ch559boot.Profile, error) {
	if name == "" {
		return ch559boot.DefaultProfile(), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return ch559boot.Profile{}, err
	}
	defer f.Close()
	return ch559boot.LoadProfile(f)
}

func run(cmd *cobra.Command, args []string) error {
	if opts.verbose {
		log.SetLevel(log.DebugLevel)
	}
	ch559boot.SetLogger(log.StandardLogger())

	profile, err := loadProfile(opts.profile)
	if err != nil {
		return usageError(fmt.Errorf("profile: %v", err))
	}

	var bootConfig *byte
	if opts.config != "" {
		v, err := strconv.ParseUint(opts.config, 16, 8)
		if err != nil {
			return usageError(fmt.Errorf("config: %v", err))
		}
		b := byte(v)
		bootConfig = &b
	}

	progress := new(progressReporter)
	options := ch559boot.Options{
		Fullfill: opts.fullfill,
		Progress: progress.update,
	}
	if cmd.Flags().Changed("seed") {
		seed := opts.seed
		options.Seed = &seed
	}

	var transport ch559boot.Transport
	if opts.port != "" {
		transport = ch559boot.NewSerialTransport(opts.port, opts.baud, profile.Timeout)
	} else {
		transport = ch559boot.NewUSBTransport(profile.VendorID, profile.ProductID, profile.Timeout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := runHook(ctx, "before", opts.before); err != nil {
		return err
	}

	session := ch559boot.NewSession(transport, profile, options)
	if err := session.Connect(ctx); err != nil {
		return usageError(err)
	}
	defer session.Close()

	info, err := session.Identify(ctx)
	if err != nil {
		return usageError(err)
	}
	fmt.Printf("CH559 Found (BootLoader: v%s)\n", info.Version())
	if opts.fullfill || options.Seed != nil {
		fmt.Printf("random seed: %d\n", session.Seed())
	}

	p := &processor{
		session:    session,
		profile:    profile,
		progress:   progress,
		bootConfig: bootConfig,
	}
	if err := p.run(ctx); err != nil {
		return err
	}
	session.Close()
	return runHook(ctx, "after", opts.after)
}
