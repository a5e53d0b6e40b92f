package main

import (
	"flag"
	"fmt"
	"os"

	"gophervm/kernel/kfmt"
	"gophervm/kernel/kmain"
)

// main loads the boot configuration, applies any command-line overrides
// and hands control to kmain.Kmain. A non-zero exit status reports that
// the server failed to boot or that its workload failed.
func main() {
	var (
		cfgPath  = flag.String("config", "", "a JSON file with the boot configuration")
		frames   = flag.Int("frames", 0, "number of frame slots in the server frame window")
		untyped  = flag.Int("untyped", 0, "number of raw memory blocks granted by the microkernel")
		swapFile = flag.String("swap", "", "path of the swap file")
		logLevel = flag.String("log-level", "", "log level (debug, info, warn or error)")
		procs    = flag.Int("procs", 0, "number of demo processes")
		pages    = flag.Int("pages", 0, "heap pages written by each demo process")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: os.Stderr, Prefix: []byte("[vm] ")})

	cfg := kmain.DefaultConfig()
	if *cfgPath != "" {
		loaded, err := kmain.Load(*cfgPath)
		if err != nil {
			kfmt.Printf("[kmain] %s\n", err.Error())
			os.Exit(2)
		}
		cfg = loaded
	}

	// only flags given on the command line override the configuration
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "frames":
			cfg.Frames = *frames
		case "untyped":
			cfg.Untyped = *untyped
		case "swap":
			cfg.SwapFile = *swapFile
		case "log-level":
			cfg.LogLevel = *logLevel
		case "procs":
			cfg.Processes = *procs
		case "pages":
			cfg.PagesPerProcess = *pages
		}
	})

	kfmt.SetLevel(cfg.LogLevel)
	if err := kmain.Kmain(cfg); err != nil {
		kfmt.Printf("[%s] boot failed: %s\n", err.Module, err.Error())
		os.Exit(1)
	}
}
