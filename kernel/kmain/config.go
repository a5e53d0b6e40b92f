package kmain

import (
	"encoding/json"
	"errors"
	"os"

	"gophervm/kernel"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/vmm"
)

var (
	errConfigOpen    = &kernel.Error{Module: "kmain", Message: "unable to open configuration file"}
	errConfigDecode  = &kernel.Error{Module: "kmain", Message: "unable to decode configuration file"}
	errInvalidConfig = &kernel.Error{Module: "kmain", Message: "invalid configuration"}
)

// Config holds the boot parameters of the VM server.
type Config struct {
	// Frames is the number of frame slots in the server's frame window.
	Frames int `json:"frames"`

	// Untyped is the number of raw memory blocks the microkernel hands to
	// the server. When it is smaller than the number of pages the
	// processes touch, pages are evicted to the swap file.
	Untyped int `json:"untyped"`

	SwapFile string `json:"swap_file"`
	LogLevel string `json:"log_level"`

	// Processes is the number of demo processes started at boot, each of
	// which writes PagesPerProcess heap pages and reads them back.
	Processes       int `json:"processes"`
	PagesPerProcess int `json:"pages_per_process"`
}

// DefaultConfig returns a configuration that boots a small server whose
// demo workload does not fit in memory.
func DefaultConfig() Config {
	return Config{
		Frames:          256,
		Untyped:         96,
		SwapFile:        "pagefile",
		LogLevel:        "info",
		Processes:       4,
		PagesPerProcess: 64,
	}
}

// Load reads a JSON configuration file. Settings missing from the file keep
// their default value.
func Load(path string) (Config, *kernel.Error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, errConfigOpen.Wrap(err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err = dec.Decode(&cfg); err != nil {
		return cfg, errConfigDecode.Wrap(err)
	}

	return cfg, nil
}

// Validate checks that cfg describes a server that can boot.
func (cfg Config) Validate() *kernel.Error {
	switch {
	case cfg.Frames <= 0:
		return errInvalidConfig.Wrap(errors.New("frames must be positive"))
	case cfg.Untyped <= 0:
		return errInvalidConfig.Wrap(errors.New("untyped must be positive"))
	case cfg.SwapFile == "":
		return errInvalidConfig.Wrap(errors.New("swap_file must be set"))
	case cfg.Processes < 0 || cfg.PagesPerProcess < 0:
		return errInvalidConfig.Wrap(errors.New("demo workload size must not be negative"))
	case uintptr(cfg.PagesPerProcess) > vmm.HeapSize>>mm.PageShift:
		return errInvalidConfig.Wrap(errors.New("pages_per_process exceeds the heap size"))
	}
	return nil
}
