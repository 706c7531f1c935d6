package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags.
type Flags struct {
	LogLevel        string
	LogFormat       string
	LogFile         string
	DebugPacket     bool
	DebugFrame      bool
	DebugRegistry   bool
	DebugTransport  bool
	DebugSignaling  bool
	DebugAll        bool
}

// RegisterFlags registers logging flags with the given FlagSet.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info", "Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text", "Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "", "Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "", "Log output file path (shorthand)")

	fs.BoolVar(&f.DebugPacket, "debug-packet", false, "Enable packet codec debugging (header fields, fragmentation)")
	fs.BoolVar(&f.DebugFrame, "debug-frame", false, "Enable frame reassembly debugging (bitmap, drop policy)")
	fs.BoolVar(&f.DebugRegistry, "debug-registry", false, "Enable session registry debugging (bind/unbind transitions)")
	fs.BoolVar(&f.DebugTransport, "debug-transport", false, "Enable per-transport I/O debugging (WS/QUIC/MQTT)")
	fs.BoolVar(&f.DebugSignaling, "debug-signaling", false, "Enable WebRTC signaling passthrough debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugPacket {
			cfg.EnableCategory(DebugPacket)
			cfg.Level = LevelDebug
		}
		if f.DebugFrame {
			cfg.EnableCategory(DebugFrame)
			cfg.Level = LevelDebug
		}
		if f.DebugRegistry {
			cfg.EnableCategory(DebugRegistry)
			cfg.Level = LevelDebug
		}
		if f.DebugTransport {
			cfg.EnableCategory(DebugTransport)
			cfg.Level = LevelDebug
		}
		if f.DebugSignaling {
			cfg.EnableCategory(DebugSignaling)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags.
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./relay

  Enable DEBUG level:
    ./relay --log-level debug

  Log to file, JSON format:
    ./relay --log-format json -o relay.json

  Debug the packet codec and frame reassembler only:
    ./relay --debug-packet --debug-frame

  Debug everything:
    ./relay --debug-all -o debug.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags.
func (f *Flags) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))
	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var cats []string
	if f.DebugAll {
		cats = append(cats, "all")
	} else {
		if f.DebugPacket {
			cats = append(cats, "packet")
		}
		if f.DebugFrame {
			cats = append(cats, "frame")
		}
		if f.DebugRegistry {
			cats = append(cats, "registry")
		}
		if f.DebugTransport {
			cats = append(cats, "transport")
		}
		if f.DebugSignaling {
			cats = append(cats, "signaling")
		}
	}
	if len(cats) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(cats, ",")))
	}

	return strings.Join(parts, " ")
}
