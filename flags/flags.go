// Package flags provides support for samtun CLI args
package flags

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hop.computer/samtun/common"
	"hop.computer/samtun/config"
	"hop.computer/samtun/sam"
)

// ErrExcessArgs is returned when unparsed arguments remain
var ErrExcessArgs = errors.New("excess arguments provided")

// ErrUnknownCommand is returned for a missing or unrecognized subcommand.
var ErrUnknownCommand = errors.New("unknown command")

// Command selects what samtun does.
type Command string

const (
	ConfigNew      Command = "config new"
	GenDestination Command = "utils gen-destination"
	Forwarder      Command = "forwarder"
	Server         Command = "server"
	Echo           Command = "echo"
)

var commands = []Command{ConfigNew, GenDestination, Forwarder, Server, Echo}

// Flags holds parsed CLI args. Fields only apply to the commands noted.
type Flags struct {
	ConfigPath string
	LogLevel   logrus.Level
	Command    Command

	// utils gen-destination
	SignatureType string
	Write         bool

	// forwarder, echo
	IP string

	// forwarder
	Destination string
}

// Parse defines and parses the flags from the cmd line. args[0] is the
// program name.
func Parse(args []string, output io.Writer) (*Flags, error) {
	if len(args) == 0 {
		args = []string{"samtun"}
	}
	f := &Flags{}
	var level string
	global := flag.NewFlagSet(args[0], flag.ContinueOnError)
	global.SetOutput(output)
	global.StringVar(&f.ConfigPath, "config", common.DefaultConfigFile, "path to the YAML configuration")
	global.StringVar(&level, "log-level", logrus.InfoLevel.String(), "log level (trace, debug, info, warn, error)")
	global.Usage = func() {
		fmt.Fprintf(output, "usage: %s [-config FILE] [-log-level LEVEL] <command> [flags]\n\ncommands:\n", global.Name())
		for _, c := range commands {
			fmt.Fprintf(output, "  %s\n", c)
		}
		fmt.Fprintln(output, "\nglobal flags:")
		global.PrintDefaults()
	}
	if err := global.Parse(args[1:]); err != nil {
		return nil, err
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "-log-level")
	}
	f.LogLevel = lvl

	cmd, rest, err := splitCommand(global.Args())
	if err != nil {
		global.Usage()
		return nil, err
	}
	f.Command = cmd

	fs := flag.NewFlagSet(string(cmd), flag.ContinueOnError)
	fs.SetOutput(output)
	defineCommandFlags(fs, f)
	if err := fs.Parse(rest); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 { // there were unparsed args
		return nil, errors.Wrapf(ErrExcessArgs, "%s: %s", cmd, strings.Join(fs.Args(), " "))
	}
	return f, nil
}

func splitCommand(args []string) (Command, []string, error) {
	if len(args) == 0 {
		return "", nil, errors.Wrap(ErrUnknownCommand, "no command given")
	}
	switch args[0] {
	case "config", "utils":
		if len(args) < 2 {
			return "", nil, errors.Wrapf(ErrUnknownCommand, "%s needs a subcommand", args[0])
		}
		cmd := Command(args[0] + " " + args[1])
		if cmd != ConfigNew && cmd != GenDestination {
			return "", nil, errors.Wrapf(ErrUnknownCommand, "%s", cmd)
		}
		return cmd, args[2:], nil
	case string(Forwarder), string(Server), string(Echo):
		return Command(args[0]), args[1:], nil
	}
	return "", nil, errors.Wrapf(ErrUnknownCommand, "%s", args[0])
}

func defineCommandFlags(fs *flag.FlagSet, f *Flags) {
	switch f.Command {
	case GenDestination:
		fs.StringVar(&f.SignatureType, "signature-type", "", "SAM signature type (default from sam.signature_type)")
		fs.BoolVar(&f.Write, "write", false, "store the generated keys in the configuration file")
	case Forwarder:
		fs.StringVar(&f.IP, "ip", "", "local TCP listen address (default proxy.listen_address)")
		fs.StringVar(&f.Destination, "destination", "", "overlay destination, base64 or .i2p name (default proxy.forward_address)")
	case Echo:
		fs.StringVar(&f.IP, "ip", common.DefaultEchoAddress, "TCP listen address")
	}
}

// MergeForwarder applies forwarder flags over c. Flags win over the file.
func MergeForwarder(f *Flags, c *config.Configuration) *config.Configuration {
	merged := *c
	if f.IP != "" {
		merged.Proxy.ListenAddress = f.IP
	}
	if f.Destination != "" {
		merged.Proxy.ForwardAddress = f.Destination
	}
	return &merged
}

// SignatureTypeOr returns the signature type for gen-destination, falling back
// to the configuration.
func (f *Flags) SignatureTypeOr(c *config.Configuration) sam.SignatureType {
	if f.SignatureType != "" {
		return sam.SignatureType(f.SignatureType)
	}
	if c != nil && c.Sam.SignatureType != "" {
		return c.Sam.SignatureType
	}
	return sam.DefaultSignatureType
}
