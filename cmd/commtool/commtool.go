// Program commtool is a command-line utility for running and poking at
// Rill communication cores.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/rill-lang/comm"
	"github.com/rill-lang/comm/commtest"
	"github.com/rill-lang/comm/config"
	"github.com/rill-lang/comm/frame"
	"github.com/rill-lang/comm/tlsproto"
)

var serveFlags struct {
	Config  string `flag:"config,Path to the port configuration file"`
	Verbose bool   `flag:"v,Enable debug logging"`
}

var callFlags struct {
	Addr     string `flag:"addr,Server address (host:port)"`
	Protocol string `flag:"protocol,default=frame,Wire protocol name"`
	Path     string `flag:"path,default=/,Resource path"`
	Value    string `flag:"value,Payload value as JSON (empty for none)"`
	Trust    string `flag:"truststore,PEM bundle of trusted CAs (frames protocol)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and poking at Rill communication cores.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "-config ports.yaml",
				Help:     "Serve the input ports of a port file, echoing request-response operations.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "-addr host:port <operation>",
				Help:     "Invoke one operation on a remote input port and print the response.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// newLogger configures a JSON logger on stderr.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// registerProtocols installs the built-in protocol stack on a core.
func registerProtocols(core *comm.Core) {
	core.RegisterProtocolFactory(frame.ProtocolName, frame.Factory{})
	core.RegisterProtocolFactory(frame.ProtocolName+"s", tlsproto.Factory{Inner: frame.Factory{}})
}

func runServe(env *command.Env) error {
	if serveFlags.Config == "" {
		return env.Usagef("Missing -config file")
	}
	file, err := config.Load(serveFlags.Config)
	if err != nil {
		return err
	}
	inputs, _, err := file.BuildPorts()
	if err != nil {
		return err
	}

	rt := commtest.NewRuntime()
	rt.Logger = newLogger(serveFlags.Verbose)

	core := comm.NewCore(rt, nil)
	registerProtocols(core)
	for _, in := range file.Inputs {
		for _, name := range in.Operations {
			rt.Declare(comm.Operation{Name: name})
		}
	}
	for _, in := range inputs {
		if err := core.AddInputPort(in, nil); err != nil {
			return err
		}
	}
	if err := core.Init(); err != nil {
		return err
	}
	rt.Logger.Info("serving", "ports", len(inputs))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	rt.Logger.Info("shutting down")
	core.Shutdown()
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Exactly one operation name is required")
	}
	if callFlags.Addr == "" {
		return env.Usagef("Missing -addr")
	}

	var value any
	if callFlags.Value != "" {
		if err := json.Unmarshal([]byte(callFlags.Value), &value); err != nil {
			return fmt.Errorf("parsing -value: %w", err)
		}
	}

	rt := commtest.NewRuntime()
	core := comm.NewCore(rt, nil)
	registerProtocols(core)
	if err := core.Init(); err != nil {
		return err
	}
	defer core.Shutdown()

	var params comm.Params
	if callFlags.Trust != "" {
		params = comm.Params{"ssl": map[string]any{"trustStore": callFlags.Trust}}
	}
	out := comm.NewOutputPort("out", "socket://"+callFlags.Addr, callFlags.Protocol, params)

	msg := comm.NewMessage(env.Args[0], callFlags.Path, value)
	rsp, err := core.Call(out, msg, rt.NewExecutionContext())
	if err != nil {
		return err
	}
	if rsp.Fault != nil {
		return fmt.Errorf("fault: %v", rsp.Fault)
	}
	data, err := json.Marshal(rsp.Value)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
