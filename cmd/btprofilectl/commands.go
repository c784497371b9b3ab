package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bluekit/btprofile/pkg/policy"
	"github.com/bluekit/btprofile/pkg/profile"
	"github.com/bluekit/btprofile/pkg/transport"
	"github.com/bluekit/btprofile/pkg/transport/loopback"
)

var ErrCommandLineArgs = errors.New("invalid command line arguments")

type Argument struct {
	name string
	help string
}

// env is the tool state shared by command handlers.
type env struct {
	registry  *profile.Registry
	allowlist *policy.Allowlist   // nil when running with allow_all
	loopback  *loopback.Transport // nil unless the loopback transport is selected
}

type Handler func(e *env, args map[string]string) error

type Command struct {
	help     string
	args     []Argument
	optional []Argument
	handler  Handler
}

func execute(e *env, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unrecognized command: %s", args[0])
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).",
			len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(e, keywords)
	}

	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
		for _, arg := range c.optional {
			fmt.Printf(" %s", arg.name)
		}
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	for _, arg := range append(append([]Argument{}, c.args...), c.optional...) {
		fmt.Printf("    %s: %s\n", arg.name, arg.help)
	}
}

func requireLoopback(e *env) (*loopback.Transport, error) {
	if e.loopback == nil {
		return nil, errors.New("command requires the loopback transport")
	}
	return e.loopback, nil
}

var commands = map[string]*Command{
	"connect": {
		help: "Request a profile connection to DEVICE.",
		args: []Argument{{name: "DEVICE", help: "Device address, e.g. AA:BB:CC:DD:EE:FF"}},
		handler: func(e *env, args map[string]string) error {
			return e.registry.Connect(args["DEVICE"])
		},
	},
	"disconnect": {
		help: "Request a profile disconnection from DEVICE.",
		args: []Argument{{name: "DEVICE", help: "Device address"}},
		handler: func(e *env, args map[string]string) error {
			return e.registry.Disconnect(args["DEVICE"])
		},
	},
	"state": {
		help: "Print the connection state of DEVICE.",
		args: []Argument{{name: "DEVICE", help: "Device address"}},
		handler: func(e *env, args map[string]string) error {
			fmt.Printf("%s: %s\n", args["DEVICE"], e.registry.State(args["DEVICE"]))
			return nil
		},
	},
	"list": {
		help: "List all devices with a connection controller and their states.",
		handler: func(e *env, args map[string]string) error {
			devices := e.registry.Devices()
			if len(devices) == 0 {
				fmt.Println("no devices")
				return nil
			}
			for _, id := range devices {
				fmt.Printf("%s: %s\n", id, e.registry.State(id))
			}
			return nil
		},
	},
	"remove": {
		help: "Tear down DEVICE's connection and destroy its controller.",
		args: []Argument{{name: "DEVICE", help: "Device address"}},
		handler: func(e *env, args map[string]string) error {
			e.registry.Remove(args["DEVICE"])
			return nil
		},
	},
	"allow": {
		help: "Add DEVICE to the connection allowlist.",
		args: []Argument{{name: "DEVICE", help: "Device address"}},
		handler: func(e *env, args map[string]string) error {
			if e.allowlist == nil {
				return errors.New("running with allow_all; no allowlist to edit")
			}
			e.allowlist.Add(args["DEVICE"])
			return nil
		},
	},
	"deny": {
		help: "Remove DEVICE from the connection allowlist.",
		args: []Argument{{name: "DEVICE", help: "Device address"}},
		handler: func(e *env, args map[string]string) error {
			if e.allowlist == nil {
				return errors.New("running with allow_all; no allowlist to edit")
			}
			e.allowlist.Remove(args["DEVICE"])
			return nil
		},
	},
	"incoming": {
		help: "Simulate a peer-initiated connection from DEVICE (loopback transport only).",
		args: []Argument{{name: "DEVICE", help: "Device address"}},
		optional: []Argument{{name: "STATE", help: "connecting (default) or connected"}},
		handler: func(e *env, args map[string]string) error {
			lb, err := requireLoopback(e)
			if err != nil {
				return err
			}
			link := transport.LinkConnecting
			if strings.EqualFold(args["STATE"], "connected") {
				link = transport.LinkConnected
			}
			lb.PushInbound(args["DEVICE"], link)
			return nil
		},
	},
	"drop": {
		help: "Simulate an unsolicited link loss for DEVICE (loopback transport only).",
		args: []Argument{{name: "DEVICE", help: "Device address"}},
		handler: func(e *env, args map[string]string) error {
			lb, err := requireLoopback(e)
			if err != nil {
				return err
			}
			lb.DropLink(args["DEVICE"])
			return nil
		},
	},
}
