// btprofilectl drives profile connection controllers from the command line. It is a development
// tool: with the loopback transport it exercises the state machines against a simulated peer, and
// with the gatt or bluez transports it manages connections to real devices.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
	"golang.org/x/term"

	"github.com/bluekit/btprofile/internal/log"
	"github.com/bluekit/btprofile/pkg/cli"
	"github.com/bluekit/btprofile/pkg/policy"
	"github.com/bluekit/btprofile/pkg/profile"
	"github.com/bluekit/btprofile/pkg/transport"
	"github.com/bluekit/btprofile/pkg/transport/gatt"
	"github.com/bluekit/btprofile/pkg/transport/loopback"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRuns COMMAND, or an interactive shell if no COMMAND is given.\n")
	fmt.Println("")
	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(e *env, args []string) int {
	if err := execute(e, args); err != nil {
		writeErr("Failed to execute command: %s", err)
		return 1
	}
	return 0
}

func runInteractiveShell(e *env) int {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	prompt := func() {
		if interactive {
			fmt.Printf("> ")
		}
	}
	scanner := bufio.NewScanner(os.Stdin)
	for prompt(); scanner.Scan(); prompt() {
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return 0
		}
		runCommand(e, args)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func selectProfile(name string) (profile.Profile, error) {
	switch name {
	case "bas":
		return profile.Battery, nil
	case "vcs":
		return profile.VolumeControl, nil
	case "has":
		return profile.HearingAccess, nil
	case "pbap":
		return profile.PhonebookClient, nil
	}
	return profile.Profile{}, fmt.Errorf("unknown profile %q (expected bas, vcs, has, or pbap)", name)
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug         bool
		configFile    string
		profileName   string
		transportName string
		adapterID     string
		timeout       time.Duration
	)
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.StringVar(&configFile, "config", "", "Load configuration from `FILE`")
	flag.StringVar(&profileName, "profile", "bas", "Profile to manage: bas, vcs, has, or pbap")
	flag.StringVar(&transportName, "transport", "", "Transport: loopback, gatt, or bluez (overrides config)")
	flag.StringVar(&adapterID, "adapter", "", "Local adapter ID, e.g. hci0 (overrides config)")
	flag.DurationVar(&timeout, "timeout", 0, "Transient-state guard timeout (overrides config)")
	flag.Parse()

	config, err := cli.LoadConfig(configFile)
	if err != nil {
		writeErr("%s", err)
		return
	}
	if transportName != "" {
		config.Transport = transportName
	}
	if adapterID != "" {
		config.AdapterID = adapterID
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	} else {
		level, err := config.Level()
		if err != nil {
			writeErr("%s", err)
			return
		}
		log.SetLevel(level)
	}

	prof, err := selectProfile(profileName)
	if err != nil {
		writeErr("%s", err)
		return
	}
	prof = config.ApplyTimeout(prof)
	if timeout > 0 {
		prof.Timeout = timeout
	}

	gate := config.Gate()
	e := &env{}
	if allowlist, ok := gate.(*policy.Allowlist); ok {
		e.allowlist = allowlist
	}

	observer := &profile.Hooks{
		Next: profile.ObserverFunc(func(deviceID string, previous, next profile.State) {
			fmt.Printf("%s: %s -> %s\n", deviceID, previous, next)
		}),
	}

	var trans transport.Transport
	switch config.Transport {
	case "loopback":
		lb := loopback.New()
		e.loopback = lb
		trans = lb
	case "gatt":
		g, err := gatt.NewDefault(config.AdapterID, prof.ServiceUUID)
		if err != nil {
			writeErr("Failed to open BLE adapter: %s", err)
			return
		}
		defer g.Close()
		observer.PostConnect = func(deviceID string) {
			if err := g.Discover(deviceID); err != nil {
				log.Warning("%s: service discovery failed: %s", deviceID, err)
			}
		}
		trans = g
	case "bluez":
		trans, err = newBluezTransport(config.AdapterID, prof.ServiceUUID)
		if err != nil {
			writeErr("Failed to open BlueZ transport: %s", err)
			return
		}
	default:
		writeErr("Unknown transport %q", config.Transport)
		return
	}

	registry := profile.NewRegistry(prof, trans, gate, observer)
	defer registry.Shutdown()
	e.registry = registry
	if t, ok := trans.(interface{ SetInboundHandler(transport.InboundHandler) }); ok {
		t.SetInboundHandler(registry)
	}

	if flag.NArg() > 0 {
		status = runCommand(e, flag.Args())
		// Give fire-and-forget requests a moment to surface their notifications.
		time.Sleep(250 * time.Millisecond)
		return
	}
	status = runInteractiveShell(e)
}
