// Command kneardctl is a thin CLI client for kneard's control channel,
// per spec.md §6. Subcommands: active-validator, maintenance-status,
// restart, shutdown, show-validator.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kuutamo/kneard/control"
)

// Exit codes per spec.md §6.
const (
	exitOK           = 0
	exitUsage        = 1
	exitRemoteError  = 2
	exitPrecondition = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	socketPath, args := extractControlSocketFlag(args, os.Getenv("KUUTAMO_CONTROL_SOCKET"))
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "active-validator":
		return runActiveValidator(socketPath, rest)
	case "maintenance-status":
		return runMaintenanceStatus(socketPath, rest)
	case "restart":
		return runSchedule(socketPath, "restart", rest)
	case "shutdown":
		return runSchedule(socketPath, "shutdown", rest)
	case "show-validator":
		return runActiveValidator(socketPath, rest)
	default:
		usage()
		return exitUsage
	}
}

// extractControlSocketFlag pulls a leading "--control-socket <path>" or
// "--control-socket=<path>" out of args, wherever it appears, and returns
// the remaining args alongside the resolved socket path. A flag value takes
// precedence over envDefault, matching kuutamod.py's execute_command, which
// accepts --control-socket in addition to the KUUTAMO_CONTROL_SOCKET
// environment variable (SPEC_FULL.md §12).
func extractControlSocketFlag(args []string, envDefault string) (string, []string) {
	socket := envDefault
	out := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--control-socket" && i+1 < len(args):
			socket = args[i+1]
			i++
		case strings.HasPrefix(arg, "--control-socket="):
			socket = strings.TrimPrefix(arg, "--control-socket=")
		default:
			out = append(out, arg)
		}
	}
	return socket, out
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kneardctl <active-validator|maintenance-status|restart|shutdown|show-validator> [flags]")
}

func runActiveValidator(socketPath string, args []string) int {
	fs := flag.NewFlagSet("active-validator", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	client := control.NewClient(socketPath)
	resp, err := client.Call(control.Request{Command: "active-validator", JSON: *asJSON})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRemoteError
	}

	if resp.Node == "" {
		if *asJSON {
			fmt.Println("null")
		} else {
			fmt.Println("no active validator")
		}
		return exitOK
	}

	if *asJSON {
		out, _ := json.Marshal(resp)
		fmt.Println(string(out))
	} else {
		fmt.Printf("%s (%s)\n", resp.Node, resp.State)
	}
	return exitOK
}

func runMaintenanceStatus(socketPath string, args []string) int {
	client := control.NewClient(socketPath)
	resp, err := client.Call(control.Request{Command: "maintenance-status"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRemoteError
	}
	fmt.Println(resp.Text)
	return exitOK
}

func runSchedule(socketPath, command string, args []string) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	scheduleAt := fs.Uint64("schedule-at", 0, "target block height")
	wait := fs.Uint64("wait", 0, "number of blocks to wait before the target height")
	cancel := fs.Bool("cancel", false, "cancel any scheduled maintenance")
	block := fs.Bool("block-until-done", false, "block until the supervisor confirms the change")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	req := control.Request{Command: command, Cancel: *cancel, BlockUntil: *block}
	if *scheduleAt != 0 {
		req.ScheduleAt = scheduleAt
	}
	if fs.Lookup("wait").Value.String() != "0" {
		req.Wait = wait
	}

	client := control.NewClient(socketPath)
	resp, err := client.Call(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRemoteError
	}
	if resp.Error != "" {
		fmt.Fprintln(os.Stderr, resp.Message)
		if resp.Error == "cancel_nothing" {
			return exitPrecondition
		}
		return exitRemoteError
	}

	if *cancel {
		fmt.Println("maintenance canceled")
		return exitOK
	}
	fmt.Printf("scheduled for height %d\n", resp.TargetHeight)
	return exitOK
}
