// Command appctl is a thin RPC client over the supervisor's control-plane
// socket, exposing the same subcommands appCtrl.c does against the real
// daemon.
package main

import (
	"fmt"
	"net"
	netrpc "net/rpc"
	"os"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/legatoproject/legato-af-sub020/internal/rpc"
)

func main() {
	sockPath := os.Getenv("SUPERVISOR_RPC_SOCKET")
	if sockPath == "" {
		sockPath = "/var/run/supervisor.sock"
	}

	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "appctl: connect %s: %v\n", sockPath, err)
		os.Exit(1)
	}
	defer conn.Close()
	codec := msgpackrpc.NewClientCodec(conn)

	command := os.Args[1]
	args := os.Args[2:]

	var code fmt.Stringer
	var runErr error

	switch command {
	case "start":
		code, runErr = callApp(codec, "Service.Start", args)
	case "stop":
		code, runErr = callApp(codec, "Service.Stop", args)
	case "restart":
		code, runErr = callApp(codec, "Service.Restart", args)
	case "remove":
		code, runErr = callApp(codec, "Service.Remove", args)
	case "status":
		code, runErr = callStatus(codec, args)
	case "list":
		runErr = callList(codec)
	case "version", "--version":
		runErr = callVersion(codec)
	case "runProc":
		code, runErr = callRunProc(codec, args)
	default:
		printHelp()
		os.Exit(1)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "appctl: %v\n", runErr)
		os.Exit(1)
	}
	if code != nil {
		fmt.Println(code.String())
	}
}

func requireApp(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("missing app name")
	}
	return args[0], nil
}

func callApp(codec netrpc.ClientCodec, method string, args []string) (fmt.Stringer, error) {
	name, err := requireApp(args)
	if err != nil {
		return nil, err
	}
	var reply rpc.AppReply
	if err := msgpackrpc.CallWithCodec(codec, method, &rpc.AppRequest{App: name}, &reply); err != nil {
		return nil, err
	}
	return reply.Code, nil
}

func callStatus(codec netrpc.ClientCodec, args []string) (fmt.Stringer, error) {
	name, err := requireApp(args)
	if err != nil {
		return nil, err
	}
	var reply rpc.StatusReply
	if err := msgpackrpc.CallWithCodec(codec, "Service.Status", &rpc.StatusRequest{App: name}, &reply); err != nil {
		return nil, err
	}
	fmt.Println(reply.State)
	return reply.Code, nil
}

func callList(codec netrpc.ClientCodec) error {
	var reply rpc.ListReply
	if err := msgpackrpc.CallWithCodec(codec, "Service.List", &rpc.Empty{}, &reply); err != nil {
		return err
	}
	for _, name := range reply.Active {
		fmt.Printf("[running] %s\n", name)
	}
	for _, name := range reply.Installed {
		fmt.Printf("[stopped] %s\n", name)
	}
	return nil
}

func callVersion(codec netrpc.ClientCodec) error {
	var reply rpc.InfoReply
	if err := msgpackrpc.CallWithCodec(codec, "Service.Info", &rpc.Empty{}, &reply); err != nil {
		return err
	}
	fmt.Println(reply.Version)
	return nil
}

func callRunProc(codec netrpc.ClientCodec, args []string) (fmt.Stringer, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("usage: runProc <app> <process> [exec args...]")
	}
	req := &rpc.ImportRequest{App: args[0], Process: args[1], ExecPath: args[1]}
	if len(args) > 2 {
		req.Args = args[2:]
	}
	var reply rpc.ImportReply
	if err := msgpackrpc.CallWithCodec(codec, "Service.RunProc", req, &reply); err != nil {
		return nil, err
	}
	return reply.Code, nil
}

func printHelp() {
	fmt.Fprintln(os.Stderr, `usage: appctl <command> [args...]

commands:
  start   <app>
  stop    <app>
  restart <app>
  remove  <app>
  status  <app>
  list
  version
  runProc <app> <process> [exec args...]`)
}
