// Command scpictl is an interactive console client: it dials a running
// scpid instance, offers line editing and history, sends each entered
// line verbatim, and prints the reply.
//
// Grounded on cmd/minimega's liner.NewLiner/input.Prompt/input.AppendHistory
// console loop (_examples/.../cmd/minimega/main.go, cli.go), adapted from a
// local-socket JSON-RPC client to a plain line-oriented TCP client.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/peterh/liner"
)

var (
	fHost = flag.String("host", "127.0.0.1", "scpid host to connect to")
	fPort = flag.Int("port", 5025, "scpid port to connect to")
)

func main() {
	flag.Parse()

	addr := net.JoinHostPort(*fHost, fmt.Sprintf("%d", *fPort))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scpictl: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)

	input := liner.NewLiner()
	defer input.Close()
	input.SetCtrlCAborts(true)

	fmt.Printf("connected to %s\n", addr)

	for {
		line, err := input.Prompt("scpictl> ")
		if err == liner.ErrPromptAborted {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			fmt.Fprintf(os.Stderr, "scpictl: %v\n", err)
			break
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		input.AppendHistory(line)

		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			fmt.Fprintf(os.Stderr, "scpictl: write failed: %v\n", err)
			break
		}

		reply, err := reader.ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "scpictl: read failed: %v\n", err)
			break
		}
		fmt.Print(reply)
	}
}
