package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lair-chat/lair-chat/internal/client"
)

func main() {
	address := flag.String("address", "127.0.0.1:8080", "server address, host:port")
	timeoutMs := flag.Int("timeout-ms", 5000, "connect timeout in milliseconds")
	flag.Parse()

	mgr := client.NewConnectionManager(client.ConnectionConfig{
		Address:   *address,
		TimeoutMs: *timeoutMs,
	}, nil)

	m := newModel(mgr)
	mgr.RegisterObserver(m)

	p := tea.NewProgram(m)
	m.program = p

	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "lair-chat-client:", err)
		os.Exit(1)
	}

	_ = mgr.Disconnect()
}
