// Command fileapp runs the file-sharing application in one of two modes:
//
//	fileapp -s <port>
//	fileapp -c <name> <server-ip> <server-port> <client-udp-port> <client-tcp-port>
//
// Server mode runs the registry; client mode runs a peer. A client given
// the literal server-ip "auto" locates the registry over mDNS.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/erl-ang/bootleg-bittorrent/internal/discovery"
	"github.com/erl-ang/bootleg-bittorrent/internal/peer"
	"github.com/erl-ang/bootleg-bittorrent/internal/registry"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  fileapp -s <port>")
	fmt.Fprintln(os.Stderr, "  fileapp -c <name> <server-ip> <server-port> <client-udp-port> <client-tcp-port>")
}

func main() {
	serverMode := flag.Bool("s", false, "run in server (registry) mode")
	clientMode := flag.Bool("c", false, "run in client (peer) mode")
	flag.Usage = usage
	flag.Parse()

	if *serverMode == *clientMode {
		usage()
		os.Exit(2)
	}

	if *serverMode {
		runServer(flag.Args())
		return
	}
	runClient(flag.Args())
}

// parsePort rejects ports that are not integers at all. Range checking
// happens in validatePorts, after the banner is printed.
func parsePort(s string) int {
	port, err := strconv.Atoi(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Port number should be an integer value in the range 1024-65535")
		os.Exit(2)
	}
	return port
}

// validatePorts enforces the accepted range for user-supplied ports.
func validatePorts(ports ...int) {
	for _, port := range ports {
		if port < 1024 || port > 65535 {
			fmt.Fprintln(os.Stderr, "Port number should be an integer value in the range 1024-65535")
			os.Exit(2)
		}
	}
}

func banner(pairs [][2]string) {
	fmt.Println("===============")
	fmt.Println("Printing args:")
	for _, p := range pairs {
		fmt.Println(p[0], p[1])
	}
	fmt.Println("===============")
}

func runServer(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	port := parsePort(args[0])
	// The banner prints before range validation; an out-of-range port
	// still gets the block. A non-integer port is rejected before it.
	banner([][2]string{{"server", "true"}, {"port", args[0]}})
	validatePorts(port)

	srv, err := registry.New(port)
	if err != nil {
		log.Fatalf("Failed to bind registry port: %v", err)
	}

	// Advertise the control endpoint on the LAN. Discovery is a
	// convenience; the registry works without it.
	if mdns, err := discovery.PublishRegistry(port); err != nil {
		log.Printf("Could not publish mDNS service: %v", err)
	} else {
		defer mdns.Shutdown()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		srv.Close()
	}()

	log.Printf("Registry listening on udp port %d", port)
	if err := srv.Run(); err != nil {
		log.Fatalf("Registry terminated: %v", err)
	}
	fmt.Println("Server terminated.")
}

func runClient(args []string) {
	if len(args) != 5 {
		usage()
		os.Exit(2)
	}
	name := args[0]
	serverIP := args[1]
	serverPort := parsePort(args[2])
	udpPort := parsePort(args[3])
	tcpPort := parsePort(args[4])

	// The banner prints before range and IP validation; a bad IP or
	// out-of-range port still gets the block. A non-integer port is
	// rejected before it.
	banner([][2]string{
		{"client", "true"},
		{"name", name},
		{"server-ip", serverIP},
		{"server-port", args[2]},
		{"client-udp-port", args[3]},
		{"client-tcp-port", args[4]},
	})
	validatePorts(serverPort, udpPort, tcpPort)
	if serverIP != "auto" && net.ParseIP(serverIP) == nil {
		fmt.Fprintln(os.Stderr, "Invalid IP address")
		os.Exit(2)
	}

	if serverIP == "auto" {
		host, port, err := discovery.DiscoverRegistry()
		if err != nil {
			log.Fatalf("Could not find registry: %v", err)
		}
		log.Printf("Registry found at %s:%d", host, port)
		serverIP, serverPort = host, port
	}

	p, err := peer.New(name, serverIP, serverPort, udpPort, tcpPort, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to bind client ports: %v", err)
	}
	defer p.Close()

	if err := p.Register(); err != nil {
		if errors.Is(err, peer.ErrNameTaken) {
			fmt.Printf(">>> [%s is already registered. Registration rejected.]\n", name)
		} else {
			fmt.Println(">>> [Server not responding.]")
		}
		os.Exit(1)
	}
	fmt.Println(">>> [Welcome, You are registered.]")
	p.Start()

	shell(p)
}

// shell is the interactive command loop. One command executes at a time;
// status lines from the demultiplexer may interleave with the prompt.
func shell(p *peer.Peer) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(">>> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		// An offline peer only serves list.
		if p.Offline() && cmd != "list" {
			fmt.Println(">>> [Invalid command.]")
			continue
		}

		switch cmd {
		case "setdir":
			if len(args) != 1 {
				fmt.Println(">>> [Usage: setdir <dir>.]")
				continue
			}
			p.SetDir(args[0])
		case "offer":
			if p.Dir() == "" {
				fmt.Println(">>> [Please set a directory first. Usage: setdir <dir>.]")
				continue
			}
			if len(args) == 0 {
				fmt.Printf(">>> [Please provide files to offer from %s.]\n", p.Dir())
				continue
			}
			p.Offer(args)
		case "list":
			if len(args) != 0 {
				fmt.Println(">>> [Warning: list does not take any arguments]")
			}
			p.List(os.Stdout)
		case "request":
			if len(args) != 2 {
				fmt.Println(">>> [Usage: request <file_name> <client_name>.]")
				continue
			}
			p.Request(args[0], args[1])
		case "dereg":
			if len(args) != 1 {
				fmt.Println(">>> [Usage: dereg <nick-name>.]")
				continue
			}
			p.Dereg(args[0])
		default:
			fmt.Println(">>> [Invalid command. Please try again.]")
		}
	}
}
