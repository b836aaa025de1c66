package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"ktcp/pkg/ipv4link"
	"ktcp/pkg/logging"
	"ktcp/pkg/printer"
	"ktcp/pkg/tcp"
)

const MaxFileSize = 1 << 20

// CLI is the host REPL. Sockets are numbered by TCB slot index, as listed
// by ls.
type CLI struct {
	log   *logging.Logger
	stack *tcp.Stack
	link  *ipv4link.Link

	outMu sync.Mutex
	out   io.Writer

	mu        sync.Mutex
	conns     map[int]*tcp.Conn
	listeners map[int]*tcp.Listener
}

// New returns a REPL for stack. link may be nil when the host runs on a hub.
func New(log *logging.Logger, stack *tcp.Stack, link *ipv4link.Link, out io.Writer) *CLI {
	return &CLI{
		log:       log.WithField("component", "cli"),
		stack:     stack,
		link:      link,
		out:       out,
		conns:     map[int]*tcp.Conn{},
		listeners: map[int]*tcp.Listener{},
	}
}

// Run reads commands from in until it is exhausted or ctx is done.
func (c *CLI) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		c.printf("> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			c.HandleInput(line)
		}
	}
}

func (c *CLI) printf(format string, a ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, a...)
}

func (c *CLI) println(a ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, a...)
}

func (c *CLI) HandleInput(command string) {
	words := strings.Fields(command)
	if len(words) == 0 {
		return
	}

	switch {
	case len(words) == 1 && words[0] == "li":
		c.ListInterfaces()
	case len(words) == 1 && words[0] == "ln":
		c.ListNeighbors()
	case words[0] == "up" || words[0] == "down":
		if len(words) != 1 {
			c.printf("Invalid usage. Use '%s'\n", words[0])
			return
		}
		c.HandleInterfaceState(ipv4link.InterfaceStateFromString(words[0]))
	case len(words) == 1 && words[0] == "ls":
		c.ListSockets()
	case len(words) == 1 && words[0] == "lm":
		c.ListMailboxes()
	case len(words) == 3 && words[0] == "c":
		c.HandleConnect(words)
	case len(words) == 2 && words[0] == "a":
		c.HandleAccept(words)
	case len(words) >= 3 && words[0] == "s":
		c.HandleSendSocket(words)
	case len(words) == 3 && words[0] == "r":
		c.HandleReceiveSocket(words)
	case len(words) == 2 && words[0] == "cl":
		c.HandleClose(words)
	case len(words) == 4 && words[0] == "sf":
		c.HandleSendFile(words)
	case len(words) == 3 && words[0] == "rf":
		c.HandleReceiveFile(words)
	default:
		c.println("Invalid command")
	}
}

func (c *CLI) ListInterfaces() {
	if c.link == nil {
		c.printf("%s (hub)\n", c.stack.LocalIP())
		return
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	printer.PrintInterface(c.out, c.link)
}

func (c *CLI) ListNeighbors() {
	if c.link == nil {
		return
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	printer.PrintNeighbors(c.out, c.link)
}

func (c *CLI) HandleInterfaceState(state ipv4link.InterfaceState) {
	if c.link == nil {
		c.println("no interface")
		return
	}
	c.link.SetState(state)
}

func (c *CLI) ListSockets() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	printer.PrintTCBs(c.out, c.stack.Snapshot())
}

func (c *CLI) ListMailboxes() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	printer.PrintMailboxes(c.out, c.stack.Mailboxes())
}

func (c *CLI) addConn(conn *tcp.Conn) int {
	id := conn.Handle().Index
	c.mu.Lock()
	c.conns[id] = conn
	c.mu.Unlock()
	return id
}

func (c *CLI) conn(word string) (*tcp.Conn, error) {
	id, err := strconv.Atoi(word)
	if err != nil {
		return nil, errors.Errorf("invalid socket id %q", word)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[id]
	if !ok {
		return nil, errors.Errorf("socket %d doesn't exist", id)
	}
	return conn, nil
}

func parsePort(word string) (uint16, error) {
	port, err := strconv.ParseUint(word, 10, 16)
	if err != nil {
		return 0, errors.Errorf("invalid TCP port %q", word)
	}
	return uint16(port), nil
}

func (c *CLI) HandleConnect(words []string) {
	// c <ip> <port>
	destIP, err := netip.ParseAddr(words[1])
	if err != nil {
		c.println("Could not parse addr", err)
		return
	}
	port, err := parsePort(words[2])
	if err != nil {
		c.println(err)
		return
	}
	conn, err := c.stack.Connect(destIP, port)
	if err != nil {
		c.println(err)
		return
	}
	c.printf("Created socket %d\n", c.addConn(conn))
}

func (c *CLI) HandleAccept(words []string) {
	// a <port>
	port, err := parsePort(words[1])
	if err != nil {
		c.println(err)
		return
	}
	listener, err := c.stack.Listen(port)
	if err != nil {
		c.println(err)
		return
	}
	id := listener.Handle().Index
	c.mu.Lock()
	c.listeners[id] = listener
	c.mu.Unlock()
	c.printf("Created listen socket %d\n", id)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				c.log.Debugf("listener %d: %v", id, err)
				return
			}
			c.printf("New connection on socket %d\n", c.addConn(conn))
		}
	}()
}

func (c *CLI) HandleSendSocket(words []string) {
	// s <socket ID> <data>
	conn, err := c.conn(words[1])
	if err != nil {
		c.println(err)
		return
	}
	n, err := conn.Write([]byte(strings.Join(words[2:], " ")))
	if err != nil {
		c.println(err)
		return
	}
	c.printf("Sent %d bytes\n", n)
}

func (c *CLI) HandleReceiveSocket(words []string) {
	// r <socket ID> <numbytes>
	conn, err := c.conn(words[1])
	if err != nil {
		c.println(err)
		return
	}
	toRead, err := strconv.Atoi(words[2])
	if err != nil || toRead <= 0 {
		c.printf("Invalid bytesToRead: %s\n", words[2])
		return
	}
	payload := make([]byte, toRead)
	n, err := conn.Read(payload)
	if err != nil {
		c.println("Error while reading:", err)
		return
	}
	c.printf("Read %d bytes: %s\n", n, payload[:n])
}

func (c *CLI) HandleClose(words []string) {
	id, err := strconv.Atoi(words[1])
	if err != nil {
		c.println(err)
		return
	}
	c.mu.Lock()
	listener, isListener := c.listeners[id]
	conn, isConn := c.conns[id]
	delete(c.listeners, id)
	delete(c.conns, id)
	c.mu.Unlock()

	switch {
	case isListener:
		err = listener.Close()
	case isConn:
		err = conn.Close()
	default:
		err = errors.Errorf("socket %d doesn't exist", id)
	}
	if err != nil {
		c.println(err)
	}
}

func (c *CLI) HandleSendFile(words []string) {
	// sf <filename> <ip> <port>
	payload, err := os.ReadFile(words[1])
	if err != nil {
		c.println(err)
		return
	}
	destIP, err := netip.ParseAddr(words[2])
	if err != nil {
		c.println(err)
		return
	}
	port, err := parsePort(words[3])
	if err != nil {
		c.println(err)
		return
	}
	conn, err := c.stack.Connect(destIP, port)
	if err != nil {
		c.println(err)
		return
	}

	go func() {
		defer conn.Close()
		n, err := conn.Write(payload)
		if err != nil {
			c.println(err)
			return
		}
		c.printf("Wrote %d bytes from file %s\n", n, words[1])
	}()
}

// HandleReceiveFile accepts one connection on port and writes everything it
// receives to the file until the sender closes.
func (c *CLI) HandleReceiveFile(words []string) {
	// rf <dest file> <port>
	port, err := parsePort(words[2])
	if err != nil {
		c.println(err)
		return
	}
	listener, err := c.stack.Listen(port)
	if err != nil {
		c.println(err)
		return
	}
	file, err := os.OpenFile(words[1], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		_ = listener.Close()
		c.println(err)
		return
	}

	go func() {
		defer file.Close()
		conn, err := listener.Accept()
		_ = listener.Close()
		if err != nil {
			c.println(err)
			return
		}
		defer conn.Close()
		n, err := io.Copy(file, io.LimitReader(conn, MaxFileSize))
		if err != nil {
			c.println("rf:", err)
			return
		}
		c.printf("Total bytes written to file: %d\n", n)
	}()
}
