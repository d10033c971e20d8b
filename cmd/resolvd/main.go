// Command resolvd is an iterative DNS resolver. It has two modes:
//
//	resolvd interactive
//	resolvd server <ip> <port> [--blocklist <file>]
//
// interactive reads one domain per line from stdin and prints the resolved
// A record or an error; server binds a UDP socket and serves forever.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jroosing/resolvd/internal/blocklist"
	"github.com/jroosing/resolvd/internal/cache"
	"github.com/jroosing/resolvd/internal/config"
	"github.com/jroosing/resolvd/internal/dns"
	"github.com/jroosing/resolvd/internal/logging"
	"github.com/jroosing/resolvd/internal/resolve"
	"github.com/jroosing/resolvd/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.Configure(logging.Config{Level: cfg.LogLevel})

	if len(args) == 0 {
		return fmt.Errorf("usage: resolvd <interactive|server> ...")
	}

	switch args[0] {
	case "interactive":
		return runInteractive(cfg)
	case "server":
		return runServer(args[1:], cfg, logger)
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

// runInteractive reads one domain per line from stdin and prints its
// resolved A record, or the error encountered resolving it. EOF exits 0.
func runInteractive(cfg *config.Config) error {
	r := resolve.New(cache.New(), blocklist.New(), cfg.RootServer, slog.Default())

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		name := scanner.Text()
		if name == "" {
			continue
		}
		ip, err := r.Resolve(name, uint16(dns.TypeA))
		if err != nil {
			fmt.Printf("Resolver failed with error: %v\n", err)
			continue
		}
		fmt.Printf("Domain IP: %s\n", ip)
	}
	return scanner.Err()
}

// runServer parses `<ip> <port> [--blocklist <file>]`, binds a
// SO_REUSEPORT UDP socket, and serves forever until interrupted.
func runServer(args []string, cfg *config.Config, logger *slog.Logger) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	blocklistPath := fs.String("blocklist", "", "path to a blocklist file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) != 2 {
		return fmt.Errorf("usage: resolvd server <ip> <port> [--blocklist <file>]")
	}

	ip := rest[0]
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid ip address %q", ip)
	}
	port, err := strconv.ParseUint(rest[1], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", rest[1], err)
	}

	bl := blocklist.New()
	if *blocklistPath != "" {
		loaded, err := blocklist.LoadFile(*blocklistPath)
		if err != nil {
			return fmt.Errorf("loading blocklist: %w", err)
		}
		bl = loaded
	}

	addr := net.JoinHostPort(ip, strconv.FormatUint(port, 10))
	conn, err := server.Listen(addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	r := resolve.New(cache.New(), bl, cfg.RootServer, logger)
	srv := server.New(conn, r, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logger.Info("listening", "addr", addr)
	return srv.Serve()
}
