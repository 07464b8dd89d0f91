package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	twophaseservice "github.com/sushant-115/gojo2pc/api/twophase_service"
	"github.com/sushant-115/gojo2pc/config/certs"
	"github.com/sushant-115/gojo2pc/pkg/connection"
)

var (
	addr       = flag.String("addr", "127.0.0.1:7432", "Address of the gojo2pc node")
	user       = flag.Uint("user", 10, "User id to act as")
	database   = flag.Uint("database", 1, "Database id to act as")
	superuser  = flag.Bool("superuser", false, "Act as a superuser")
	role       = flag.String("role", "", "Session role: dispatch, execute or utility")
	tlsDir     = flag.String("tls_dir", "", "Directory with ca.crt, client.crt and client.key; empty disables TLS")
	serverName = flag.String("server_name", "localhost", "Expected server name in the node certificate")
	timeout    = flag.Duration("timeout", 10*time.Second, "Per-command timeout")
)

func main() {
	log.SetFlags(0)
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 && args[0] == "gencerts" {
		if len(args) < 2 {
			log.Fatal("gencerts requires <dir> [host...]")
		}
		hosts := args[2:]
		if len(hosts) == 0 {
			hosts = []string{"localhost", "127.0.0.1"}
		}
		if err := certs.GenerateCerts(args[1], hosts...); err != nil {
			log.Fatalf("Failed to generate certificates: %v", err)
		}
		fmt.Printf("Certificates written to %s\n", args[1])
		return
	}

	var tlsCfg *tls.Config
	if *tlsDir != "" {
		var err error
		tlsCfg, err = certs.ClientTLSConfig(
			filepath.Join(*tlsDir, certs.CAFile),
			filepath.Join(*tlsDir, certs.ClientCertFile),
			filepath.Join(*tlsDir, certs.ClientKeyFile),
			*serverName,
		)
		if err != nil {
			log.Fatalf("Failed to load TLS material: %v", err)
		}
	}
	pool := connection.NewConnectionPoolManager(tlsCfg)
	defer pool.Close()

	c := &cli{
		pool: pool,
		addr: *addr,
		id: twophaseservice.Identity{
			User:      uint32(*user),
			Database:  uint32(*database),
			Superuser: *superuser,
			Role:      *role,
		},
		out:     os.Stdout,
		timeout: *timeout,
	}

	if len(args) > 0 {
		if err := c.run(context.Background(), args); err != nil && !errors.Is(err, errExit) {
			log.Printf("Error: %v", err)
			pool.Close()
			os.Exit(1)
		}
		return
	}
	if err := interactive(c); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func interactive(c *cli) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojo2pc> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".gojo2pcctl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("prepare"),
			readline.PcItem("commit"),
			readline.PcItem("rollback"),
			readline.PcItem("commit-all"),
			readline.PcItem("rollback-all"),
			readline.PcItem("list"),
			readline.PcItem("incr"),
			readline.PcItem("decr"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "gojo2pc CLI connected to %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", c.addr)
	c.out = rl.Stdout()
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := c.run(context.Background(), fields); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
		}
	}
}
