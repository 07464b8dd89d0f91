package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	twophaseservice "github.com/sushant-115/gojo2pc/api/twophase_service"
	"github.com/sushant-115/gojo2pc/pkg/connection"
)

var errExit = errors.New("exit requested")

// cli runs operator commands against one node, or against many for the
// *-all commands.
type cli struct {
	pool    *connection.ConnectionPoolManager
	addr    string
	id      twophaseservice.Identity
	out     io.Writer
	timeout time.Duration
}

func (c *cli) client(addr string) (*twophaseservice.Client, error) {
	conn, err := c.pool.Get(addr)
	if err != nil {
		return nil, err
	}
	return twophaseservice.NewClient(conn, c.id), nil
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no command provided")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch cmd := strings.ToLower(args[0]); cmd {
	case "prepare":
		if len(args) < 2 {
			return errors.New("prepare requires <gid> [object-id...]")
		}
		locks, err := parseObjectIDs(args[2:])
		if err != nil {
			return err
		}
		cl, err := c.client(c.addr)
		if err != nil {
			return err
		}
		xid, err := cl.Prepare(ctx, twophaseservice.PrepareArgs{GID: args[1], Locks: locks})
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "PREPARE TRANSACTION %q (xid %d)\n", args[1], xid)
	case "commit", "rollback":
		if len(args) < 2 {
			return fmt.Errorf("%s requires <gid> [missing_ok]", cmd)
		}
		missingOK := len(args) > 2 && args[2] == "missing_ok"
		cl, err := c.client(c.addr)
		if err != nil {
			return err
		}
		var found bool
		if cmd == "commit" {
			found, err = cl.CommitPrepared(ctx, args[1], missingOK)
		} else {
			found, err = cl.RollbackPrepared(ctx, args[1], missingOK)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, finishMessage(cmd == "commit", args[1], found))
	case "commit-all", "rollback-all":
		if len(args) < 3 {
			return fmt.Errorf("%s requires <gid> <addr>...", cmd)
		}
		return c.finishAll(ctx, args[1], cmd == "commit-all", args[2:])
	case "list":
		cl, err := c.client(c.addr)
		if err != nil {
			return err
		}
		list, err := cl.ListPrepared(ctx)
		if err != nil {
			return err
		}
		printPrepared(c.out, list)
	case "incr", "decr":
		if len(args) < 2 {
			return fmt.Errorf("%s requires <gid>", cmd)
		}
		cl, err := c.client(c.addr)
		if err != nil {
			return err
		}
		var n int
		if cmd == "incr" {
			n, err = cl.IncrDependentWork(ctx, args[1])
		} else {
			n, err = cl.DecrDependentWork(ctx, args[1])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: dependent work %d\n", args[1], n)
	case "help":
		printHelp(c.out)
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return nil
}

// finishAll sends the same decision to every participant. A participant that
// does not know gid has already finished it and is reported, not failed.
func (c *cli) finishAll(ctx context.Context, gid string, isCommit bool, addrs []string) error {
	results := make([]string, len(addrs))
	errs := make([]error, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cl, err := c.client(addr)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", addr, err)
				return
			}
			var found bool
			if isCommit {
				found, err = cl.CommitPrepared(ctx, gid, true)
			} else {
				found, err = cl.RollbackPrepared(ctx, gid, true)
			}
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", addr, err)
				return
			}
			results[i] = addr + ": " + finishMessage(isCommit, gid, found)
		}()
	}
	wg.Wait()
	for i := range addrs {
		if errs[i] != nil {
			fmt.Fprintf(c.out, "%v\n", errs[i])
		} else {
			fmt.Fprintln(c.out, results[i])
		}
	}
	return errors.Join(errs...)
}

func finishMessage(isCommit bool, gid string, found bool) string {
	verb := "ROLLBACK PREPARED"
	if isCommit {
		verb = "COMMIT PREPARED"
	}
	if !found {
		return fmt.Sprintf("%s %q: not prepared here, skipped", verb, gid)
	}
	return fmt.Sprintf("%s %q", verb, gid)
}

func parseObjectIDs(args []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid object id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printPrepared(out io.Writer, list []twophaseservice.PreparedXact) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GID\tXID\tPREPARED\tOWNER\tDATABASE\tLOCKED")
	for _, x := range list {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%t\n", x.GID, x.Xid, x.PreparedAt.Format(time.RFC3339), x.Owner, x.Database, x.Locked)
	}
	tw.Flush()
	fmt.Fprintf(out, "(%d prepared)\n", len(list))
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  prepare <gid> [object-id...]")
	fmt.Fprintln(out, "  commit <gid> [missing_ok]")
	fmt.Fprintln(out, "  rollback <gid> [missing_ok]")
	fmt.Fprintln(out, "  commit-all <gid> <addr>...")
	fmt.Fprintln(out, "  rollback-all <gid> <addr>...")
	fmt.Fprintln(out, "  list")
	fmt.Fprintln(out, "  incr <gid>")
	fmt.Fprintln(out, "  decr <gid>")
	fmt.Fprintln(out, "  help")
	fmt.Fprintln(out, "  exit / quit")
}
