package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/pingcap-incubator/tinytxn/kv/server"
	"github.com/spf13/cobra"
)

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run transactions interactively against an embedded server",
		Args:  cobra.NoArgs,
		Run:   runShellCommandFunc,
	}
}

var (
	shellServer *server.Server
	// current transaction of the shell, 0 when there is none.
	shellTxn uint64
	shellOut io.Writer = os.Stdout
)

func runShellCommandFunc(cmd *cobra.Command, args []string) {
	svr, err := newEmbeddedServer()
	if err != nil {
		fmt.Printf("start server failed %v\n", err)
		return
	}
	defer svr.Close()
	shellServer = svr
	shellLoop()
}

func runShellCommand(args []string) {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "tinytxn shell command",
	}

	cmd.SetArgs(args)
	cmd.SetOutput(shellOut)

	cmd.AddCommand(
		&cobra.Command{
			Use:                   "begin",
			Short:                 "Begin a transaction and make it current",
			Args:                  cobra.NoArgs,
			Run:                   runShellBeginCommand,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "use txn",
			Short:                 "Make an existing transaction current",
			Args:                  cobra.ExactArgs(1),
			Run:                   runShellUseCommand,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "get key",
			Short:                 "Read a key in the current transaction",
			Args:                  cobra.ExactArgs(1),
			Run:                   runShellGetCommand,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "put key value",
			Short:                 "Write a key in the current transaction",
			Args:                  cobra.ExactArgs(2),
			Run:                   runShellPutCommand,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "delete key",
			Short:                 "Delete a key in the current transaction",
			Args:                  cobra.ExactArgs(1),
			Run:                   runShellDeleteCommand,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "commit",
			Short:                 "Commit the current transaction",
			Args:                  cobra.NoArgs,
			Run:                   runShellCommitCommand,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "rollback",
			Short:                 "Roll back the current transaction",
			Args:                  cobra.NoArgs,
			Run:                   runShellRollbackCommand,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "timeout [duration]",
			Short:                 "Get or [set] the transaction timeout",
			Args:                  cobra.MaximumNArgs(1),
			Run:                   runShellTimeoutCommand,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "gc",
			Short:                 "Run garbage collection now",
			Args:                  cobra.NoArgs,
			Run:                   runShellGCCommand,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "status",
			Short:                 "Show transactions and partitions",
			Args:                  cobra.NoArgs,
			Run:                   runShellStatusCommand,
			DisableFlagsInUseLine: true,
		},
	)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(shellOut, cmd.UsageString())
	}
}

func currentTxn() (uint64, bool) {
	if shellTxn == 0 {
		fmt.Fprintln(shellOut, "No current transaction, run begin first")
		return 0, false
	}
	return shellTxn, true
}

func runShellBeginCommand(cmd *cobra.Command, args []string) {
	shellTxn = shellServer.Coordinator().Begin()
	fmt.Fprintf(shellOut, "Begin txn %d\n", shellTxn)
}

func runShellUseCommand(cmd *cobra.Command, args []string) {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(shellOut, "invalid txn id %s\n", args[0])
		return
	}
	state, err := shellServer.Coordinator().State(id)
	if err != nil {
		fmt.Fprintf(shellOut, "Use txn %d failed %v\n", id, err)
		return
	}
	shellTxn = id
	fmt.Fprintf(shellOut, "Using txn %d (%s)\n", id, state)
}

func runShellGetCommand(cmd *cobra.Command, args []string) {
	id, ok := currentTxn()
	if !ok {
		return
	}
	key := args[0]
	val, found, err := shellServer.Coordinator().Get(context.Background(), id, []byte(key))
	if err != nil {
		fmt.Fprintf(shellOut, "Get %s failed %v\n", key, err)
		return
	}
	if !found {
		fmt.Fprintf(shellOut, "Get empty for %s\n", key)
		return
	}
	fmt.Fprintf(shellOut, "%s=%q\n", key, val)
}

func runShellPutCommand(cmd *cobra.Command, args []string) {
	id, ok := currentTxn()
	if !ok {
		return
	}
	key := args[0]
	if err := shellServer.Coordinator().Put(context.Background(), id, []byte(key), []byte(args[1])); err != nil {
		fmt.Fprintf(shellOut, "Put %s failed %v\n", key, err)
		return
	}
	fmt.Fprintf(shellOut, "Put %s ok\n", key)
}

func runShellDeleteCommand(cmd *cobra.Command, args []string) {
	id, ok := currentTxn()
	if !ok {
		return
	}
	key := args[0]
	if err := shellServer.Coordinator().Delete(context.Background(), id, []byte(key)); err != nil {
		fmt.Fprintf(shellOut, "Delete %s failed %v\n", key, err)
		return
	}
	fmt.Fprintf(shellOut, "Delete %s ok\n", key)
}

func runShellCommitCommand(cmd *cobra.Command, args []string) {
	id, ok := currentTxn()
	if !ok {
		return
	}
	committed, err := shellServer.Coordinator().Commit(context.Background(), id)
	switch {
	case err != nil && committed:
		fmt.Fprintf(shellOut, "Commit txn %d incomplete %v\n", id, err)
	case err != nil:
		fmt.Fprintf(shellOut, "Commit txn %d failed %v\n", id, err)
	case committed:
		fmt.Fprintf(shellOut, "Commit txn %d ok\n", id)
	default:
		fmt.Fprintf(shellOut, "Commit txn %d aborted\n", id)
	}
	shellTxn = 0
}

func runShellRollbackCommand(cmd *cobra.Command, args []string) {
	id, ok := currentTxn()
	if !ok {
		return
	}
	if err := shellServer.Coordinator().Rollback(context.Background(), id); err != nil {
		fmt.Fprintf(shellOut, "Rollback txn %d failed %v\n", id, err)
		return
	}
	fmt.Fprintf(shellOut, "Rollback txn %d ok\n", id)
	shellTxn = 0
}

func runShellTimeoutCommand(cmd *cobra.Command, args []string) {
	c := shellServer.Coordinator()
	if len(args) == 1 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			fmt.Fprintf(shellOut, "invalid timeout %s\n", args[0])
			return
		}
		if err := c.SetTxnTimeout(d); err != nil {
			fmt.Fprintf(shellOut, "invalid timeout %s: %v\n", args[0], err)
			return
		}
	}
	fmt.Fprintf(shellOut, "Txn timeout %s\n", c.TxnTimeout())
}

func runShellGCCommand(cmd *cobra.Command, args []string) {
	result := shellServer.Coordinator().RunGC(context.Background())
	fmt.Fprintf(shellOut, "GC at watermark %d collected %d versions\n", result.Watermark, result.VersionsCollected)
}

func runShellStatusCommand(cmd *cobra.Command, args []string) {
	stats := shellServer.Coordinator().Stats()
	fmt.Fprintf(shellOut, "Txns active=%d prepared=%d committed=%d aborted=%d last-ts=%d watermark=%d\n",
		stats.Active, stats.Prepared, stats.Committed, stats.Aborted, stats.LastTS, stats.LastWatermark)
	for _, p := range shellServer.Partitions() {
		s := p.Stats()
		fmt.Fprintf(shellOut, "Partition %d versions=%d prepared=%d bytes=%d\n", s.ID, s.Versions, s.Prepared, s.Bytes)
	}
}

func shellLoop() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31m»\033[0m ",
		HistoryFile:       "/tmp/tinytxn-ctl.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Printf("init readline failed %v\n", err)
		return
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				return
			} else if err == io.EOF {
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "exit" {
			return
		}
		if line == "" {
			continue
		}
		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Fprintf(shellOut, "parse %q failed %v\n", line, err)
			continue
		}
		runShellCommand(args)
	}
}
