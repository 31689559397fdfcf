package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/d53dave/cgopt/internal/console"
)

// newShellCmd starts an interactive console against an in-process manager:
// load models, start jobs, poll results, abort, all without running the
// HTTP service.
func newShellCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shell(cmd.Context(), jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print full structured responses")
	return cmd
}

func shell(ctx context.Context, jsonOut bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.close(30 * time.Second)

	c := console.New(app.manager, app.registry, app.store)

	fmt.Println("commands: get, load, set, start, abort, dryrun, batch, jobs, models, exit")
	scanner := bufio.NewScanner(os.Stdin)
	// Inline model specs can exceed the default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("cgopt> ")
		if !scanner.Scan() {
			fmt.Println()
			break
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			break
		}

		render(c.Dispatch(ctx, fields[0], fields[1:]), jsonOut)
		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

func render(resp console.Response, jsonOut bool) {
	if jsonOut {
		b, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			fmt.Println(failColor("error"), err)
			return
		}
		fmt.Println(string(b))
		return
	}
	if resp.OK {
		fmt.Println(okColor("ok"), resp.Message)
	} else {
		fmt.Println(failColor("error"), resp.Message)
	}
}
