package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const usage = `usage: taskmill [-config path] <command> [args]

commands:
  run      start the scheduler loop (daemonizable)
  once     claim and execute at most one task, then exit
  add      submit a task to the queue
  list     list queued tasks
  status   show queue, budget and checkpoint state
  history  show recent task-run history
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./taskmill.yaml", "path to config file (yaml or json)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	defer app.Close()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		err = cmdRun(ctx, app)
	case "once":
		err = cmdOnce(ctx, app)
	case "add":
		err = cmdAdd(ctx, app, rest)
	case "list":
		err = cmdList(ctx, app, rest)
	case "status":
		err = cmdStatus(ctx, app)
	case "history":
		err = cmdHistory(ctx, app, rest)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
