package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"taskrunner/internal/app"
	"taskrunner/internal/task"
	"taskrunner/internal/task/actions"
)

const stopTimeout = 30 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr, `usage: taskrunner [-config path] <command> [args]

commands:
  serve                     run triggers until SIGINT/SIGTERM
  run                       one runner invocation
  sweep                     one maintenance pass
  enqueue -action NAME ...  queue a task
  list [-status S]          list tasks
  unlock ID                 reset fails of a locked task
  run-next ID               make a task the next one claimed
  delete ID                 delete a task
`)
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, received := signalContext(context.Background())

	reg := task.NewRegistry()
	a, err := app.New(ctx, cfgPath, reg)
	if err != nil {
		fatal(err)
	}
	if err := actions.Register(reg, a.Log()); err != nil {
		_ = a.Close()
		fatal(err)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "serve" {
		err = serve(ctx, a, received)
	} else {
		err = runCommand(ctx, a, cmd, args)
		err = errors.Join(err, a.Close())
	}
	if err != nil {
		fatal(err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM; received reports which.
func signalContext(parent context.Context) (ctx context.Context, received func() os.Signal) {
	ctx, cancel := context.WithCancel(parent)
	var got atomic.Value
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case s := <-ch:
			got.Store(s)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, func() os.Signal {
		s, _ := got.Load().(os.Signal)
		return s
	}
}

func serve(ctx context.Context, a *app.App, received func() os.Signal) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	reason := app.StopFatalError
	switch received() {
	case os.Interrupt:
		reason = app.StopSIGINT
	case syscall.SIGTERM:
		reason = app.StopSIGTERM
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		err = errors.Join(a.Err(), err)
	}
	return err
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "fatal:", err)
	os.Exit(1)
}
