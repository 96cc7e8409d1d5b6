package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"taskrunner/internal/app"
	"taskrunner/internal/task"
	"taskrunner/internal/task/store"
)

var errUsage = errors.New("usage")

func runCommand(ctx context.Context, a *app.App, cmd string, args []string) error {
	switch cmd {
	case "run":
		rep, err := a.RunOnce(ctx)
		printJSON(rep)
		return err
	case "sweep":
		res, err := a.Sweep(ctx)
		printJSON(res)
		return err
	case "enqueue":
		return enqueue(ctx, a.Store(), args)
	case "list":
		return list(ctx, a, args)
	case "unlock", "run-next", "delete":
		return byID(ctx, a.Store(), cmd, args)
	}
	usage()
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func enqueue(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	action := fs.String("action", "", "action name")
	data := fs.String("data", "", "JSON object payload")
	priority := fs.Int("priority", task.DefaultPriority, "priority (higher runs first)")
	tag := fs.String("tag", "", "tag")
	delay := fs.Duration("delay", 0, "delay before the first run")
	scope := fs.Int64("scope", 0, "scope (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var payload map[string]any
	if *data != "" {
		if err := json.Unmarshal([]byte(*data), &payload); err != nil {
			return fmt.Errorf("-data: %w", err)
		}
	}
	opts := []store.EnqueueOption{store.WithPriority(*priority), store.WithTag(*tag), store.WithDelay(*delay)}
	if *scope != 0 {
		opts = append(opts, store.WithScope(*scope))
	}
	t, err := st.Enqueue(ctx, *action, payload, opts...)
	if err != nil {
		return err
	}
	fmt.Println(t.ID())
	return nil
}

func list(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", store.StatusAll, "pending|completed|running|failed")
	action := fs.String("action", "", "filter by action")
	tag := fs.String("tag", "", "filter by tag")
	order := fs.String("order", "priority desc, id asc", "order by")
	limit := fs.Int("limit", 50, "max rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st := a.Store()
	f, err := store.StatusFilter(*status)
	if err != nil {
		return err
	}
	f = append(f, store.Eq(task.ColumnScope, st.Scope()))
	if *action != "" {
		f = append(f, store.Eq(task.ColumnAction, *action))
	}
	if *tag != "" {
		f = append(f, store.Eq(task.ColumnTag, *tag))
	}
	ord, err := store.ParseOrder(*order)
	if err != nil {
		return err
	}
	tasks, err := st.LoadMany(ctx, store.Query{Filter: f, Order: ord, Limit: *limit})
	if err != nil {
		return err
	}

	total, err := st.Count(ctx, f)
	if err != nil {
		return err
	}

	reg := a.Registry()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPRIO\tFAILS\tRUNNING\tNEXT START\tTAG")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%v\t%s\t%s\n",
			t.ID(), reg.Title(t), t.Status(), t.Priority(), t.Fails(), t.Running(), formatTime(t.NextStart()), t.Tag())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d tasks\n", len(tasks), total)
	return nil
}

func byID(ctx context.Context, st *store.Store, cmd string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: %s ID", errUsage, cmd)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", args[0])
	}
	switch cmd {
	case "unlock":
		_, err = st.Unlock(ctx, id)
	case "run-next":
		_, err = st.RunNext(ctx, id)
	case "delete":
		err = st.Delete(ctx, id)
	}
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.DateTime)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
