// Command queuectl inspects and operates queues from a shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"elysium-jobs/internal/app"
	"elysium-jobs/internal/archive"
	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/engine"
)

const usage = `usage: queuectl [-json] <command> [args]

commands:
  depth [queue...]                 show set sizes per queue
  pause <queue>                    stop reserving from a queue
  resume <queue>                   resume a paused queue
  cancel <job-id>                  cancel a job
  job <job-id>                     print a job record
  schedules                        list recurring schedules
  dead list <queue> [-limit n]     list dead-lettered jobs
  dead requeue <queue> <job-id>    move a dead job back to ready
  dead purge <queue> <job-id>      delete a dead job
  dead archive <queue> [-limit n] [-purge]
                                   copy dead jobs to the archive store
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "queuectl:", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Close(closeCtx)
	}()

	cli := &cli{engine: rt.Engine, out: os.Stdout, archiver: func() (*archive.Archiver, error) { return rt.Archiver(ctx) }}
	if err := cli.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintln(os.Stderr, "queuectl:", err)
		stop()
		os.Exit(2)
	}
}

type cli struct {
	engine   *engine.Engine
	archiver func() (*archive.Archiver, error)
	out      io.Writer
	json     bool
}

func (c *cli) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("queuectl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&c.json, "json", false, "print JSON instead of tables")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	args = fs.Args()
	if len(args) == 0 {
		return errUsage
	}
	b := c.engine.Broker()
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "depth":
		return c.depth(ctx, rest)
	case "pause", "resume":
		if len(rest) != 1 {
			return fmt.Errorf("%w: %s needs a queue", errUsage, cmd)
		}
		op := b.Pause
		if cmd == "resume" {
			op = b.Resume
		}
		if err := op(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: %sd\n", rest[0], cmd)
		return nil
	case "cancel":
		if len(rest) != 1 {
			return fmt.Errorf("%w: cancel needs a job id", errUsage)
		}
		out, err := c.engine.Cancel(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: %s\n", rest[0], out)
		return nil
	case "job":
		if len(rest) != 1 {
			return fmt.Errorf("%w: job needs a job id", errUsage)
		}
		j, err := c.engine.Get(ctx, rest[0])
		if err != nil {
			return err
		}
		return c.printJSON(j)
	case "schedules":
		return c.schedules(ctx)
	case "dead":
		return c.dead(ctx, rest)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func (c *cli) depth(ctx context.Context, names []string) error {
	b := c.engine.Broker()
	if len(names) == 0 {
		var err error
		if names, err = b.Queues(ctx); err != nil {
			return err
		}
	}
	depths := make([]broker.Depth, 0, len(names))
	for _, name := range names {
		d, err := b.Depth(ctx, name)
		if err != nil {
			return fmt.Errorf("depth of %s: %w", name, err)
		}
		depths = append(depths, d)
	}
	if c.json {
		return c.printJSON(depths)
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tREADY\tDELAYED\tRESERVED\tSUCCEEDED\tDEAD\tCANCELLED\tPAUSED")
	for _, d := range depths {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%t\n",
			d.Queue, d.Ready, d.Delayed, d.Reserved, d.Succeeded, d.Dead, d.Cancelled, d.Paused)
	}
	return tw.Flush()
}

func (c *cli) schedules(ctx context.Context) error {
	list, err := c.engine.Schedules(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(list)
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tEXPR\tQUEUE\tENABLED")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n", s.ID, s.Name, s.JobType, s.Expr, s.Queue, s.Enabled)
	}
	return tw.Flush()
}

func (c *cli) dead(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: dead needs a subcommand and a queue", errUsage)
	}
	sub, queueName := args[0], args[1]
	b := c.engine.Broker()

	fs := flag.NewFlagSet("dead "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 50, "maximum jobs to process")
	purge := fs.Bool("purge", false, "delete archived jobs from the dead set")

	switch sub {
	case "list":
		if err := fs.Parse(args[2:]); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		list, err := b.ListDead(ctx, queueName, 0, *limit)
		if err != nil {
			return err
		}
		if c.json {
			return c.printJSON(list)
		}
		tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tATTEMPT\tFINISHED\tERROR")
		for _, j := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", j.ID, j.Type, j.Attempt, j.MaxAttempts,
				j.CompletedAt.Format(time.RFC3339), j.LastError)
		}
		return tw.Flush()
	case "requeue", "purge":
		if len(args) != 3 {
			return fmt.Errorf("%w: dead %s needs a queue and a job id", errUsage, sub)
		}
		op := b.RequeueDead
		if sub == "purge" {
			op = b.PurgeDead
		}
		if err := op(ctx, queueName, args[2]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: %sd\n", args[2], sub)
		return nil
	case "archive":
		if err := fs.Parse(args[2:]); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		arch, err := c.archiver()
		if err != nil {
			return err
		}
		res, err := arch.Archive(ctx, queueName, *limit, *purge)
		if err != nil {
			return err
		}
		if c.json {
			return c.printJSON(res)
		}
		fmt.Fprintf(c.out, "archived %d, purged %d\n", res.Archived, res.Purged)
		for _, loc := range res.Locations {
			fmt.Fprintln(c.out, loc)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown dead subcommand %q", errUsage, sub)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
