package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/instance"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/queryir"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Model    string
	Where    []string // field=value, value as JSON or a bare string
	Sort     []string // field, or -field for descending
	Interval time.Duration
	Count    int // stop after this many results; 0 runs until interrupted
}

// WatchEvent is one printed query result.
type WatchEvent struct {
	Version int64       `json:"version"`
	Objects []ir.Object `json:"objects"`
}

func (e WatchEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "version %d: %d row(s)", e.Version, len(e.Objects))
	for _, o := range e.Objects {
		fields, err := json.Marshal(o.Fields)
		if err != nil {
			fields = []byte(err.Error())
		}
		fmt.Fprintf(&b, "\n  %s %s", o.Ref, fields)
	}
	return b.String()
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print a query's result each time it changes",
		Long: `Open the configured database with automatic refresh and print the
result of a query on one model, then a fresh result after every commit
that touches the model, from this or any other process. Runs until
interrupted.

Examples:
  keel watch --config keel.yaml --model Dog
  keel watch --config keel.yaml --model Dog --where owner=ada --sort -name`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Model, "model", "m", "", "model to watch (required)")
	cmd.Flags().StringArrayVarP(&opts.Where, "where", "w", nil, "equality filter field=value (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Sort, "sort", nil, "sort fields; prefix with - for descending")
	cmd.Flags().DurationVar(&opts.Interval, "interval", defaultWatchInterval, "minimum time between refreshes")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after printing this many results")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

const defaultWatchInterval = 100 * time.Millisecond

// watchQuery builds the watched query from the flags.
func watchQuery(opts *WatchOptions) (queryir.Select, error) {
	preds := make([]queryir.Predicate, 0, len(opts.Where))
	for _, w := range opts.Where {
		field, raw, ok := strings.Cut(w, "=")
		if !ok || field == "" {
			return queryir.Select{}, fmt.Errorf("where %q: want field=value", w)
		}
		v, err := ir.ParseValue([]byte(raw))
		if err != nil {
			v = ir.String(raw)
		}
		preds = append(preds, queryir.Equals{Field: field, Value: v})
	}

	q := queryir.All(opts.Model)
	if len(preds) > 0 {
		q = queryir.Where(opts.Model, preds...)
	}
	for _, s := range opts.Sort {
		field, desc := strings.CutPrefix(s, "-")
		q.Sort = append(q.Sort, queryir.SortKey{Field: field, Desc: desc})
	}
	return q, nil
}

type watchStart struct {
	results <-chan instance.QueryResult
	err     error
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	q, err := watchQuery(opts)
	if err != nil {
		if outErr := f.Error(CodeUsage, err.Error(), nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitCommandError, "invalid query", err)
	}
	_, cfg, err := loadConfig(opts.RootOptions, f, instance.WithAutoRefresh(opts.Interval))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cache := instance.NewCache()
	owner := instance.NewOwner("watch")

	// The handle lives on the owner's goroutine; results come back over
	// the stream channel.
	started := make(chan watchStart, 1)
	owner.Post(func(ctx context.Context) {
		h, err := cache.Acquire(ctx, owner, cfg)
		if err != nil {
			started <- watchStart{err: err}
			return
		}
		ch, err := h.QueryChanges(ctx, q)
		started <- watchStart{results: ch, err: err}
	})

	loopDone := make(chan error, 1)
	go func() { loopDone <- owner.Run(ctx) }()

	defer func() {
		cancel()
		<-loopDone
		if cache.Refs(cfg.Path()) > 0 {
			_ = cache.Release(owner, cfg)
		}
	}()

	start := <-started
	if start.err != nil {
		return f.Fail(ExitCommandError, "watch "+opts.Model, start.err)
	}
	f.VerboseLog("Watching %s in %s", opts.Model, cfg.Path())

	printed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-start.results:
			if !ok {
				return nil
			}
			if err := f.Success(WatchEvent{Version: res.Version, Objects: res.Objects}); err != nil {
				return err
			}
			printed++
			if opts.Count > 0 && printed >= opts.Count {
				return nil
			}
		}
	}
}
