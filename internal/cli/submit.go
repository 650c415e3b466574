package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/app"
	"github.com/shaiso/Conveyor/internal/canvas"
	"github.com/shaiso/Conveyor/internal/dispatcher"
)

// AppFunc лениво создаёт App после парсинга PersistentFlags.
type AppFunc func(ctx context.Context) (*app.App, error)

// OutputFunc создаёт Output для команды.
type OutputFunc func(cmd *cobra.Command) *Output

// demos — готовые графы для --demo.
var demos = map[string]func() canvas.Node{
	"echo": func() canvas.Node {
		return canvas.S("echo", "hello")
	},
	"chain": func() canvas.Node {
		return canvas.NewChain(canvas.S("add", 2, 3), canvas.S("add", 10))
	},
	"group": func() canvas.Node {
		return canvas.NewGroup(canvas.S("map", "a"), canvas.S("map", "bb"), canvas.S("map", "ccc"))
	},
	"chord": func() canvas.Node {
		return canvas.NewChord(canvas.NewGroup(canvas.S("add", 2, 2), canvas.S("add", 2, 3)), canvas.S("sum_all"))
	},
	"chord-group-body": func() canvas.Node {
		header := canvas.NewGroup(canvas.S("add", 1, 1), canvas.S("add", 2, 2))
		body := canvas.NewGroup(canvas.S("sum_all"), canvas.S("sum_all"))
		return canvas.NewChord(header, body)
	},
	"mapreduce": func() canvas.Node {
		return canvas.S("mapreduce", []string{"a", "bb", "ccc"})
	},
	"mapreduce-replace": func() canvas.Node {
		return canvas.S("mapreduce_replace", []string{"a", "bb", "ccc"})
	},
	"fail": func() canvas.Node {
		return canvas.NewChain(canvas.S("fail"), canvas.S("add", 1))
	},
}

// DemoNames возвращает имена встроенных демо-графов.
func DemoNames() []string {
	names := make([]string, 0, len(demos))
	for n := range demos {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewSubmitCmd создаёт команду отправки графа.
func NewSubmitCmd(appFn AppFunc, outputFn OutputFunc) *cobra.Command {
	var demo, queue string
	var wait, local bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit [FILE|-]",
		Short: "Submit a workflow",
		Long: "Submit a workflow from a JSON document or a built-in demo.\n\n" +
			"Demos: " + strings.Join(DemoNames(), ", "),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := outputFn(cmd)

			a, err := appFn(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			node, err := loadWorkflow(cmd, a, demo, args)
			if err != nil {
				return err
			}

			if local {
				stop, err := startLocalWorker(ctx, a)
				if err != nil {
					return err
				}
				defer stop()
				wait = true
			}

			var opts []dispatcher.SubmitOption
			if queue != "" {
				opts = append(opts, dispatcher.WithQueue(queue))
			}
			res, err := a.Submit(ctx, node, opts...)
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Workflow submitted: %s", res.ID))

			if !wait {
				st, err := res.Status(ctx)
				if err != nil {
					return err
				}
				out.Statuses(st)
				return nil
			}

			st, err := res.Wait(ctx, timeout)
			if err != nil {
				return err
			}
			out.Statuses(st)
			return st.Err()
		},
	}

	cmd.Flags().StringVar(&demo, "demo", "", "Submit a built-in demo workflow")
	cmd.Flags().StringVar(&queue, "queue", "", "Queue for invocations without an explicit queue")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the terminal result")
	cmd.Flags().BoolVar(&local, "local", false, "Run an embedded worker until the workflow finishes (implies --wait)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Wait timeout")

	return cmd
}

// NewFreezeCmd создаёт команду dry run: id графа без отправки.
func NewFreezeCmd(appFn AppFunc, outputFn OutputFunc) *cobra.Command {
	var demo string

	cmd := &cobra.Command{
		Use:   "freeze [FILE|-]",
		Short: "Assign ids to a workflow without submitting it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn(cmd)

			a, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			node, err := loadWorkflow(cmd, a, demo, args)
			if err != nil {
				return err
			}

			out.Tree(a.Freeze(node))
			return nil
		},
	}

	cmd.Flags().StringVar(&demo, "demo", "", "Freeze a built-in demo workflow")
	return cmd
}

// NewTasksCmd создаёт команду списка зарегистрированных задач.
func NewTasksCmd(appFn AppFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List registered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn(cmd)

			a, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			type taskInfo struct {
				Name       string `json:"name"`
				Queue      string `json:"queue,omitempty"`
				AckMode    string `json:"ack_mode"`
				MaxRetries int    `json:"max_retries"`
				Blocking   bool   `json:"blocking,omitempty"`
			}

			var infos []taskInfo
			var rows [][]string
			for _, name := range a.Tasks().Names() {
				def, err := a.Tasks().Resolve(name)
				if err != nil {
					return err
				}
				p := def.Policy
				infos = append(infos, taskInfo{
					Name:       name,
					Queue:      p.Queue,
					AckMode:    string(p.AckMode),
					MaxRetries: p.Retry.MaxRetries,
					Blocking:   p.Blocking,
				})
				rows = append(rows, []string{
					name, p.Queue, string(p.AckMode), fmt.Sprint(p.Retry.MaxRetries), fmt.Sprint(p.Blocking),
				})
			}

			out.Print([]string{"NAME", "QUEUE", "ACK", "RETRIES", "BLOCKING"}, rows, infos)
			return nil
		},
	}
}

// --- Helpers ---

func loadWorkflow(cmd *cobra.Command, a *app.App, demo string, args []string) (canvas.Node, error) {
	if demo != "" {
		if len(args) > 0 {
			return nil, errors.New("use either --demo or FILE, not both")
		}
		build, ok := demos[demo]
		if !ok {
			return nil, fmt.Errorf("unknown demo %q (available: %s)", demo, strings.Join(DemoNames(), ", "))
		}
		return build(), nil
	}
	if len(args) == 0 {
		return nil, errors.New("workflow FILE or --demo is required")
	}

	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return a.ParseWorkflow(data)
}

// startLocalWorker запускает воркер App в фоне; stop останавливает его и ждёт выхода.
func startLocalWorker(ctx context.Context, a *app.App) (stop func(), err error) {
	w, err := a.NewWorker("")
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(runCtx)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
