package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewResultCmd создаёт группу команд чтения результатов.
func NewResultCmd(appFn AppFunc, outputFn OutputFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "result",
		Short: "Inspect results",
	}

	cmd.AddCommand(
		newResultStatusCmd(appFn, outputFn),
		newResultGetCmd(appFn, outputFn),
		newResultParentsCmd(appFn, outputFn),
	)

	return cmd
}

func newResultStatusCmd(appFn AppFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show the current state of an invocation or group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn(cmd)

			a, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.AsyncResult(args[0]).Status(cmd.Context())
			if err != nil {
				return err
			}
			out.Statuses(st)
			return nil
		},
	}
}

func newResultGetCmd(appFn AppFunc, outputFn OutputFunc) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Wait for a result and print its value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn(cmd)

			a, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			value, err := a.AsyncResult(args[0]).Get(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			if out.jsonMode {
				out.JSON(value)
				return nil
			}
			fmt.Fprintln(out.w, string(value))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Wait timeout (0 waits forever)")
	return cmd
}

func newResultParentsCmd(appFn AppFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "parents ID",
		Short: "List the chain stages that precede an invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn(cmd)

			a, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			parents, err := a.AsyncResult(args[0]).Parents(cmd.Context())
			if err != nil {
				return err
			}
			out.Records(parents)
			return nil
		},
	}
}

// NewGroupCmd создаёт команду восстановления результата группы.
func NewGroupCmd(appFn AppFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "group ID",
		Short: "Restore a group and show its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn(cmd)

			a, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			g, err := a.RestoreGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			statuses, err := g.Statuses(cmd.Context())
			if err != nil {
				return err
			}

			done, err := g.Completed(cmd.Context())
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Group %s: %d/%d completed", g.ID, done, len(g.Children)))
			out.Statuses(statuses...)
			return nil
		},
	}
}

// NewRevokeCmd создаёт команду отмены.
func NewRevokeCmd(appFn AppFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke an invocation or every member of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn(cmd)

			a, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			revoked, err := a.Revoke(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(revoked) == 0 {
				out.Success(fmt.Sprintf("Nothing to revoke: %s already finished", args[0]))
				return nil
			}
			out.Success(fmt.Sprintf("Revoked: %s", strings.Join(revoked, ", ")))
			return nil
		},
	}
}

// NewPurgeCmd создаёт команду ручной очистки результатов.
func NewPurgeCmd(appFn AppFunc, outputFn OutputFunc) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished results older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn(cmd)

			a, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("older-than") {
				olderThan = a.Config().ResultExpires
			}
			n, err := a.Purge(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Purged %d entries older than %s", n, olderThan))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age of results to delete (default: CONVEYOR_RESULT_EXPIRES)")
	return cmd
}
