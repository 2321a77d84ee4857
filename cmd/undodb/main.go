package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/UndoDB/src/app"
	"github.com/Blackdeer1524/UndoDB/src/recovery"
	"github.com/Blackdeer1524/UndoDB/src/undo"
	"github.com/Blackdeer1524/UndoDB/src/undolog"
)

func main() {
	root := &cobra.Command{
		Use:           "undodb",
		Short:         "Transactional undo record engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), replayCmd(), dumpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the undo engine with its background discard worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(
				cmd.Context(), syscall.SIGINT, syscall.SIGTERM,
			)
			defer stop()

			e := &app.Entrypoint{}
			if err := e.Init(ctx); err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			return e.Run(ctx)
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <wal-file>",
		Short: "Rebuild undo logs from a stream of insert WAL records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := &app.Entrypoint{}
			if err := e.Init(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			replayer := recovery.NewReplayer(e.Undo, e.Logs, e.Logger())
			applied, err := replayer.Replay(f)
			if err != nil {
				return fmt.Errorf("after %d records: %w", applied, err)
			}
			fmt.Printf("replayed %d undo records\n", applied)
			return nil
		},
	}
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <wal-file>",
		Short: "Rebuild undo logs from a WAL stream and print every live record, newest first per log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := &app.Entrypoint{}
			if err := e.Init(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			// Log metadata lives in memory only, so the stream has to be
			// re-applied before there is anything to walk.
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			replayer := recovery.NewReplayer(e.Undo, e.Logs, e.Logger())
			if _, err := replayer.Replay(f); err != nil {
				return err
			}

			for _, log := range e.Logs.Logs() {
				meta := log.Meta()
				fmt.Printf("log %06X (%s): insert=%d discard=%d\n",
					log.No, log.Persistence(), meta.Insert, meta.Discard)

				err := e.Undo.ScanLog(log, func(at undolog.UndoRecPtr, rec *undo.Record) error {
					fmt.Printf("  %s kind=%d xid=%d block=%d prevlen=%d payload=%dB tuple=%dB\n",
						at.String(), rec.Kind, rec.Xid, rec.Block,
						rec.PrevLen, len(rec.Payload), len(rec.Tuple),
					)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}
