// Command migratectl drives a single-process migration demo: two
// in-memory fabric peers, a buntdb-backed store apiece, and the
// migrate.Service wiring everything together. It exists so the engine
// can be exercised end to end without a real cluster.
/*
 * Copyright (c) 2024, Aerostore. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"

	"github.com/aerostore/migrate/cluster"
	"github.com/aerostore/migrate/cmn"
	"github.com/aerostore/migrate/cmn/nlog"
	"github.com/aerostore/migrate/fabric"
	"github.com/aerostore/migrate/migrate"
	"github.com/aerostore/migrate/stats"
	"github.com/aerostore/migrate/storage"
	"github.com/aerostore/migrate/storage/buntstore"
)

func seedDemoRecords(st *buntstore.Store, ns string, pid uint32, n int) {
	for i := 0; i < n; i++ {
		digest := make([]byte, 20)
		digest[0], digest[1], digest[2], digest[3] = byte(pid>>24), byte(pid>>16), byte(pid>>8), byte(pid)
		digest[19] = byte(i)
		rec := storage.PickledRecord{
			Digest:         digest,
			Generation:     1,
			LastUpdateTime: uint64(time.Now().UnixNano()),
			RecordBuf:      []byte(fmt.Sprintf("demo-record-%d", i)),
		}
		_ = st.Put(ns, rec)
	}
}

func main() {
	app := &cli.Command{
		Name:  "migratectl",
		Usage: "drive and observe the partition migration engine",
		Commands: []*cli.Command{
			emigrateCmd(),
			statusCmd(),
			versionCmd(),
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func emigrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "emigrate",
		Usage: "run one emigration against an in-process peer and report its outcome",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ns", Value: "demo", Usage: "namespace"},
			&cli.UintFlag{Name: "partition", Value: 0, Usage: "partition id"},
			&cli.UintFlag{Name: "records", Value: 8, Usage: "synthetic records to seed before migrating"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ns := cmd.String("ns")
			pid := cluster.PartitionID(cmd.Uint("partition"))
			n := cmd.Uint("records")

			cfg := &cmn.Config{
				NMigrateThreads:              2,
				MaxBytesEmigrating:           1 << 20,
				MigrateRetransmitMS:          500,
				MigrateRetransmitStartDoneMS: 500,
				MigrateRxLifetimeMS:          30_000,
			}

			mesh := fabric.NewMesh("src", "dst")
			srcStore, err := buntstore.New()
			if err != nil {
				return err
			}
			dstStore, err := buntstore.New()
			if err != nil {
				return err
			}
			seedDemoRecords(srcStore, ns, uint32(pid), int(n))

			gate := cluster.NewGate(1)
			stReg := stats.NewRegistry(nil)

			done := make(chan struct{})
			dstRb := cluster.NewMemRebalance()
			dstRb.OnDone = func(string, cluster.PartitionID, cluster.Key, string) { close(done) }

			dstSvc := migrate.New(cfg, "dst", 1, mesh["dst"], dstStore, dstRb, gate, stReg)
			defer dstSvc.Stop()
			srcSvc := migrate.New(cfg, "src", 1, mesh["src"], srcStore, cluster.NewMemRebalance(), gate, stReg)
			defer srcSvc.Stop()

			srcSvc.Emigrate(ctx, "dst", ns, pid, gate.Current(), cluster.TxNormal)

			select {
			case <-done:
				fmt.Printf("migrated %d record(s) of %s/%d: dst now holds %d\n", n, ns, pid, dstStore.Count(ns))
			case <-time.After(10 * time.Second):
				return fmt.Errorf("emigrate: timed out waiting for DONE")
			}
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print recently buffered migration log output",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "poll and print new output every second"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if !cmd.Bool("follow") {
				os.Stdout.Write(nlog.Tail())
				return nil
			}
			var last int
			for {
				buf := nlog.Tail()
				if len(buf) > last {
					os.Stdout.Write(buf[last:])
					last = len(buf)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
			}
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print build version information",
		Action: func(context.Context, *cli.Command) error {
			fmt.Println(versioninfo.Short())
			return nil
		},
	}
}
