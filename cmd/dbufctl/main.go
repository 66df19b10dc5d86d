// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Command dbufctl drives a synthetic workload against an in-process dbuf
// Table and reports the resulting metrics, useful for sanity-checking the
// dirty/sync pipeline without wiring up a real object layer.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dbuf-project/dbuf/dbuf"
	"github.com/dbuf-project/dbuf/internal/arc"
	"github.com/dbuf-project/dbuf/internal/dnode"
	"github.com/dbuf-project/dbuf/internal/txg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dbufctl",
		Short: "Exercise a dbuf Table with a synthetic write/sync workload",
	}
	root.AddCommand(newBenchCmd())
	root.AddCommand(newLifecycleCmd())
	return root
}

func newBenchCmd() *cobra.Command {
	var objects, blocksPerObject int
	var blockSize int64
	var cacheCapacity int

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Write a synthetic object set through a dbuf Table and sync it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, objects, blocksPerObject, blockSize, cacheCapacity)
		},
	}
	cmd.Flags().IntVar(&objects, "objects", 8, "number of objects to write")
	cmd.Flags().IntVar(&blocksPerObject, "blocks", 32, "leaf blocks written per object")
	cmd.Flags().Int64Var(&blockSize, "block-size", 4096, "logical block size in bytes")
	cmd.Flags().IntVar(&cacheCapacity, "cache-blocks", 256, "ARC capacity in cached blocks")
	return cmd
}

func runBench(cmd *cobra.Command, objects, blocksPerObject int, blockSize int64, cacheCapacity int) error {
	ctx := context.Background()
	cache := arc.New(cacheCapacity, 4)
	defer cache.Close()

	table := dbuf.Open(cache, &dbuf.Options{SyncWorkers: 4})
	defer table.Close()

	const tg = txg.Number(1)
	var resolveSamples []float64

	for obj := 0; obj < objects; obj++ {
		dn := dnode.New(fmt.Sprintf("bench/%d", obj), uint64(obj), 1, nil)
		for blk := 0; blk < blocksPerObject; blk++ {
			d, err := table.Hold(ctx, dn, 0, dbuf.BlockID(blk), uint64(blockSize), false)
			if err != nil {
				return fmt.Errorf("hold object %d block %d: %w", obj, blk, err)
			}
			payload := make([]byte, blockSize)
			for i := range payload {
				payload[i] = byte(obj ^ blk ^ i)
			}
			buf := cache.LoanBuf(int(blockSize), arc.ContentData)
			copy(buf.Data(), payload)
			table.ReturnBuffer(d, buf)
			if _, err := table.WillFill(d, tg); err != nil {
				return fmt.Errorf("will fill object %d block %d: %w", obj, blk, err)
			}
			if err := table.FillDone(d, tg); err != nil {
				return fmt.Errorf("fill done object %d block %d: %w", obj, blk, err)
			}
			if err := table.Sync(ctx, d, tg); err != nil {
				return fmt.Errorf("sync object %d block %d: %w", obj, blk, err)
			}
			table.Rele(d)
			resolveSamples = append(resolveSamples, float64(table.Metrics().ResolvesCompleted.Load()))
		}
	}

	printStats(cmd, table.Metrics())
	if len(resolveSamples) > 1 {
		fmt.Fprintln(cmd.OutOrStdout())
		fmt.Fprintln(cmd.OutOrStdout(), "resolves completed, cumulative:")
		fmt.Fprintln(cmd.OutOrStdout(), asciigraph.Plot(resolveSamples, asciigraph.Height(10)))
	}
	return nil
}

func newLifecycleCmd() *cobra.Command {
	var blocksPerObject int
	var blockSize int64
	var bonusSize, spillSize uint64

	cmd := &cobra.Command{
		Use:   "lifecycle",
		Short: "Exercise free-range, bonus, and spill handling against one object",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd, blocksPerObject, blockSize, bonusSize, spillSize)
		},
	}
	cmd.Flags().IntVar(&blocksPerObject, "blocks", 16, "leaf blocks written before freeing half of them")
	cmd.Flags().Int64Var(&blockSize, "block-size", 4096, "logical block size in bytes")
	cmd.Flags().Uint64Var(&bonusSize, "bonus-size", 256, "bonus buffer size in bytes")
	cmd.Flags().Uint64Var(&spillSize, "spill-size", 4096, "spill block size in bytes")
	return cmd
}

func runLifecycle(cmd *cobra.Command, blocksPerObject int, blockSize int64, bonusSize, spillSize uint64) error {
	ctx := context.Background()
	cache := arc.New(256, 4)
	defer cache.Close()

	table := dbuf.Open(cache, &dbuf.Options{SyncWorkers: 2})
	defer table.Close()

	const tg = txg.Number(1)
	dn := dnode.New("lifecycle/0", 0, 1, nil)

	for blk := 0; blk < blocksPerObject; blk++ {
		d, err := table.Hold(ctx, dn, 0, dbuf.BlockID(blk), uint64(blockSize), false)
		if err != nil {
			return fmt.Errorf("hold block %d: %w", blk, err)
		}
		buf := cache.LoanBuf(int(blockSize), arc.ContentData)
		table.ReturnBuffer(d, buf)
		if err := table.FillDone(d, tg); err != nil {
			return fmt.Errorf("fill block %d: %w", blk, err)
		}
		if err := table.Sync(ctx, d, tg); err != nil {
			return fmt.Errorf("sync block %d: %w", blk, err)
		}
		table.Rele(d)
	}

	half := dbuf.BlockID(blocksPerObject / 2)
	if err := table.FreeRange(dn, tg+1, 0, half); err != nil {
		return fmt.Errorf("free range: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "freed blocks [0, %d)\n", half)

	bonus, err := table.HoldBonus(ctx, dn, bonusSize)
	if err != nil {
		return fmt.Errorf("hold bonus: %w", err)
	}
	bbuf := cache.LoanBuf(int(bonusSize), arc.ContentData)
	table.ReturnBuffer(bonus, bbuf)
	if err := table.FillDone(bonus, tg+1); err != nil {
		return fmt.Errorf("fill bonus: %w", err)
	}
	if err := table.Sync(ctx, bonus, tg+1); err != nil {
		return fmt.Errorf("sync bonus: %w", err)
	}
	table.Rele(bonus)
	fmt.Fprintf(cmd.OutOrStdout(), "wrote bonus buffer (%d bytes)\n", bonusSize)

	if err := table.SetSpillBlockSize(dn, spillSize); err != nil {
		return fmt.Errorf("set spill block size: %w", err)
	}
	spill, err := table.HoldSpill(ctx, dn)
	if err != nil {
		return fmt.Errorf("hold spill: %w", err)
	}
	sbuf := cache.LoanBuf(int(spillSize), arc.ContentData)
	table.ReturnBuffer(spill, sbuf)
	if err := table.FillDone(spill, tg+2); err != nil {
		return fmt.Errorf("fill spill: %w", err)
	}
	if err := table.Sync(ctx, spill, tg+2); err != nil {
		return fmt.Errorf("sync spill: %w", err)
	}
	table.Rele(spill)
	fmt.Fprintf(cmd.OutOrStdout(), "wrote spill block (%d bytes)\n", spillSize)

	if err := table.RemoveSpill(ctx, dn, tg+3); err != nil {
		return fmt.Errorf("remove spill: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "removed spill block")

	printStats(cmd, table.Metrics())
	return nil
}

func printStats(cmd *cobra.Command, m *dbuf.Metrics) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"metric", "value"})
	dirty := m.Dirty()
	rows := [][]string{
		{"dirty_writes_lost", fmt.Sprint(m.DirtyWritesLost.Load())},
		{"resolves_completed", fmt.Sprint(m.ResolvesCompleted.Load())},
		{"user_evicts", fmt.Sprint(m.UserEvicts.Load())},
		{"dirty_ranges_in_flight", fmt.Sprint(m.DirtyRangesInFlight.Load())},
		{"dirty_ranges_total", fmt.Sprint(m.DirtyRangesTotal.Load())},
		{"syncer_deferred_resolves", fmt.Sprint(m.SyncerDeferredResolves.Load())},
		{"syncer_deferred_write_zios", fmt.Sprint(m.SyncerDeferredWriteZios.Load())},
		{"dirty_count", fmt.Sprint(dirty.Count)},
		{"dirty_bytes", fmt.Sprint(dirty.Bytes)},
		{"resolve_p50_us", fmt.Sprint(m.ResolveLatencyValueAtQuantile(50).Microseconds())},
		{"resolve_p99_us", fmt.Sprint(m.ResolveLatencyValueAtQuantile(99).Microseconds())},
	}
	for _, r := range rows {
		table.Append(r)
	}
	table.Render()
}
