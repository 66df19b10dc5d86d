// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"

	"github.com/dbuf-project/dbuf/internal/txg"
)

// TestScenarios drives end-to-end hold/fill/write/sync/read/free sequences
// against a single table and dnode, in the spirit of the teacher's
// datadriven state-machine tests (e.g. checkpoint_test.go): each command
// mutates shared state and the test asserts on the printed result.
func TestScenarios(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)
	ids := map[string]*Dbuf{}

	mustTxg := func(td *datadriven.TestData) txg.Number {
		var n int
		td.ScanArgs(t, "txg", &n)
		return txg.Number(n)
	}

	datadriven.RunTest(t, "testdata/scenarios", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "hold":
			var id string
			var block, size uint64
			td.ScanArgs(t, "id", &id)
			td.ScanArgs(t, "block", &block)
			td.ScanArgs(t, "size", &size)
			d, err := table.Hold(context.Background(), dn, 0, BlockID(block), size, false)
			if err != nil {
				return err.Error()
			}
			ids[id] = d
			return fmt.Sprintf("state=%v holds=%d", d.State(), d.HoldCount())

		case "rele":
			var id string
			td.ScanArgs(t, "id", &id)
			table.Rele(ids[id])
			delete(ids, id)
			return "ok"

		case "fill":
			var id, data string
			td.ScanArgs(t, "id", &id)
			td.ScanArgs(t, "data", &data)
			tg := mustTxg(td)
			d := ids[id]
			buf := cache.LoanBuf(int(d.BlockSize()), 0)
			copy(buf.Data(), padOrTrim(data, int(d.BlockSize())))
			table.ReturnBuffer(d, buf)
			if err := table.FillDone(d, tg); err != nil {
				return err.Error()
			}
			return fmt.Sprintf("state=%v", d.State())

		case "write":
			var id, data string
			var off uint64
			td.ScanArgs(t, "id", &id)
			td.ScanArgs(t, "off", &off)
			td.ScanArgs(t, "data", &data)
			tg := mustTxg(td)
			d := ids[id]
			loaned := table.LoanBuffer(d)
			copy(loaned.Data()[off:off+uint64(len(data))], data)
			table.ReturnBuffer(d, loaned)
			if _, err := table.WillDirtyRange(d, tg, off, off+uint64(len(data))); err != nil {
				return err.Error()
			}
			return fmt.Sprintf("state=%v dirty=%d", d.State(), d.DirtyCount())

		case "sync":
			var id string
			td.ScanArgs(t, "id", &id)
			tg := mustTxg(td)
			if err := table.Sync(context.Background(), ids[id], tg); err != nil {
				return err.Error()
			}
			return fmt.Sprintf("dirty=%d", ids[id].DirtyCount())

		case "read":
			var id string
			td.ScanArgs(t, "id", &id)
			data, err := table.Read(context.Background(), ids[id])
			if err != nil {
				return err.Error()
			}
			return strings.TrimRight(string(data), "\x00")

		case "free":
			var lo, hi uint64
			td.ScanArgs(t, "lo", &lo)
			td.ScanArgs(t, "hi", &hi)
			tg := mustTxg(td)
			if err := table.FreeRange(dn, tg, BlockID(lo), BlockID(hi)); err != nil {
				return err.Error()
			}
			return "ok"

		default:
			t.Fatalf("unknown command %q", td.Cmd)
			return ""
		}
	})
}

func padOrTrim(s string, size int) []byte {
	b := make([]byte, size)
	copy(b, s)
	return b
}
