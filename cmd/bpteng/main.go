// Command bpteng is a flag-based CLI driving the engine package: open
// table files, run transactions, and issue find/update/insert/delete/
// join operations against them.
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rheehot/bpteng/internal/config"
	"github.com/rheehot/bpteng/pkg/engine"
	"github.com/rheehot/bpteng/pkg/join"
	"github.com/rheehot/bpteng/pkg/storage/buffer"
	"github.com/rheehot/bpteng/pkg/storage/page"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file (defaults baked in if omitted)")
	verbose := flag.Bool("verbose", false, "enable diagnostic logging")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *verbose {
		cfg.Verbose = true
	}

	policy := buffer.LRU
	if strings.EqualFold(cfg.Buffer.Policy, "mru") {
		policy = buffer.MRU
	}

	eng := engine.New(engine.Config{
		BufferCapacity: cfg.Buffer.Capacity,
		Policy:         policy,
		LeafOrder:      cfg.Tree.LeafOrder,
		InternalOrder:  cfg.Tree.InternalOrder,
		DelayedMerge:   cfg.Tree.DelayedMerge,
		Verbose:        cfg.Verbose,
		Out:            os.Stderr,
	})
	defer eng.Shutdown()

	tables := map[string]engine.TableID{}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintln(os.Stderr, "bpteng> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := dispatch(eng, tables, line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func dispatch(eng *engine.Engine, tables map[string]engine.TableID, line string) error {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "open":
		if len(args) != 2 {
			return fmt.Errorf("usage: open <alias> <path>")
		}
		id, err := eng.OpenTable(args[1])
		if err != nil {
			return err
		}
		tables[args[0]] = id
		fmt.Printf("opened %s as table %d\n", args[1], id)
		return nil

	case "close":
		id, err := lookupTable(tables, args, 0)
		if err != nil {
			return err
		}
		return eng.CloseTable(id)

	case "begin":
		fmt.Printf("trx %d\n", eng.BeginTrx())
		return nil

	case "commit":
		trx, err := parseTrx(args, 0)
		if err != nil {
			return err
		}
		return eng.CommitTrx(trx)

	case "abort":
		trx, err := parseTrx(args, 0)
		if err != nil {
			return err
		}
		return eng.AbortTrx(trx)

	case "insert":
		if len(args) != 3 {
			return fmt.Errorf("usage: insert <alias> <key> <value>")
		}
		id, err := lookupTable(tables, args, 0)
		if err != nil {
			return err
		}
		key, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}
		return eng.Insert(id, key, encodeValue(args[2]))

	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: delete <alias> <key>")
		}
		id, err := lookupTable(tables, args, 0)
		if err != nil {
			return err
		}
		key, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}
		return eng.Delete(id, key)

	case "find":
		if len(args) != 3 {
			return fmt.Errorf("usage: find <alias> <key> <trx>")
		}
		id, err := lookupTable(tables, args, 0)
		if err != nil {
			return err
		}
		key, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}
		trx, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return err
		}
		value, err := eng.Find(id, key, trx)
		if err != nil {
			return err
		}
		fmt.Println(decodeValue(value))
		return nil

	case "update":
		if len(args) != 4 {
			return fmt.Errorf("usage: update <alias> <key> <value> <trx>")
		}
		id, err := lookupTable(tables, args, 0)
		if err != nil {
			return err
		}
		key, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}
		trx, err := strconv.ParseUint(args[3], 10, 64)
		if err != nil {
			return err
		}
		return eng.Update(id, key, encodeValue(args[2]), trx)

	case "join":
		if len(args) != 2 {
			return fmt.Errorf("usage: join <alias-left> <alias-right>")
		}
		left, err := lookupTable(tables, args, 0)
		if err != nil {
			return err
		}
		right, err := lookupTable(tables, args, 1)
		if err != nil {
			return err
		}
		return runJoin(eng, left, right)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runJoin(eng *engine.Engine, left, right engine.TableID) error {
	li, err := eng.RangeScan(left, 0)
	if err != nil {
		return err
	}
	ri, err := eng.RangeScan(right, 0)
	if err != nil {
		return err
	}
	pairs, err := join.HashJoin(li, ri)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		fmt.Printf("%d\t%s\t%s\n", p.Left.Key, decodeValue(p.Left.Value), decodeValue(p.Right.Value))
	}
	return nil
}

func lookupTable(tables map[string]engine.TableID, args []string, idx int) (engine.TableID, error) {
	if idx >= len(args) {
		return 0, fmt.Errorf("missing table alias")
	}
	id, ok := tables[args[idx]]
	if !ok {
		return 0, fmt.Errorf("no open table aliased %q", args[idx])
	}
	return id, nil
}

func parseTrx(args []string, idx int) (uint64, error) {
	if idx >= len(args) {
		return 0, fmt.Errorf("missing transaction id")
	}
	return strconv.ParseUint(args[idx], 10, 64)
}

func encodeValue(s string) [page.RecordValueSize]byte {
	var v [page.RecordValueSize]byte
	n := copy(v[8:], s)
	binary.LittleEndian.PutUint64(v[0:8], uint64(n))
	return v
}

func decodeValue(v [page.RecordValueSize]byte) string {
	n := binary.LittleEndian.Uint64(v[0:8])
	if int(n) > len(v)-8 {
		n = uint64(len(v) - 8)
	}
	return string(v[8 : 8+n])
}
