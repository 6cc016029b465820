// Command lsmkv is a small CLI wrapper around the storage engine: one
// subcommand per operation, a shared --dir flag for the data directory.
// In the teacher's own minimal, flag-parsed style rather than a cobra/grpc
// server stack (see DESIGN.md for why that stack is left unwired).
package main

import (
	"flag"
	"fmt"
	"os"

	"lsmkv/pkg/lsm"
	"lsmkv/pkg/txn"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	dirFlag := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	dir := dirFlag.String("dir", "./data", "data directory")
	if err := dirFlag.Parse(os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	args := dirFlag.Args()

	opts := lsm.DefaultOptions(*dir)
	eng, err := lsm.Open(opts)
	if err != nil {
		fatalf("open engine: %v", err)
	}
	defer eng.Close()

	tm, err := txn.NewManager(*dir)
	if err != nil {
		fatalf("open transaction manager: %v", err)
	}

	switch os.Args[1] {
	case "put":
		if len(args) != 2 {
			fatalf("usage: lsmkv put --dir DIR KEY VALUE")
		}
		id := tm.NextTransactionID()
		if err := eng.Put([]byte(args[0]), []byte(args[1]), id, true); err != nil {
			fatalf("put: %v", err)
		}
	case "get":
		if len(args) != 1 {
			fatalf("usage: lsmkv get --dir DIR KEY")
		}
		val, ok, err := eng.Get([]byte(args[0]), 0)
		if err != nil {
			fatalf("get: %v", err)
		}
		if !ok {
			fmt.Println("(not found)")
			return
		}
		fmt.Println(string(val))
	case "remove":
		if len(args) != 1 {
			fatalf("usage: lsmkv remove --dir DIR KEY")
		}
		id := tm.NextTransactionID()
		if err := eng.Remove([]byte(args[0]), id, true); err != nil {
			fatalf("remove: %v", err)
		}
	case "scan":
		it := eng.NewIterator(0)
		for it.Valid() {
			if len(it.Value()) > 0 {
				fmt.Printf("%s=%s\n", it.Key(), it.Value())
			}
			if err := it.Next(); err != nil {
				fatalf("scan: %v", err)
			}
		}
	case "compact":
		if err := eng.FullCompact(0); err != nil {
			fatalf("compact: %v", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: lsmkv <put|get|remove|scan|compact> --dir DIR [args...]")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
