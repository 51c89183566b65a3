// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command keel is the command-line front-end for keel store files.
//
// Usage:
//
//	keel -store FILE COMMAND [ARGS]
//
// Commands: get, put, delete, exists, list, info, compact, copy,
// move, rename, import, shell.
//
// Exit codes: 0 on success, 1 on user error (missing key, bad
// arguments), 2 on I/O failure or corruption.
package main

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/keelkv/keel"
)

const (
	exitOK      = 0
	exitUser    = 1
	exitFailure = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("keel", flag.ContinueOnError)
	storePath := flags.String("store", "", "path to the store file (required)")
	readOnly := flags.Bool("ro", false, "open the store read-only")
	flags.Usage = usage(flags)
	if err := flags.Parse(args); err != nil {
		return exitUser
	}
	rest := flags.Args()
	if *storePath == "" || len(rest) == 0 {
		flags.Usage()
		return exitUser
	}

	opts := []keel.Option{keel.WithLogger(newLogger())}
	if *readOnly {
		opts = append(opts, keel.WithReadOnly())
	}

	st, err := keel.Open(*storePath, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keel: %v\n", err)
		return exitFailure
	}
	defer func() {
		if err := st.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "keel: close: %v\n", err)
		}
	}()

	return dispatch(st, rest[0], rest[1:])
}

// newLogger builds a text logger honoring the KEEL_LOG environment
// variable (debug, info, warn, error; default warn).
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(os.Getenv("KEEL_LOG")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning", "":
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func usage(flags *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, `usage: keel -store FILE COMMAND [ARGS]

commands:
  get KEY              print the value for KEY
  put KEY [VALUE]      store VALUE (or stdin if omitted) under KEY
  delete KEY           remove KEY
  exists KEY           exit 0 if KEY is present, 1 otherwise
  list                 list live entries (key hash, size, offsets)
  info                 print store statistics
  compact              rewrite the store keeping only live entries
  copy KEY TARGET      copy KEY into the store file TARGET
  move KEY TARGET      move KEY into the store file TARGET
  rename OLD NEW       rename an entry
  import               bulk-load key:value lines from stdin
  shell                interactive session

flags:
`)
		flags.PrintDefaults()
	}
}

func dispatch(st *keel.Store, cmd string, args []string) int {
	switch cmd {
	case "get":
		return cmdGet(st, args)
	case "put":
		return cmdPut(st, args)
	case "delete":
		return cmdDelete(st, args)
	case "exists":
		return cmdExists(st, args)
	case "list":
		return cmdList(st)
	case "info":
		return cmdInfo(st)
	case "compact":
		return cmdCompact(st)
	case "copy", "move":
		return cmdCopyMove(st, cmd, args)
	case "rename":
		return cmdRename(st, args)
	case "import":
		return cmdImport(st)
	case "shell":
		return cmdShell(st)
	default:
		fmt.Fprintf(os.Stderr, "keel: unknown command %q\n", cmd)
		return exitUser
	}
}

func userErr(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "keel: "+format+"\n", args...)
	return exitUser
}

// failure classifies an operational error onto the exit-code policy.
func failure(err error) int {
	fmt.Fprintf(os.Stderr, "keel: %v\n", err)
	if errors.Is(err, keel.ErrKeyNotFound) || errors.Is(err, keel.ErrInvalidArgument) ||
		errors.Is(err, keel.ErrReadOnly) || errors.Is(err, keel.ErrCompactionConflict) {
		return exitUser
	}
	return exitFailure
}

func cmdGet(st *keel.Store, args []string) int {
	if len(args) != 1 {
		return userErr("get takes exactly one KEY")
	}
	stream, ok := st.ReadStream([]byte(args[0]))
	if !ok {
		return userErr("key %q not found", args[0])
	}
	defer func() { _ = stream.Close() }()
	if _, err := io.Copy(os.Stdout, stream); err != nil {
		return failure(err)
	}
	return exitOK
}

func cmdPut(st *keel.Store, args []string) int {
	switch len(args) {
	case 1:
		if err := st.WriteStream([]byte(args[0]), bufio.NewReader(os.Stdin)); err != nil {
			return failure(err)
		}
	case 2:
		if err := st.Write([]byte(args[0]), []byte(args[1])); err != nil {
			return failure(err)
		}
	default:
		return userErr("put takes KEY and optional VALUE")
	}
	return exitOK
}

func cmdDelete(st *keel.Store, args []string) int {
	if len(args) != 1 {
		return userErr("delete takes exactly one KEY")
	}
	if err := st.Delete([]byte(args[0])); err != nil {
		return failure(err)
	}
	return exitOK
}

func cmdExists(st *keel.Store, args []string) int {
	if len(args) != 1 {
		return userErr("exists takes exactly one KEY")
	}
	if !st.Exists([]byte(args[0])) {
		return exitUser
	}
	return exitOK
}

func cmdList(st *keel.Store) int {
	err := st.ForEach(func(h *keel.Handle) error {
		_, err := fmt.Printf("%016x  %10d bytes  [%d, %d)\n",
			h.KeyHash(), h.Len(), h.StartOffset(), h.EndOffset())
		return err
	})
	if err != nil {
		return failure(err)
	}
	return exitOK
}

func cmdInfo(st *keel.Store) int {
	size, err := st.Size()
	if err != nil {
		return failure(err)
	}
	fmt.Printf("path:              %s\n", st.Path())
	fmt.Printf("file size:         %d bytes\n", size)
	fmt.Printf("live entries:      %d\n", st.Len())
	fmt.Printf("reclaimable:       %d bytes\n", st.EstimateCompactionSavings())
	return exitOK
}

func cmdCompact(st *keel.Store) int {
	if err := st.Compact(); err != nil {
		return failure(err)
	}
	return exitOK
}

func cmdCopyMove(st *keel.Store, cmd string, args []string) int {
	if len(args) != 2 {
		return userErr("%s takes KEY and TARGET store path", cmd)
	}
	target, err := keel.Open(args[1], keel.WithLogger(newLogger()))
	if err != nil {
		return failure(err)
	}
	defer func() { _ = target.Close() }()

	if cmd == "copy" {
		err = st.CopyTo([]byte(args[0]), target)
	} else {
		err = st.MoveTo([]byte(args[0]), target)
	}
	if err != nil {
		return failure(err)
	}
	return exitOK
}

func cmdRename(st *keel.Store, args []string) int {
	if len(args) != 2 {
		return userErr("rename takes OLD and NEW key")
	}
	if err := st.Rename([]byte(args[0]), []byte(args[1])); err != nil {
		return failure(err)
	}
	return exitOK
}

// cmdImport bulk-loads key:value lines from stdin in one batch.
func cmdImport(st *keel.Store) int {
	var items []keel.KV
	s := bufio.NewScanner(bufio.NewReaderSize(os.Stdin, 1024*1024))
	s.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		k, v, ok := bytes.Cut(line, []byte{':'})
		if !ok {
			return userErr("line %d: expected key:value", lineNo)
		}
		items = append(items, keel.KV{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
	}
	if err := s.Err(); err != nil {
		return failure(err)
	}
	if err := st.BatchWrite(items); err != nil {
		return failure(err)
	}
	fmt.Fprintf(os.Stderr, "imported %d entries\n", len(items))
	return exitOK
}

func cmdShell(st *keel.Store) int {
	fmt.Println("keel shell. Type 'help' for commands, 'exit' to quit.")
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return exitOK
		}
		if err != nil {
			return failure(err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return exitOK
		}
		if line == "help" {
			fmt.Println("commands: get KEY | put KEY VALUE | delete KEY | exists KEY | list | info | compact | exit")
			continue
		}

		words, err := shellquote.Split(line)
		if err != nil {
			fmt.Printf("parse error: %v\n", err)
			continue
		}
		dispatch(st, words[0], words[1:])
	}
}
