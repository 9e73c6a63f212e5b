// flux is a small CLI over the storage core, for manual inspection and
// scripting.
//
// Usage:
//
//	flux [--config file] read <path> [--start N] [--end N] [--encoding E]
//	flux [--config file] stat <path>
//	flux [--config file] write <path> [--expect FINGERPRINT]   (content from stdin)
//	flux [--config file] fingerprint <path>
//	flux [--config file] stream <path> [--chunk-size N]
//	flux [--config file] shell
//
// Commands (in shell):
//
//	read <path> [start] [end]      Print content or a line range
//	stat <path>                    Print size, line count, encoding
//	begin <path>                   Begin a transaction, print its id
//	fp <id>                        Print a transaction's pre-image fingerprint
//	write <id> <text...>           Commit text through a transaction
//	rollback <id>                  Abandon a transaction
//	exit / quit / q                Exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/rahul1-bot/flux"
	"github.com/rahul1-bot/flux/internal/memory"
)

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "flux: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	global := pflag.NewFlagSet("flux", pflag.ContinueOnError)
	configPath := global.String("config", "", "path to a HuJSON config file")
	global.SetInterspersed(false)

	err := global.Parse(args)
	if err != nil {
		return err
	}

	rest := global.Args()
	if len(rest) == 0 {
		return errors.New("missing command (read, stat, write, fingerprint, stream, shell)")
	}

	cfg := flux.DefaultConfig()

	if *configPath != "" {
		cfg, err = flux.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	engine, err := flux.New(cfg, nil)
	if err != nil {
		return err
	}

	defer func() { _ = engine.Close() }()

	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "read":
		return cmdRead(engine, cmdArgs)
	case "stat":
		return cmdStat(engine, cmdArgs)
	case "write":
		return cmdWrite(engine, cmdArgs)
	case "fingerprint":
		return cmdFingerprint(engine, cmdArgs)
	case "stream":
		return cmdStream(engine, cmdArgs)
	case "shell":
		return runShell(engine)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdRead(engine *flux.Engine, args []string) error {
	flags := pflag.NewFlagSet("read", pflag.ContinueOnError)
	start := flags.Int("start", -1, "first line, 0-based")
	end := flags.Int("end", -1, "last line, inclusive")
	encoding := flags.String("encoding", "", "force an encoding instead of detecting")

	err := flags.Parse(args)
	if err != nil {
		return err
	}

	if flags.NArg() != 1 {
		return errors.New("read: exactly one path required")
	}

	path := flags.Arg(0)

	opts := flux.ReadOptions{Encoding: *encoding}
	if *start >= 0 {
		opts.StartLine = start
	}

	if *end >= 0 {
		opts.EndLine = end
	}

	if err := refuseBinary(path); err != nil {
		return err
	}

	res, err := engine.Read(context.Background(), path, opts)
	if err != nil {
		return err
	}

	fmt.Print(res.Content)

	if !strings.HasSuffix(res.Content, "\n") {
		fmt.Println()
	}

	return nil
}

// refuseBinary keeps the terminal safe from NUL-ridden output.
func refuseBinary(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	sample := make([]byte, 1024)

	n, err := f.Read(sample)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	if memory.IsBinary(sample[:n]) {
		return fmt.Errorf("%s looks binary; refusing to print", path)
	}

	return nil
}

func cmdStat(engine *flux.Engine, args []string) error {
	if len(args) != 1 {
		return errors.New("stat: exactly one path required")
	}

	path := args[0]

	res, err := engine.Read(context.Background(), path, flux.ReadOptions{
		StartLine: intPtr(0),
		EndLine:   intPtr(0),
	})
	if err != nil {
		return err
	}

	fmt.Printf("path:      %s\n", path)
	fmt.Printf("size:      %d\n", res.Size)
	fmt.Printf("lines:     %d\n", res.LineCount)
	fmt.Printf("encoding:  %s\n", res.Encoding)

	return nil
}

func cmdWrite(engine *flux.Engine, args []string) error {
	flags := pflag.NewFlagSet("write", pflag.ContinueOnError)
	expect := flags.String("expect", "", "refuse to write unless the pre-image fingerprint matches")

	err := flags.Parse(args)
	if err != nil {
		return err
	}

	if flags.NArg() != 1 {
		return errors.New("write: exactly one path required")
	}

	path := flags.Arg(0)

	content, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	ctx := context.Background()

	id, err := engine.BeginTransaction(ctx, path)
	if err != nil {
		return err
	}

	err = engine.WriteWithTransaction(ctx, id, string(content), *expect)
	if err != nil {
		return err
	}

	fmt.Printf("committed %d bytes to %s\n", len(content), path)

	return nil
}

func cmdFingerprint(engine *flux.Engine, args []string) error {
	if len(args) != 1 {
		return errors.New("fingerprint: exactly one path required")
	}

	path := args[0]
	ctx := context.Background()

	id, err := engine.BeginTransaction(ctx, path)
	if err != nil {
		return err
	}

	fp, err := engine.TransactionFingerprint(id)
	if err != nil {
		_ = engine.RollbackTransaction(id)

		return err
	}

	err = engine.RollbackTransaction(id)
	if err != nil {
		return err
	}

	fmt.Println(fp)

	return nil
}

func cmdStream(engine *flux.Engine, args []string) error {
	flags := pflag.NewFlagSet("stream", pflag.ContinueOnError)
	chunkSize := flags.Int("chunk-size", 0, "chunk length in bytes (0 = configured default)")

	err := flags.Parse(args)
	if err != nil {
		return err
	}

	if flags.NArg() != 1 {
		return errors.New("stream: exactly one path required")
	}

	for chunk, err := range engine.Chunks(flags.Arg(0), *chunkSize) {
		if err != nil {
			return err
		}

		_, err = os.Stdout.Write(chunk)
		if err != nil {
			return err
		}
	}

	return nil
}

func runShell(engine *flux.Engine) error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	commands := []string{"read ", "stat ", "begin ", "fp ", "write ", "rollback ", "exit", "quit", "help"}

	line.SetCompleter(func(prefix string) []string {
		var matches []string

		for _, c := range commands {
			if strings.HasPrefix(c, prefix) {
				matches = append(matches, c)
			}
		}

		return matches
	})

	for {
		input, err := line.Prompt("flux> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if input == "exit" || input == "quit" || input == "q" {
			return nil
		}

		err = shellCommand(engine, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func shellCommand(engine *flux.Engine, input string) error {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]
	ctx := context.Background()

	switch cmd {
	case "help":
		fmt.Println("read <path> [start] [end] | stat <path> | begin <path> | fp <id> | write <id> <text...> | rollback <id> | exit")

		return nil
	case "read":
		if len(args) < 1 || len(args) > 3 {
			return errors.New("usage: read <path> [start] [end]")
		}

		opts := flux.ReadOptions{}

		if len(args) >= 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("bad start line %q", args[1])
			}

			opts.StartLine = &n
			opts.EndLine = &n
		}

		if len(args) == 3 {
			n, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("bad end line %q", args[2])
			}

			opts.EndLine = &n
		}

		res, err := engine.Read(ctx, args[0], opts)
		if err != nil {
			return err
		}

		fmt.Println(res.Content)

		return nil
	case "stat":
		if len(args) != 1 {
			return errors.New("usage: stat <path>")
		}

		return cmdStat(engine, args)
	case "begin":
		if len(args) != 1 {
			return errors.New("usage: begin <path>")
		}

		id, err := engine.BeginTransaction(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Println(id)

		return nil
	case "fp":
		if len(args) != 1 {
			return errors.New("usage: fp <id>")
		}

		fp, err := engine.TransactionFingerprint(args[0])
		if err != nil {
			return err
		}

		fmt.Println(fp)

		return nil
	case "write":
		if len(args) < 2 {
			return errors.New("usage: write <id> <text...>")
		}

		return engine.WriteWithTransaction(ctx, args[0], strings.Join(args[1:], " ")+"\n", "")
	case "rollback":
		if len(args) != 1 {
			return errors.New("usage: rollback <id>")
		}

		return engine.RollbackTransaction(args[0])
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func intPtr(i int) *int { return &i }
