package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/drpcorg/tank"
	"github.com/drpcorg/tank/codec"
	"github.com/drpcorg/tank/indexes"
	"github.com/ergochat/readline"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var api = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

var ErrUsage = errors.New("usage")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("put"),
	readline.PcItem("last"),
	readline.PcItem("slice"),
	readline.PcItem("rows"),
	readline.PcItem("metrics"),
	readline.PcItem("info"),

	readline.PcItem("addindex"),
	readline.PcItem("delindex"),
	readline.PcItem("pause"),
	readline.PcItem("resume"),
	readline.PcItem("indices"),

	readline.PcItem("query"),
	readline.PcItem("records"),
	readline.PcItem("find"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

const help = `put <json>...                     append records as one batch
last                              show the last record
slice <offset> [size]             show records
rows <offset> [size]              show records below offset+size
metrics [offset] [size]           show put batch metrics
info                              show store info
addindex <name> <type> <path>...  add an index (types: int str bool time)
delindex <name>                   delete an index
pause [name] / resume [name]      pause or resume one or all indices
indices                           list indices
query <name> [value] [exact]      normalized values of an index
records <name> [value] [exact]    all indexed values of matching records
find <name> [value] [exact]       matching records
exit`

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

type Shell struct {
	tk  *tank.Tank
	out io.Writer
	rl  *readline.Instance
}

func NewShell(tk *tank.Tank, out io.Writer) (*Shell, error) {
	return &Shell{tk: tk, out: out}, nil
}

func (sh *Shell) Close() error {
	if sh.rl != nil {
		_ = sh.rl.Close()
		sh.rl = nil
	}
	return nil
}

func (sh *Shell) Run(ctx context.Context) (err error) {
	sh.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".tank_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	sh.rl.CaptureExitSignal()
	for ctx.Err() == nil {
		line, err := sh.rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = sh.Exec(ctx, line)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			fmt.Fprintf(sh.out, "error: %s\n", err)
		}
	}
	return nil
}

// fromJSON turns json.Number into int64 or float64, recursively.
func fromJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = fromJSON(e)
		}
	case []any:
		for i, e := range t {
			t[i] = fromJSON(e)
		}
	}
	return v
}

func parseValues(text string) ([]any, error) {
	dec := api.NewDecoder(strings.NewReader(text))
	var values []any
	for dec.More() {
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, errors.Wrap(err, "bad JSON")
		}
		values = append(values, fromJSON(v))
	}
	return values, nil
}

// parseValue reads one JSON value; anything else is a bare string.
func parseValue(token string) any {
	var v any
	if err := api.UnmarshalFromString(token, &v); err != nil {
		return token
	}
	return fromJSON(v)
}

func (sh *Shell) print(off uint64, v any) {
	data, err := api.Marshal(v)
	if err != nil {
		fmt.Fprintf(sh.out, "%d\t%v\n", off, v)
		return
	}
	fmt.Fprintf(sh.out, "%d\t%s\n", off, data)
}

func uintArg(args []string, i int, def uint64) (uint64, error) {
	if len(args) <= i {
		return def, nil
	}
	return strconv.ParseUint(args[i], 10, 64)
}

func intArg(args []string, i int, def int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	return strconv.Atoi(args[i])
}

// queryArgs parses <name> [value] [exact].
func queryArgs(args []string) (name string, value any, exact bool, err error) {
	if len(args) < 1 || len(args) > 3 {
		return "", nil, false, errors.Wrap(ErrUsage, "<name> [value] [exact]")
	}
	name = args[0]
	if len(args) > 1 {
		value = parseValue(args[1])
	}
	if len(args) > 2 {
		if args[2] != "exact" && args[2] != "prefix" {
			return "", nil, false, errors.Wrapf(ErrUsage, "match %q is not exact or prefix", args[2])
		}
		exact = args[2] == "exact"
	}
	return
}

func printCursor[T any](sh *Shell, c *indexes.Cursor[T], conv func(T) (any, error)) error {
	defer c.Close()
	n := 0
	for off, v := range c.All() {
		out, err := conv(v)
		if err != nil {
			return err
		}
		sh.print(off, out)
		n++
	}
	if err := c.Err(); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "(%d)\n", n)
	return nil
}

func identity[T any](v T) (any, error) {
	return v, nil
}

// Exec runs one shell line. It returns io.EOF on exit.
func (sh *Shell) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)
	switch cmd {
	case "help":
		fmt.Fprintln(sh.out, help)
	case "exit", "quit":
		return io.EOF

	case "put":
		items, err := parseValues(rest)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return errors.Wrap(ErrUsage, "put <json>...")
		}
		first, err := sh.tk.Put(items...)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%d\n", first)
	case "last":
		entry, ok, err := sh.tk.Last()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(sh.out, "(empty)")
			return nil
		}
		sh.print(entry.Offset, entry.Item)
	case "slice":
		off, err := uintArg(args, 0, 0)
		if err != nil {
			return err
		}
		size, err := intArg(args, 1, 10)
		if err != nil {
			return err
		}
		entries, err := sh.tk.Slice(off, size)
		if err != nil {
			return err
		}
		for _, e := range entries {
			sh.print(e.Offset, e.Item)
		}
	case "rows":
		off, err := uintArg(args, 0, 0)
		if err != nil {
			return err
		}
		size, err := intArg(args, 1, 10)
		if err != nil {
			return err
		}
		rows, err := sh.tk.Rows(off, size)
		if err != nil {
			return err
		}
		for _, r := range rows {
			item, err := codec.Unmarshal(r.Value)
			if err != nil {
				return err
			}
			sh.print(r.Offset, item)
		}
	case "metrics":
		off, err := uintArg(args, 0, 0)
		if err != nil {
			return err
		}
		size, err := intArg(args, 1, 0)
		if err != nil {
			return err
		}
		rows, err := sh.tk.Metrics(off, size)
		if err != nil {
			return err
		}
		for _, r := range rows {
			sh.print(r.Offset, r.MetricsEntry)
		}
	case "info":
		info, err := sh.tk.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "records\t%d\nbatches\t%d\nlog disk\t%d\nindex disk\t%d\navg put\t%.6fs\n",
			info.RecordCount, info.MetricsCount, info.Storage.DiskUsage,
			info.IndexStorage.DiskUsage, info.Storage.AvgPutTook)
		if info.WorkerErr != nil {
			fmt.Fprintf(sh.out, "worker\t%s\n", info.WorkerErr)
		}

	case "addindex":
		if len(args) < 3 {
			return errors.Wrap(ErrUsage, "addindex <name> <type> <path>...")
		}
		def, err := sh.tk.AddIndex(ctx, args[0], args[1], args[2:]...)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%s\t%s\n", def.Propname, def.Iid)
	case "delindex":
		if len(args) != 1 {
			return errors.Wrap(ErrUsage, "delindex <name>")
		}
		return sh.tk.DelIndex(ctx, args[0])
	case "pause", "resume":
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		if cmd == "pause" {
			return sh.tk.PauseIndex(ctx, name)
		}
		return sh.tk.ResumeIndex(ctx, name)
	case "indices":
		infos, err := sh.tk.GetIndices(ctx)
		if err != nil {
			return err
		}
		for _, i := range infos {
			state := "active"
			if i.Paused {
				state = "paused"
			}
			fmt.Fprintf(sh.out, "%s\t%s\t%s\t%s\tnext=%d good=%d fail=%d lag=%d\n",
				i.Propname, i.Syntype, strings.Join(i.Datapaths, ","), state,
				i.NextOffset, i.NGood, i.NNormFail, i.Lag)
		}

	case "query":
		name, value, exact, err := queryArgs(args)
		if err != nil {
			return err
		}
		c, err := sh.tk.QueryNormValues(name, value, exact)
		if err != nil {
			return err
		}
		return printCursor(sh, c, identity[any])
	case "records":
		name, value, exact, err := queryArgs(args)
		if err != nil {
			return err
		}
		c, err := sh.tk.QueryNormRecords(name, value, exact)
		if err != nil {
			return err
		}
		return printCursor(sh, c, identity[map[string]any])
	case "find":
		name, value, exact, err := queryArgs(args)
		if err != nil {
			return err
		}
		c, err := sh.tk.QueryRows(name, value, exact)
		if err != nil {
			return err
		}
		return printCursor(sh, c, codec.Unmarshal)
	default:
		return errors.Wrapf(ErrUsage, "unknown command %q, try help", cmd)
	}
	return nil
}

// importJSON appends newline-separated JSON records in batches.
func importJSON(tk *tank.Tank, r io.Reader, batch int) (int, error) {
	if batch <= 0 {
		batch = 1000
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	items := make([]any, 0, batch)
	n := 0
	flush := func() error {
		if len(items) == 0 {
			return nil
		}
		if _, err := tk.Put(items...); err != nil {
			return err
		}
		n += len(items)
		items = items[:0]
		return nil
	}
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var v any
		if err := api.UnmarshalFromString(text, &v); err != nil {
			return n, errors.Wrapf(err, "line %d", line)
		}
		items = append(items, fromJSON(v))
		if len(items) == batch {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	return n, flush()
}
