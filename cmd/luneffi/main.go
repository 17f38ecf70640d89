package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	luneffi "github.com/TokenManiac/lune-ffi-ai"
)

const (
	historyFile = ".luneffi_history"
	promptMain  = "ffi> "
	promptCont  = "...> "
)

var banner = fmt.Sprintf("luneffi %s\nCtrl+C cancels input, Ctrl+D exits. Type :help for commands.", luneffi.Version)

func red(s string) string  { return "\x1b[31m" + s + "\x1b[0m" }
func blue(s string) string { return "\x1b[94m" + s + "\x1b[0m" }

func main() {
	layoutCmd := &cli.Command{
		Name:        "layout",
		Description: "parse declaration files and print computed type layouts",
		Action:      layoutAct,
		Args:        cli.Args{},
	}

	replCmd := &cli.Command{
		Name:        "repl",
		Description: "interactive declaration shell",
		Action:      replAct,
		Args:        cli.Args{},
	}

	versionCmd := &cli.Command{
		Name: "version",
		Action: func(c *cli.Command) error {
			fmt.Println(luneffi.Version)
			return nil
		},
		Args: cli.Args{},
	}

	app := &cli.Command{
		Name:        "luneffi",
		Description: "luneffi inspects C type layouts and native library symbols",
		Commands: []*cli.Command{
			layoutCmd,
			replCmd,
			versionCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func layoutAct(c *cli.Command) error {
	if len(c.Args) == 0 {
		return errors.New("usage: luneffi layout <file.h>...")
	}

	eng := luneffi.New()

	for _, a := range c.Args {
		data, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}
		if err := eng.DefineTypes(string(data)); err != nil {
			return luneffi.WrapErrorWithName(err, a, string(data))
		}

		tlog.V("files").Printw("declarations loaded", "file", a)
	}

	for _, name := range eng.Types.TypeNames() {
		printLayout(eng, name)
	}

	return nil
}

func printLayout(eng *luneffi.FFI, name string) {
	t, err := eng.TypeOf(name)
	if err != nil {
		return
	}
	fmt.Printf("%-32s size=%-3d align=%d\n", name, t.Size, t.Align)
	if t.Kind == luneffi.KindStruct || t.Kind == luneffi.KindUnion {
		for _, f := range t.Fields {
			if f.Bits != luneffi.NoBitfield {
				fmt.Printf("    .%-24s +%-3d bits [%d:%d]\n", f.Name, f.Offset, f.BitOff, f.BitOff+f.Bits)
				continue
			}
			fmt.Printf("    .%-24s +%-3d %s\n", f.Name, f.Offset, f.Type)
		}
	}
}

func replAct(c *cli.Command) error {
	fmt.Println(banner)

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigc)
	go func() {
		<-sigc
		ln.Close()
		os.Exit(130)
	}()

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	eng := luneffi.New()

	for {
		src, ok := readDeclaration(ln)
		if !ok {
			fmt.Println()
			return nil
		}
		if strings.TrimSpace(src) == "" {
			continue
		}

		if strings.HasPrefix(strings.TrimSpace(src), ":") {
			if quit := replCommand(eng, strings.TrimSpace(src)); quit {
				return nil
			}
			ln.AppendHistory(src)
			continue
		}

		if err := eng.DefineTypes(src); err != nil {
			fmt.Fprintln(os.Stderr, red(luneffi.WrapErrorWithSource(err, src).Error()))
			continue
		}
		fmt.Println(blue("ok"))
		ln.AppendHistory(strings.ReplaceAll(src, "\n", " "))
	}
}

// readDeclaration accumulates lines until the braces balance and the input
// ends with a semicolon, so multi-line struct bodies read naturally.
func readDeclaration(ln *liner.State) (string, bool) {
	var b strings.Builder

	for {
		var line string
		var err error
		if b.Len() == 0 {
			line, err = ln.Prompt(promptMain)
		} else {
			line, err = ln.Prompt(promptCont)
		}
		if errors.Is(err, io.EOF) {
			return "", false
		}
		if err != nil {
			return "", true
		}

		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)

		src := b.String()
		if declComplete(src) {
			return src, true
		}
	}
}

func declComplete(src string) bool {
	t := strings.TrimSpace(src)
	if t == "" || strings.HasPrefix(t, ":") {
		return true
	}
	depth := 0
	for i := 0; i < len(t); i++ {
		switch t[i] {
		case '{':
			depth++
		case '}':
			depth--
		}
	}
	return depth <= 0 && strings.HasSuffix(t, ";")
}

var helpText = `commands:
  :types            list registered type names
  :size <type>      print sizeof
  :align <type>     print alignof
  :offset <T> <f>   print offsetof a struct member
  :enum <T> <name>  print an enumerator value
  :open <path>      open a dynamic library
  :quit             exit

anything else is parsed as C declarations (typedef, struct, union, enum,
function prototypes).`

func replCommand(eng *luneffi.FFI, line string) (quit bool) {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])

	fail := func(err error) {
		fmt.Fprintln(os.Stderr, red(err.Error()))
	}

	switch {
	case cmd == ":quit" || cmd == ":q":
		return true

	case cmd == ":help":
		fmt.Println(helpText)

	case cmd == ":types":
		for _, n := range eng.Types.TypeNames() {
			printLayout(eng, n)
		}

	case cmd == ":size" && len(fields) >= 2:
		name := strings.Join(fields[1:], " ")
		if n, err := eng.SizeOf(name); err != nil {
			fail(err)
		} else {
			fmt.Println(n)
		}

	case cmd == ":align" && len(fields) >= 2:
		name := strings.Join(fields[1:], " ")
		if n, err := eng.AlignOf(name); err != nil {
			fail(err)
		} else {
			fmt.Println(n)
		}

	case cmd == ":offset" && len(fields) == 3:
		if n, err := eng.OffsetOf(fields[1], fields[2]); err != nil {
			fail(err)
		} else {
			fmt.Println(n)
		}

	case cmd == ":enum" && len(fields) == 3:
		if v, err := eng.EnumValue(fields[1], fields[2]); err != nil {
			fail(err)
		} else {
			fmt.Println(v)
		}

	case cmd == ":open" && len(fields) == 2:
		if _, err := eng.OpenLibrary(fields[1]); err != nil {
			fail(err)
		} else {
			fmt.Println(blue("loaded " + fields[1]))
		}

	default:
		fmt.Println("unknown command. Type :help for commands.")
	}

	return false
}
