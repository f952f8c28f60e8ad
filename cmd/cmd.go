package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/cffi/ctypes"
	"github.com/ollama/cffi/envconfig"
	"github.com/ollama/cffi/ffi"
	"github.com/ollama/cffi/logutil"
	"github.com/ollama/cffi/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cffi",
		Short: "Parse C declarations and call native functions",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			level := envconfig.LogLevel
			if s, _ := cmd.Flags().GetString("log-level"); s != "" {
				l, err := logutil.ParseLevel(s)
				if err != nil {
					return err
				}
				level = l
			}
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), level))
			return nil
		},
	}

	rootCmd.PersistentFlags().String("backend", "", "Backend to use (default $CFFI_BACKEND)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn or error")

	cobra.EnableCommandSorting = false

	parseCmd := &cobra.Command{
		Use:   "parse [FILE...]",
		Short: "Parse declarations and list what they declare",
		Long:  "Parse declarations from files, or standard input when none are given, and list the declared functions, variables and typedefs",
		RunE:  ParseHandler,
	}

	typeofCmd := &cobra.Command{
		Use:   "typeof TYPE",
		Short: "Resolve a type and show its backend handle",
		Args:  cobra.ExactArgs(1),
		RunE:  TypeofHandler,
	}
	typeofCmd.Flags().Bool("force-pointer", false, "Resolve an array type as a pointer to its element")

	layoutCmd := &cobra.Command{
		Use:   "layout TYPE",
		Short: "Show the size, alignment and members of a type",
		Args:  cobra.ExactArgs(1),
		RunE:  LayoutHandler,
	}

	callCmd := &cobra.Command{
		Use:   "call FUNCTION [ARG...]",
		Short: "Call a declared function",
		Args:  cobra.MinimumNArgs(1),
		RunE:  CallHandler,
	}
	// flags end at FUNCTION so negative numbers pass as arguments
	callCmd.Flags().SetInterspersed(false)
	callCmd.Flags().StringP("library", "l", "", "Library to load the function from (default: the running process)")
	callCmd.Flags().Bool("string", false, "Read a pointer result as a NUL terminated string")

	for _, cmd := range []*cobra.Command{typeofCmd, layoutCmd, callCmd} {
		cmd.Flags().StringArrayP("cdef", "c", nil, "Declarations to parse first")
		cmd.Flags().StringArrayP("file", "f", nil, "File of declarations to parse first")
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}
	envCmd.Flags().Bool("example", false, "Print an example configuration file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cffi version is %s\n", version.Version)
		},
	}

	rootCmd.AddCommand(
		parseCmd,
		typeofCmd,
		layoutCmd,
		callCmd,
		envCmd,
		versionCmd,
	)

	return rootCmd
}

// newSession starts a session on the --backend backend and feeds it the
// --cdef and --file declarations, in that order.
func newSession(cmd *cobra.Command) (*ffi.Session, error) {
	var opts []ffi.Option
	if name, _ := cmd.Flags().GetString("backend"); name != "" {
		opts = append(opts, ffi.WithBackend(name))
	}

	s, err := ffi.New(opts...)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Lookup("cdef") == nil {
		return s, nil
	}

	cdefs, _ := cmd.Flags().GetStringArray("cdef")
	for _, src := range cdefs {
		if err := s.Cdef(src); err != nil {
			return nil, errors.Join(err, s.Close())
		}
	}

	files, _ := cmd.Flags().GetStringArray("file")
	for _, name := range files {
		if err := cdefFile(s, name); err != nil {
			return nil, errors.Join(err, s.Close())
		}
	}
	return s, nil
}

func cdefFile(s *ffi.Session, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := s.CdefFile(f); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// newTable lays rows out for a terminal, or tab separated when the output is
// piped.
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	if len(header) > 0 {
		table.SetHeader(header)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	}
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)

	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		table.SetTablePadding("    ")
	} else {
		table.SetTablePadding("\t")
	}
	return table
}

func ParseHandler(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if len(args) == 0 {
		if err := s.CdefFile(cmd.InOrStdin()); err != nil {
			return err
		}
	}

	for _, name := range args {
		if err := cdefFile(s, name); err != nil {
			return err
		}
	}

	var data [][]string
	for _, sym := range s.Declarations() {
		kind := "function"
		if sym.Variable {
			kind = "variable"
		}
		data = append(data, []string{sym.Name, kind, ctypes.Declarator(sym.Type, sym.Name)})
	}

	for _, name := range s.Typedefs() {
		t, err := s.TypeOf(name)
		if err != nil {
			return err
		}
		data = append(data, []string{name, "typedef", ctypes.Declarator(t, name)})
	}

	table := newTable(cmd.OutOrStdout(), "NAME", "KIND", "DECLARATION")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func TypeofHandler(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	forcePointer, _ := cmd.Flags().GetBool("force-pointer")
	t, err := s.ParseType(args[0], forcePointer)
	if err != nil {
		return err
	}

	h, err := s.Realize(t)
	if err != nil {
		return err
	}

	table := newTable(cmd.OutOrStdout())
	table.AppendBulk([][]string{
		{"Type:", t.String()},
		{"Kind:", t.Kind().String()},
		{"Backend:", h.String()},
	})
	table.Render()
	return nil
}

func LayoutHandler(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.ParseType(args[0], false)
	if err != nil {
		return err
	}

	size, err := s.Sizeof(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: size %d, align %d\n", t, size, t.Align())

	st, ok := t.(*ctypes.Struct)
	if !ok || len(st.Fields()) == 0 {
		return nil
	}

	var data [][]string
	for _, f := range st.Fields() {
		name := f.Name
		if name == "" {
			name = "<anonymous>"
		}

		var bits string
		if f.IsBitfield() {
			bits = fmt.Sprintf("%d:%d", f.BitShift(), f.BitSize)
		}
		data = append(data, []string{name, f.Type.String(), strconv.Itoa(f.Offset), strconv.Itoa(f.Type.Size()), bits})
	}

	fmt.Fprintln(out)
	table := newTable(out, "MEMBER", "TYPE", "OFFSET", "SIZE", "BITS")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func CallHandler(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	name, _ := cmd.Flags().GetString("library")
	lib, err := s.Load(name)
	if err != nil {
		return err
	}

	fn, err := lib.Function(args[0])
	if err != nil {
		return err
	}

	ft := fn.Type()
	values := make([]any, len(args)-1)
	for i, arg := range args[1:] {
		var v any
		if i < len(ft.Args) {
			v, err = parseArg(ft.Args[i], arg)
		} else {
			v = parseVararg(arg)
		}
		if err != nil {
			return fmt.Errorf("%s argument %d: %w", fn.Name(), i+1, err)
		}
		values[i] = v
	}

	result, err := fn.Call(values...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch r := result.(type) {
	case nil:
	case uintptr:
		if str, _ := cmd.Flags().GetBool("string"); str && r != 0 {
			v, err := s.String(r)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, strconv.Quote(v))
			break
		}
		fmt.Fprintf(out, "%#x\n", r)
	default:
		fmt.Fprintln(out, r)
	}
	return nil
}

// parseArg converts a command line argument to a value of the declared
// parameter type. Integers take Go literal syntax, pointers take NULL, a hex
// address or a string to pass by reference.
func parseArg(t ctypes.Type, s string) (any, error) {
	switch t := t.(type) {
	case *ctypes.Enum:
		if n, err := strconv.ParseInt(s, 0, 64); err == nil {
			return n, nil
		}
		return s, nil
	case *ctypes.Primitive:
		switch {
		case t.Encoding == ctypes.EncodingBool:
			return strconv.ParseBool(s)
		case t.IsFloat():
			return strconv.ParseFloat(s, 64)
		case t.Signed:
			return strconv.ParseInt(s, 0, 64)
		default:
			return strconv.ParseUint(s, 0, 64)
		}
	case *ctypes.Pointer:
		switch {
		case s == "NULL":
			return nil, nil
		case strings.HasPrefix(s, "0x"):
			u, err := strconv.ParseUint(s, 0, 64)
			return uintptr(u), err
		}
		return s, nil
	}
	return nil, fmt.Errorf("cannot pass %s from the command line", t)
}

func parseVararg(s string) any {
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func EnvHandler(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if example, _ := cmd.Flags().GetBool("example"); example {
		fmt.Fprint(out, envconfig.GenerateExampleConfig())
		return nil
	}

	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data [][]string
	for _, k := range keys {
		data = append(data, []string{k, fmt.Sprintf("%v", vars[k].Value), vars[k].Description})
	}

	if path := envconfig.ConfigPath(); path != "" {
		fmt.Fprintf(out, "Configuration: %s\n\n", path)
	}

	table := newTable(out, "NAME", "VALUE", "DESCRIPTION")
	table.AppendBulk(data)
	table.Render()
	return nil
}
