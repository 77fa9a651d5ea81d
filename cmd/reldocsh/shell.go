package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/peterh/liner"

	"github.com/kartikbazzad/reldoc"
	"github.com/kartikbazzad/reldoc/internal/config"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

const historyFile = ".reldocsh_history"

var shellCommands = []string{
	".help", ".exit", ".types", ".show", ".insert", ".edit", ".set",
	".delete", ".pending", ".apply", ".discard", ".history", ".version",
	".lock", ".unlock", ".describe",
}

type shellState struct {
	engine *reldoc.Engine
	cs     *reldoc.ChangeSet
	out    io.Writer
}

func runShell(engine *reldoc.Engine, cfg *config.Config) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) (c []string) {
		for _, cmd := range shellCommands {
			if strings.HasPrefix(cmd, prefix) {
				c = append(c, cmd)
			}
		}
		return
	})

	histPath := filepath.Join(os.TempDir(), historyFile)
	if home, err := os.UserHomeDir(); err == nil {
		histPath = filepath.Join(home, historyFile)
	}
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	st := &shellState{engine: engine, cs: engine.NewChangeSet(), out: os.Stdout}
	fmt.Fprintf(st.out, "reldoc shell, database %s. Type '.help' for commands.\n", cfg.Backend.Path)

	for {
		input, err := line.Prompt("> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(st.out)
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if input == ".exit" {
			return nil
		}
		if err := st.execute(input); err != nil {
			fmt.Fprintf(st.out, "error: %v\n", err)
		}
	}
}

func (st *shellState) execute(input string) error {
	args := strings.Fields(input)
	cmd, args := args[0], args[1:]
	ctx := context.Background()

	switch cmd {
	case ".help":
		st.printHelp()
		return nil
	case ".types":
		for _, name := range st.engine.Registry().Names() {
			fmt.Fprintln(st.out, name)
		}
		return nil
	case ".describe":
		return st.describe(args)
	case ".show":
		return st.show(ctx, args)
	case ".insert":
		return st.insert(args)
	case ".edit":
		return st.edit(args)
	case ".set":
		return st.set(args)
	case ".delete":
		return st.del(args)
	case ".pending":
		st.printPending()
		return nil
	case ".apply":
		return st.apply(ctx)
	case ".discard":
		st.cs = st.engine.NewChangeSet()
		fmt.Fprintln(st.out, "discarded")
		return nil
	case ".history":
		return st.history(ctx, args)
	case ".version":
		return st.version(ctx, args)
	case ".lock":
		return st.lock(args)
	case ".unlock":
		return st.unlock(args)
	default:
		return fmt.Errorf("unknown command %s (try '.help')", cmd)
	}
}

func (st *shellState) printHelp() {
	fmt.Fprint(st.out, `Commands:
  .types                          list document types
  .describe <type>                show a type's columns and sub-documents
  .show <type> <id>               load and print a document
  .insert <type> col=val ...      stage a new document (placeholder id)
  .edit <type> <id> col=val ...   stage an edit
  .set <type> <id> col=val ...    stage more values on a pending document
  .delete <type> <id>             stage a deletion
  .pending                        list staged changes
  .apply                          apply staged changes atomically
  .discard                        drop staged changes
  .history <type> <id>            print the document's ledger
  .version <type> <id> <v>        reconstruct an older version
  .lock <type> <id> [...]         take a long lock
  .unlock <guid>                  release a long lock
  .exit                           leave
`)
}

func (st *shellState) describe(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: .describe <type>")
	}
	t, ok := st.engine.Registry().Type(args[0])
	if !ok {
		return fmt.Errorf("unknown type %q", args[0])
	}
	fmt.Fprintf(st.out, "%s (table %s)\n", t.Name, t.Table)
	for _, c := range t.Columns {
		describeColumn(st.out, "  ", c)
	}
	for _, s := range t.SubDocs {
		fmt.Fprintf(st.out, "  sub %s (table %s)\n", s.Name, s.Table)
		for _, c := range s.Columns {
			describeColumn(st.out, "    ", c)
		}
	}
	return nil
}

func describeColumn(out io.Writer, indent string, c schema.Column) {
	extra := ""
	if c.MasterType != "" {
		extra = " -> " + c.MasterType
	}
	if c.Nullable {
		extra += " (nullable)"
	}
	fmt.Fprintf(out, "%s%s %s%s\n", indent, c.Name, c.Kind, extra)
}

func (st *shellState) show(ctx context.Context, args []string) error {
	docType, id, err := typeAndID(args, ".show")
	if err != nil {
		return err
	}
	doc, err := st.engine.Load(ctx, st.engine.NewChangeSet(), docType, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(st.out, "%s version %d\n", doc.Ref(), doc.Version())
	printFields(st.out, "  ", doc.Fields())
	for _, s := range doc.AllSubs() {
		fmt.Fprintf(st.out, "  %s(%d)\n", s.Type(), s.ID())
		printFields(st.out, "    ", s.Fields())
	}
	return nil
}

func (st *shellState) insert(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: .insert <type> col=val ...")
	}
	doc, err := st.cs.Insert(args[0])
	if err != nil {
		return err
	}
	if err := st.setFields(doc, args[1:]); err != nil {
		return err
	}
	fmt.Fprintf(st.out, "staged %s\n", doc.Ref())
	return nil
}

func (st *shellState) edit(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: .edit <type> <id> col=val ...")
	}
	docType, id, err := typeAndID(args[:2], ".edit")
	if err != nil {
		return err
	}
	doc, err := st.cs.Edit(docType, id)
	if err != nil {
		return err
	}
	if err := st.setFields(doc, args[2:]); err != nil {
		return err
	}
	fmt.Fprintf(st.out, "staged %s\n", doc.Ref())
	return nil
}

func (st *shellState) set(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: .set <type> <id> col=val ...")
	}
	docType, id, err := typeAndID(args[:2], ".set")
	if err != nil {
		return err
	}
	doc, ok := st.cs.Get(docType, id)
	if !ok {
		return fmt.Errorf("%s(%d) is not staged", docType, id)
	}
	return st.setFields(doc, args[2:])
}

func (st *shellState) del(args []string) error {
	docType, id, err := typeAndID(args, ".delete")
	if err != nil {
		return err
	}
	doc, err := st.cs.Delete(docType, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(st.out, "staged delete of %s\n", doc.Ref())
	return nil
}

func (st *shellState) printPending() {
	n := 0
	for _, set := range st.cs.Sets() {
		for _, doc := range set.Docs() {
			fmt.Fprintf(st.out, "%s %s\n", doc.State(), doc.Ref())
			n++
		}
	}
	if n == 0 {
		fmt.Fprintln(st.out, "nothing staged")
	}
}

func (st *shellState) apply(ctx context.Context) error {
	applied, err := st.engine.Apply(ctx, st.cs, true)
	if err != nil {
		return err
	}
	for _, set := range applied.Sets() {
		for _, doc := range set.Docs() {
			fmt.Fprintf(st.out, "committed %s version %d\n", doc.Ref(), doc.Version())
		}
	}
	st.cs = st.engine.NewChangeSet()
	return nil
}

func (st *shellState) history(ctx context.Context, args []string) error {
	docType, id, err := typeAndID(args, ".history")
	if err != nil {
		return err
	}
	entries, err := st.engine.GetHistory(ctx, docType, id)
	if err != nil {
		return err
	}
	printHistory(st.out, entries)
	return nil
}

func (st *shellState) version(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: .version <type> <id> <v>")
	}
	docType, id, err := typeAndID(args[:2], ".version")
	if err != nil {
		return err
	}
	v, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("bad version %q", args[2])
	}
	doc, err := st.engine.GetVersion(ctx, docType, id, v)
	if err != nil {
		return err
	}
	printVersioned(st.out, doc)
	return nil
}

func (st *shellState) lock(args []string) error {
	if len(args) < 2 || len(args)%2 != 0 {
		return fmt.Errorf("usage: .lock <type> <id> [<type> <id> ...]")
	}
	var refs []reldoc.DocRef
	for i := 0; i < len(args); i += 2 {
		docType, id, err := typeAndID(args[i:i+2], ".lock")
		if err != nil {
			return err
		}
		refs = append(refs, reldoc.DocRef{Type: docType, ID: id})
	}
	guid, err := st.engine.AddLongLock(refs)
	if err != nil {
		return err
	}
	st.cs.IgnoreLongLock(guid)
	fmt.Fprintf(st.out, "locked under %s\n", guid)
	return nil
}

func (st *shellState) unlock(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: .unlock <guid>")
	}
	guid, err := parseGUID(args[0])
	if err != nil {
		return err
	}
	if st.engine.RemoveLongLock(guid) {
		fmt.Fprintln(st.out, "unlocked")
	} else {
		fmt.Fprintln(st.out, "no such lock")
	}
	return nil
}

// setFields parses col=val arguments against the document's declared
// columns and stages them.
func (st *shellState) setFields(doc *reldoc.Document, args []string) error {
	t, _ := st.engine.Registry().Type(doc.Type())
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("expected col=val, got %q", arg)
		}
		col, ok := t.Column(name)
		if !ok {
			return fmt.Errorf("unknown column %q on %s", name, t.Name)
		}
		val, err := parseValue(col.Kind, raw)
		if err != nil {
			return fmt.Errorf("column %s: %w", name, err)
		}
		if err := doc.SetField(name, val); err != nil {
			return err
		}
	}
	return nil
}

func parseValue(kind schema.ColumnKind, raw string) (any, error) {
	if raw == "null" {
		return nil, nil
	}
	switch kind {
	case schema.KindInt:
		return strconv.ParseInt(raw, 10, 64)
	case schema.KindFloat:
		return strconv.ParseFloat(raw, 64)
	case schema.KindBool:
		return strconv.ParseBool(raw)
	case schema.KindTime:
		return time.Parse(time.RFC3339, raw)
	case schema.KindBytes:
		return []byte(raw), nil
	default:
		return raw, nil
	}
}

func parseGUID(s string) (uuid.UUID, error) {
	guid, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad lock guid %q", s)
	}
	return guid, nil
}

func typeAndID(args []string, usage string) (string, int64, error) {
	if len(args) != 2 {
		return "", 0, fmt.Errorf("usage: %s <type> <id>", usage)
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad document id %q", args[1])
	}
	return args[0], id, nil
}

func printFields(out io.Writer, indent string, fields map[string]any) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s%s = %v\n", indent, name, fields[name])
	}
}

func printHistory(out io.Writer, entries []reldoc.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no history")
		return
	}
	for _, e := range entries {
		desc := ""
		if e.Description != "" {
			desc = ": " + e.Description
		}
		fmt.Fprintf(out, "v%-4d %-7s %s by %s%s\n",
			e.Version, e.Kind, e.ActionTime.Format(time.RFC3339), e.UserID, desc)
	}
}

func printActions(out io.Writer, actions []reldoc.UserAction) {
	if len(actions) == 0 {
		fmt.Fprintln(out, "no actions")
		return
	}
	for _, a := range actions {
		desc := ""
		if a.Description != "" {
			desc = ": " + a.Description
		}
		fmt.Fprintf(out, "%-6d %s %s (session %s)%s\n",
			a.ID, a.ActionTime.Format(time.RFC3339), a.UserID, a.SessionID, desc)
	}
}

func printVersioned(out io.Writer, doc *reldoc.VersionedDoc) {
	fmt.Fprintf(out, "%s(%d) at version %d\n", doc.Type, doc.ID, doc.Version)
	printFields(out, "  ", doc.Fields)
	for _, s := range doc.Subs {
		fmt.Fprintf(out, "  %s(%d)\n", s.SubType, s.ID)
		printFields(out, "    ", s.Fields)
	}
}
