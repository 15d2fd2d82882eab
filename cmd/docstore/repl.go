package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/arcbase/docstore/internal/fs"
	"github.com/arcbase/docstore/pkg/docstore"
)

// shell is the interactive command loop, grounded on sloty's liner-backed
// REPL: readline-style editing, persistent history, tab completion.
type shell struct {
	ds    *docstore.Datastore
	liner *liner.State
}

func runREPL(ds *docstore.Datastore) int {
	s := &shell{ds: ds}

	if err := s.run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	return 0
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".docstore_history")
}

func (s *shell) run() error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(s.completer)

	if f, err := os.Open(historyFile()); err == nil {
		s.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("docstore shell. Type 'help' for available commands.")

	for {
		line, err := s.liner.Prompt("docstore> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		s.liner.AppendHistory(line)

		if s.dispatch(line) {
			break
		}
	}

	s.saveHistory()

	return nil
}

func (s *shell) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			s.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (s *shell) completer(line string) []string {
	commands := []string{
		"insert", "find", "findone", "count",
		"update", "updateall", "upsert",
		"remove", "removeall",
		"ensureindex", "removeindex",
		"compact", "help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

// dispatch runs one line, returning true when the shell should exit.
func (s *shell) dispatch(line string) bool {
	cmd, rest := splitCommand(line)

	switch strings.ToLower(cmd) {
	case "exit", "quit", "q":
		fmt.Println("Bye!")

		return true

	case "help", "?":
		s.printHelp()

	case "insert":
		s.cmdInsert(rest)

	case "find":
		s.cmdFind(rest)

	case "findone":
		s.cmdFindOne(rest)

	case "count":
		s.cmdCount(rest)

	case "update":
		s.cmdUpdate(rest, false, false)

	case "updateall":
		s.cmdUpdate(rest, true, false)

	case "upsert":
		s.cmdUpdate(rest, false, true)

	case "remove":
		s.cmdRemove(rest, false)

	case "removeall":
		s.cmdRemove(rest, true)

	case "ensureindex":
		s.cmdEnsureIndex(rest)

	case "removeindex":
		s.cmdRemoveIndex(rest)

	case "compact":
		s.cmdCompact()

	case "export":
		s.cmdExport(rest)

	default:
		fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	return false
}

func splitCommand(line string) (cmd, rest string) {
	cmd, rest, _ = strings.Cut(line, " ")

	return cmd, strings.TrimSpace(rest)
}

func (s *shell) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  insert <json-doc>                    Insert a document")
	fmt.Println("  find <json-query>                    List matching documents")
	fmt.Println("  findone <json-query>                 Show the first matching document")
	fmt.Println("  count <json-query>                   Count matching documents")
	fmt.Println("  update <json-query> <json-update>     Update the first match")
	fmt.Println("  updateall <json-query> <json-update>  Update every match")
	fmt.Println("  upsert <json-query> <json-update>     Update or insert on no match")
	fmt.Println("  remove <json-query>                  Remove the first match")
	fmt.Println("  removeall <json-query>                Remove every match")
	fmt.Println("  ensureindex <field> [unique] [sparse] Create an index")
	fmt.Println("  removeindex <name>                   Drop an index")
	fmt.Println("  compact                               Rewrite the log file")
	fmt.Println("  export <path>                         Dump every document as JSON Lines")
	fmt.Println("  help                                  Show this help")
	fmt.Println("  exit / quit / q                       Exit")
}

// parseValue decodes a JSON argument into a docstore.Value, reusing the same
// generic converter seedFromYAML feeds from its YAML tree.
func parseValue(arg string) (docstore.Value, error) {
	if arg == "" {
		return docstore.Map(docstore.NewOrderedMap()), nil
	}

	var raw any

	if err := json.Unmarshal([]byte(arg), &raw); err != nil {
		return docstore.Value{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return valueFromGeneric(raw)
}

// splitJSONArgs splits rest into exactly two JSON values, honoring brace
// nesting so a query or update argument may itself contain spaces.
func splitJSONArgs(rest string) (first, second string, ok bool) {
	depth := 0

	for i, r := range rest {
		switch r {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}

		if depth == 0 && r == ' ' {
			return strings.TrimSpace(rest[:i]), strings.TrimSpace(rest[i+1:]), true
		}
	}

	return "", "", false
}

func (s *shell) cmdInsert(rest string) {
	doc, err := parseValue(rest)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	stored, err := s.ds.Insert(doc)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	printDoc(stored)
}

func (s *shell) cmdFind(rest string) {
	query, err := parseValue(rest)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	docs, err := s.ds.Find(query)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	if len(docs) == 0 {
		fmt.Println("(no matches)")

		return
	}

	for _, d := range docs {
		printDoc(d)
	}
}

func (s *shell) cmdFindOne(rest string) {
	query, err := parseValue(rest)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	doc, err := s.ds.FindOne(query)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	if doc.IsUndefined() {
		fmt.Println("(no match)")

		return
	}

	printDoc(doc)
}

func (s *shell) cmdCount(rest string) {
	query, err := parseValue(rest)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	n, err := s.ds.Count(query)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	fmt.Println(n)
}

func (s *shell) cmdUpdate(rest string, multi, upsert bool) {
	queryArg, updateArg, ok := splitJSONArgs(rest)
	if !ok {
		fmt.Println("Usage: update <json-query> <json-update>")

		return
	}

	query, err := parseValue(queryArg)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	update, err := parseValue(updateArg)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	result, err := s.ds.Update(query, update, multi, upsert)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	if result.Upserted {
		fmt.Println("upserted with _id", result.UpsertID)

		return
	}

	fmt.Println("matched", result.Matched)
}

func (s *shell) cmdRemove(rest string, multi bool) {
	query, err := parseValue(rest)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	n, err := s.ds.Remove(query, multi)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	fmt.Println("removed", n)
}

func (s *shell) cmdEnsureIndex(rest string) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		fmt.Println("Usage: ensureindex <field> [unique] [sparse]")

		return
	}

	spec := docstore.IndexSpec{Name: fields[0], Fields: []string{fields[0]}}

	for _, flag := range fields[1:] {
		switch flag {
		case "unique":
			spec.Unique = true
		case "sparse":
			spec.Sparse = true
		}
	}

	if err := s.ds.EnsureIndex(spec); err != nil {
		fmt.Println("Error:", err)

		return
	}

	fmt.Println("ok")
}

func (s *shell) cmdRemoveIndex(rest string) {
	name := strings.TrimSpace(rest)
	if name == "" {
		fmt.Println("Usage: removeindex <name>")

		return
	}

	if err := s.ds.RemoveIndex(name); err != nil {
		fmt.Println("Error:", err)

		return
	}

	fmt.Println("ok")
}

func (s *shell) cmdCompact() {
	if err := s.ds.Compact(); err != nil {
		fmt.Println("Error:", err)

		return
	}

	fmt.Println("ok")
}

// cmdExport dumps every document in the collection as JSON Lines to an
// external path. Unlike the collection's own log file, which persist.go
// rewrites in place through the fixed "<file>~" sibling required by
// recoverOnOpen, an export target is a brand-new file picked by the
// operator, so it's written through [fs.AtomicWriter] instead: the usual
// readers-never-see-a-partial-file guarantee without the on-disk-name
// constraint the collection's own rewrite protocol needs.
func (s *shell) cmdExport(path string) {
	if path == "" {
		fmt.Println("Error: export requires a destination path")

		return
	}

	docs, err := s.ds.Find(docstore.Map(docstore.NewOrderedMap()))
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	var buf bytes.Buffer

	for _, d := range docs {
		line, err := docstore.Serialize(d)
		if err != nil {
			fmt.Println("Error:", err)

			return
		}

		buf.Write(line)
		buf.WriteByte('\n')
	}

	writer := fs.NewAtomicWriter(fs.NewReal())
	if err := writer.WriteWithDefaults(path, &buf); err != nil {
		fmt.Println("Error:", err)

		return
	}

	fmt.Printf("exported %d documents to %s\n", len(docs), path)
}

func printDoc(v docstore.Value) {
	line, err := docstore.Serialize(v)
	if err != nil {
		fmt.Println("Error:", err)

		return
	}

	fmt.Println(string(line))
}
