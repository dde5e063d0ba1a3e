// Command perch inspects and maintains a perch database directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	json "github.com/goccy/go-json"
	flag "github.com/spf13/pflag"

	"github.com/perchdb/perch"
	"github.com/perchdb/perch/pkg/logging"
)

func main() {
	var (
		dataPath   = flag.StringP("path", "p", "", "data directory of the database")
		configPath = flag.StringP("config", "c", "", "YAML config file (overrides --path)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := logging.New(level)

	conf := perch.Config{Path: *dataPath, Logger: log}
	if *configPath != "" {
		loaded, err := perch.LoadConfig(*configPath)
		if err != nil {
			fatal(log, err)
		}
		loaded.Logger = log
		conf = loaded
	}
	if conf.Path == "" {
		usage()
		os.Exit(2)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	db, err := perch.Open(conf)
	if err != nil {
		fatal(log, err)
	}
	defer db.Close(context.Background())

	if err := dispatch(db, args); err != nil {
		fatal(log, err)
	}
}

func dispatch(db *perch.Database, args []string) error {
	switch cmd, rest := args[0], args[1:]; cmd {
	case "info":
		return runInfo(db)
	case "get":
		if len(rest) < 1 {
			return fmt.Errorf("usage: perch get <docID> [revID]")
		}
		revID := ""
		if len(rest) > 1 {
			revID = rest[1]
		}
		return runGet(db, rest[0], revID)
	case "put":
		if len(rest) != 2 {
			return fmt.Errorf("usage: perch put <docID> <json body>")
		}
		return runPut(db, rest[0], rest[1])
	case "delete":
		if len(rest) != 2 {
			return fmt.Errorf("usage: perch delete <docID> <revID>")
		}
		_, err := db.PutRevision(rest[0], nil, rest[1], false)
		return err
	case "changes":
		since := uint64(0)
		if len(rest) > 0 {
			if _, err := fmt.Sscanf(rest[0], "%d", &since); err != nil {
				return fmt.Errorf("bad sequence %q", rest[0])
			}
		}
		return runChanges(db, since)
	case "compact":
		return db.Compact()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runInfo(db *perch.Database) error {
	seq, err := db.LastSequence()
	if err != nil {
		return err
	}
	public, err := db.PublicUUID()
	if err != nil {
		return err
	}
	private, err := db.PrivateUUID()
	if err != nil {
		return err
	}
	docs, err := db.AllDocsQuery(perch.AllDocsOptions{})
	if err != nil {
		return err
	}
	fmt.Printf("name:         %s\n", db.Name())
	fmt.Printf("documents:    %d\n", len(docs.Rows))
	fmt.Printf("sequence:     %d\n", seq)
	fmt.Printf("public uuid:  %s\n", public)
	fmt.Printf("private uuid: %s\n", private)
	return nil
}

func runGet(db *perch.Database, docID, revID string) error {
	rev, err := db.GetRevision(docID, revID, perch.IncludeConflicts)
	if err != nil {
		return err
	}
	return printJSON(rev.Body)
}

func runPut(db *perch.Database, docID, rawBody string) error {
	var body perch.Body
	if err := json.Unmarshal([]byte(rawBody), &body); err != nil {
		return fmt.Errorf("bad body: %w", err)
	}
	prevRevID, _ := body["_rev"].(string)
	rev, err := db.PutRevision(docID, body, prevRevID, false)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", rev.DocID, rev.RevID)
	return nil
}

func runChanges(db *perch.Database, since uint64) error {
	revs, err := db.ChangesSince(since, perch.ChangesOptions{}, nil)
	if err != nil {
		return err
	}
	for _, rev := range revs {
		marker := ""
		if rev.Deleted {
			marker = " deleted"
		}
		fmt.Printf("%d %s %s%s\n", rev.Sequence, rev.DocID, rev.RevID, marker)
	}
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: perch [flags] <command> [args]

commands:
  info                     database summary
  get <docID> [revID]      print a document revision
  put <docID> <json>       create or update a document
  delete <docID> <revID>   delete a document
  changes [since]          list changes after a sequence
  compact                  reclaim space

flags:
`)
	flag.PrintDefaults()
}

func fatal(log *slog.Logger, err error) {
	log.Error("perch", "error", err)
	os.Exit(1)
}
