package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ngoyal88/recordreplay/pkg/cache"
	"github.com/ngoyal88/recordreplay/pkg/config"
	"github.com/ngoyal88/recordreplay/pkg/record"
	"github.com/ngoyal88/recordreplay/pkg/recorder"
	"github.com/ngoyal88/recordreplay/pkg/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "list":
		handleList(args)
	case "export":
		handleExport(args)
	case "import":
		handleImport(args)
	case "delete":
		handleDelete(args)
	case "start", "stop":
		handleMode(cmd, args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("recorder-admin commands:")
	fmt.Println("  list                 List stored records")
	fmt.Println("  export               Write all records as a JSON array")
	fmt.Println("     flags: --out (default stdout)")
	fmt.Println("  import               Insert records from a JSON array")
	fmt.Println("     flags: --in (default stdin)")
	fmt.Println("  delete               Delete a record")
	fmt.Println("     flags: --id")
	fmt.Println("  start | stop         Switch a running recorder's mode")
	fmt.Println("     flags: --addr (default http://localhost:8080)")
	fmt.Println("")
	fmt.Println("list, export, import and delete open the store directly and take --config.")
	fmt.Println("A bolt store is locked while the server runs; use start/stop or the HTTP API then.")
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "", "path to config file")
	return fs, cfgPath
}

func parse(fs *pflag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}
}

func mustLoadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// mustOpenStore opens the configured store. The returned func closes it
// and any Redis connection opened for it.
func mustOpenStore(cfg *config.Config) (storage.Store, func()) {
	var rdb *cache.Client
	if cfg.Storage.Backend == config.BackendRedis {
		var err error
		rdb, err = cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
	}
	store, err := storage.Open(cfg.Storage, rdb, zap.NewNop())
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	return store, func() {
		store.Close()
		if rdb != nil {
			rdb.Close()
		}
	}
}

func handleList(args []string) {
	fs, cfgPath := newFlagSet("list")
	parse(fs, args)

	store, closeStore := mustOpenStore(mustLoadConfig(*cfgPath))
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recs, err := store.GetAll(ctx)
	if err != nil {
		log.Fatalf("failed to list records: %v", err)
	}
	if len(recs) == 0 {
		fmt.Println("No records found")
		return
	}
	for _, r := range recs {
		fmt.Printf("%d) %s status=%d bytes=%d recorded=%s\n",
			r.ID, r.Path, r.StatusCode, len(r.Body), time.Unix(0, r.Timestamp).Format(time.RFC3339))
	}
}

func handleExport(args []string) {
	fs, cfgPath := newFlagSet("export")
	out := fs.StringP("out", "o", "", "output file (default stdout)")
	parse(fs, args)

	store, closeStore := mustOpenStore(mustLoadConfig(*cfgPath))
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recs, err := store.GetAll(ctx)
	if err != nil {
		log.Fatalf("failed to read records: %v", err)
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("failed to create %s: %v", *out, err)
		}
		defer f.Close()
		w = f
	}
	if err := writeRecords(w, recs); err != nil {
		log.Fatalf("failed to write records: %v", err)
	}
	fmt.Fprintf(os.Stderr, "exported %d records\n", len(recs))
}

func handleImport(args []string) {
	fs, cfgPath := newFlagSet("import")
	in := fs.StringP("in", "i", "", "input file (default stdin)")
	parse(fs, args)

	var r io.Reader = os.Stdin
	if *in != "" {
		f, err := os.Open(*in)
		if err != nil {
			log.Fatalf("failed to open %s: %v", *in, err)
		}
		defer f.Close()
		r = f
	}
	recs, err := readRecords(r)
	if err != nil {
		log.Fatalf("failed to decode records: %v", err)
	}

	store, closeStore := mustOpenStore(mustLoadConfig(*cfgPath))
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	ids, err := recorder.New(store, zap.NewNop()).ImportRecords(ctx, recs)
	if err != nil {
		log.Fatalf("failed to import: %v", err)
	}
	fmt.Printf("imported %d records\n", len(ids))
}

func handleDelete(args []string) {
	fs, cfgPath := newFlagSet("delete")
	id := fs.Int64("id", 0, "record id")
	parse(fs, args)
	if *id <= 0 {
		log.Fatal("--id is required")
	}

	store, closeStore := mustOpenStore(mustLoadConfig(*cfgPath))
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.Delete(ctx, *id); err != nil {
		log.Fatalf("failed to delete %d: %v", *id, err)
	}
	fmt.Printf("deleted record %d\n", *id)
}

func handleMode(cmd string, args []string) {
	fs, cfgPath := newFlagSet(cmd)
	addr := fs.String("addr", "http://localhost:8080", "recorder base URL")
	parse(fs, args)

	rc := config.RecorderConfig{RootPath: "/recorder", StartPath: "/start", StopPath: "/stop"}
	if *cfgPath != "" {
		rc = mustLoadConfig(*cfgPath).Recorder
	}

	msg, err := switchMode(*addr, rc, cmd == "start")
	if err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
	fmt.Println(msg)
}

func switchMode(addr string, rc config.RecorderConfig, start bool) (string, error) {
	suffix := rc.StopPath
	if start {
		suffix = rc.StartPath
	}
	url := strings.TrimSuffix(addr, "/") + strings.TrimSuffix(rc.RootPath, "/") + suffix

	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Post(url, "application/json", nil)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("unexpected response (%s): %w", res.Status, err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %s", res.Status, body.Message)
	}
	return body.Message, nil
}

func writeRecords(w io.Writer, recs []*record.Record) error {
	if recs == nil {
		recs = []*record.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}

// readRecords decodes a JSON array of records. Ids are dropped; the store
// assigns new ones.
func readRecords(r io.Reader) ([]*record.Record, error) {
	var recs []*record.Record
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		rec.ID = record.EmptyID
		if rec.Timestamp == 0 {
			rec.Timestamp = record.Now()
		}
		out = append(out, rec)
	}
	return out, nil
}
