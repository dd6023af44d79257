// Command neuravox is the CLI entrypoint wiring config, state, the three
// transcription backends, and the optional search index into the
// orchestrator, then dispatching a single subcommand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"neuravox/config"
	"neuravox/core"
	"neuravox/pipeline"
	"neuravox/search"
	"neuravox/state"
	"neuravox/transcription"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("NEURAVOX_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		log.Fatalf("create workspace %s: %v", cfg.Workspace, err)
	}

	store, err := state.Open(filepath.Join(cfg.Workspace, "neuravox.db"))
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}
	defer store.Close()

	backends := buildBackends(cfg)
	defer closeBackends(backends)

	index, err := buildSearchIndex(cfg)
	if err != nil {
		log.Fatalf("build search index: %v", err)
	}

	orch := pipeline.NewOrchestrator(cfg, store, backends, index)
	ctx := context.Background()

	switch os.Args[1] {
	case "process":
		if len(os.Args) < 3 {
			log.Fatal("usage: neuravox process <path> [backend_id]")
		}
		backendID := ""
		if len(os.Args) > 3 {
			backendID = os.Args[3]
		}
		result, err := orch.ProcessOne(ctx, os.Args[2], backendID)
		printResult(result)
		if err != nil {
			os.Exit(1)
		}

	case "batch":
		if len(os.Args) < 3 {
			log.Fatal("usage: neuravox batch <path> [path...]")
		}
		results := orch.ProcessBatch(ctx, os.Args[2:], "")
		for _, r := range results {
			printResult(r)
		}

	case "resume":
		results, err := orch.Resume(ctx)
		if err != nil {
			log.Fatalf("resume: %v", err)
		}
		for _, r := range results {
			printResult(r)
		}

	case "status":
		if len(os.Args) < 3 {
			log.Fatal("usage: neuravox status <file_id>")
		}
		rec, err := orch.Status(ctx, os.Args[2])
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		printJSON(rec)

	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: neuravox <process|batch|resume|status> ...")
	fmt.Fprintln(os.Stderr, "  process <path> [backend_id]")
	fmt.Fprintln(os.Stderr, "  batch <path> [path...]")
	fmt.Fprintln(os.Stderr, "  resume")
	fmt.Fprintln(os.Stderr, "  status <file_id>")
}

// buildBackends constructs every backend whose credential (if any) is
// configured; a backend missing its credential is still registered so
// validate() can report a clear missing-credential error rather than an
// unknown-backend one.
func buildBackends(cfg *config.Config) map[string]transcription.Backend {
	timeout := time.Duration(cfg.Transcription.AttemptTimeoutS * float64(time.Second))

	backends := map[string]transcription.Backend{
		"cloud-a": transcription.NewCloudA(cfg.Credentials.CloudAKey, "", timeout),
		"cloud-b": transcription.NewCloudB(os.Getenv("NEURAVOX_CLOUD_B_ENDPOINT"), cfg.Credentials.CloudBKey, "", timeout),
	}

	modelSize := os.Getenv("NEURAVOX_LOCAL_MODEL")
	if modelSize == "" {
		modelSize = "base"
	}
	local, err := transcription.NewLocalNeural(modelSize)
	if err != nil {
		log.Printf("local-neural backend unavailable: %v", err)
	} else {
		backends["local-neural"] = local
	}
	return backends
}

func closeBackends(backends map[string]transcription.Backend) {
	for _, b := range backends {
		if c, ok := b.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

// buildSearchIndex constructs the C11 search index named by
// transcription.search_index.backend, defaulting to the inert NoneIndex.
func buildSearchIndex(cfg *config.Config) (search.Index, error) {
	ctx := context.Background()
	si := cfg.Transcription.SearchIndex

	switch si.Backend {
	case "", "none":
		return search.NoneIndex{}, nil
	case "memory":
		return search.NewMemoryIndex(), nil
	case "milvus":
		oa := cloudAClient(cfg)
		return search.NewMilvusIndex(ctx, si.MilvusAddr, "neuravox_chunks", oa, si.EmbeddingModel)
	case "pgvector":
		oa := cloudAClient(cfg)
		return search.NewPgVectorIndex(ctx, si.PostgresURL, "neuravox_chunks", oa, si.EmbeddingModel)
	default:
		return nil, core.NewValidationError("unknown search_index.backend: " + si.Backend)
	}
}

// cloudAClient builds the OpenAI client the search index backends reuse
// for embeddings, since neither Milvus nor pgvector embeds text itself.
func cloudAClient(cfg *config.Config) *openai.Client {
	return openai.NewClient(cfg.Credentials.CloudAKey)
}

func printResult(r core.PipelineResult) {
	printJSON(r)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
	}
}
