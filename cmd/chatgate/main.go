package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/chatgate/chatgate/internal/auth"
	"github.com/chatgate/chatgate/internal/captoken"
	"github.com/chatgate/chatgate/internal/chat"
	"github.com/chatgate/chatgate/internal/config"
	"github.com/chatgate/chatgate/internal/llm"
	"github.com/chatgate/chatgate/internal/mcp"
	"github.com/chatgate/chatgate/internal/rag"
	"github.com/chatgate/chatgate/internal/session"
	"github.com/chatgate/chatgate/internal/store"
	"github.com/chatgate/chatgate/internal/tool"
	"github.com/chatgate/chatgate/internal/web"
)

func main() {
	// Load .env file
	config.LoadEnv()

	fmt.Println(`   ██████╗██╗  ██╗ █████╗ ████████╗ ██████╗  █████╗ ████████╗███████╗`)
	fmt.Println(`  ██╔════╝██║  ██║██╔══██╗╚══██╔══╝██╔════╝ ██╔══██╗╚══██╔══╝██╔════╝`)
	fmt.Println(`  ██║     ███████║███████║   ██║   ██║  ███╗███████║   ██║   █████╗  `)
	fmt.Println(`  ██║     ██╔══██║██╔══██║   ██║   ██║   ██║██╔══██║   ██║   ██╔══╝  `)
	fmt.Println(`  ╚██████╗██║  ██║██║  ██║   ██║   ╚██████╔╝██║  ██║   ██║   ███████╗`)
	fmt.Println(`   ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝    ╚═════╝ ╚═╝  ╚═╝   ╚═╝   ╚══════╝`)
	fmt.Println(`           ╔═══ multi-user LLM chat gateway ═══╗`)

	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatalf("❌ Settings: %v", err)
	}

	catalog := config.NewCatalog(settings.OverridesDir, settings.DefaultsDir)
	fmt.Printf("📚 LLM catalog: %d model(s)\n", len(catalog.Models()))

	// Object store: S3-compatible when a bucket is configured, otherwise the
	// in-memory backend for single-process development.
	var objects store.ObjectStore
	if settings.S3Bucket != "" {
		s3Store, err := store.NewS3Store(context.Background(), store.S3Config{
			Endpoint:  settings.S3Endpoint,
			Region:    settings.S3Region,
			Bucket:    settings.S3Bucket,
			AccessKey: settings.S3AccessKey,
			SecretKey: settings.S3SecretKey,
			Timeout:   settings.StoreTimeout,
		})
		if err != nil {
			log.Fatalf("❌ Object store: %v", err)
		}
		objects = s3Store
		fmt.Printf("🪣 Object store: s3 bucket %q\n", settings.S3Bucket)
	} else {
		objects = store.NewLocalStore()
		fmt.Println("🪣 Object store: in-memory (set S3_BUCKET for persistence)")
	}

	// RAG is optional; without an endpoint every RAG path degrades to plain.
	var retriever llm.Retriever
	if settings.RAGEndpoint != "" {
		retriever = rag.NewClient(settings.RAGEndpoint, settings.RAGTimeout)
		fmt.Printf("🔍 RAG: %s\n", settings.RAGEndpoint)
	}

	caller := llm.NewCaller(catalog, retriever, settings.LLMTimeout)

	projectRoot, _ := os.Getwd()
	manager := mcp.NewManager(catalog.ServerTablePath(), projectRoot, settings.ToolTimeout)
	if err := manager.Initialize(context.Background()); err != nil {
		log.Printf("⚠️  MCP discovery finished with errors: %v", err)
	}
	fmt.Printf("🔌 MCP: %d server(s) registered\n", len(manager.AvailableServers()))

	minter := captoken.New(settings.TokenSecret, settings.TokenTTL)
	executor := tool.NewExecutor(manager, objects, minter)

	sessions := session.NewManager(30 * time.Minute)
	defer sessions.Close()

	router := chat.NewRouter(caller, retriever, manager, executor, settings.AgentMaxSteps)
	pipeline := chat.NewPipeline(router, objects, minter, sessions, session.NewDispatcher())

	pipeline.Events().On(session.EventSessionStarted, func(_ string, payload map[string]any) {
		log.Printf("[Session] Started %v for %v", payload["session_id"], payload["user"])
	})
	pipeline.Events().On(session.EventSessionEnded, func(_ string, payload map[string]any) {
		log.Printf("[Session] Ended %v", payload["session_id"])
	})

	identity := &auth.Identity{
		Header:       settings.UserHeader,
		Debug:        settings.Debug,
		DebugUser:    settings.DebugUser,
		AdminGroup:   settings.AdminGroup,
		GroupChecker: auth.StaticGroups(parseGroups(os.Getenv("USER_GROUPS"))),
	}
	limiter := auth.NewLimiter(settings.RateLimitRPM, settings.RateLimitWindow)

	server := web.NewServer(settings, identity, limiter, pipeline, objects, minter, manager, catalog, sessions)
	if err := server.Start(); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}
}

// parseGroups reads the static group directory from the environment:
// "alice@x.com:admin|eng;bob@x.com:eng". Deployments behind a real
// directory replace this with their own GroupChecker.
func parseGroups(raw string) map[string][]string {
	out := make(map[string][]string)
	for _, entry := range strings.Split(raw, ";") {
		user, groups, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || user == "" {
			continue
		}
		for _, g := range strings.Split(groups, "|") {
			if g = strings.TrimSpace(g); g != "" {
				out[user] = append(out[user], g)
			}
		}
	}
	return out
}
