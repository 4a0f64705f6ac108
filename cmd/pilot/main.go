package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/stellarlink/pilot-swe/internal/completion"
	"github.com/stellarlink/pilot-swe/internal/config"
	"github.com/stellarlink/pilot-swe/internal/dispatcher"
	gh "github.com/stellarlink/pilot-swe/internal/github"
	"github.com/stellarlink/pilot-swe/internal/runstore"
	"github.com/stellarlink/pilot-swe/internal/webhook"
)

var (
	loadDotEnv         = godotenv.Load
	loadConfig         = config.Load
	openRunStore       = runstore.Open
	defaultListenServe = http.ListenAndServe
)

func main() {
	if err := run(context.Background(), defaultListenServe); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(ctx context.Context, serve func(string, http.Handler) error) error {
	// Load .env file (ignore error if file doesn't exist)
	_ = loadDotEnv()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Printf("Starting pilot-swe server...")
	log.Printf("Port: %d", cfg.Port)
	log.Printf("Trigger keyword: %s", cfg.TriggerKeyword)
	log.Printf("GitHub App ID: %s", cfg.GitHubAppID)
	log.Printf("Generation ceiling: %d, feedback ceiling: %d, dispatch depth: %d",
		cfg.Policy.MaxGenerationIterations, cfg.Policy.FeedbackCeiling, cfg.Policy.MaxDispatchDepth)
	log.Printf("Dispatcher workers: %d, queue size: %d, max attempts: %d",
		cfg.DispatcherWorkers, cfg.DispatcherQueueSize, cfg.DispatcherMaxAttempts)
	if cfg.DryRun {
		log.Printf("DRY RUN: no remote writes will be performed")
	}

	appAuth := &gh.AppAuth{
		AppID:      cfg.GitHubAppID,
		PrivateKey: cfg.GitHubPrivateKey,
	}

	completer, err := completion.NewCLICompleter(cfg.CompletionCommand, cfg.CompletionTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize completion command: %w", err)
	}

	store, err := openRunStore(cfg.RunStorePath)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}

	exec := &pipelineExecutor{
		cfg:       cfg,
		auth:      appAuth,
		completer: completer,
		store:     store,
	}

	jobDispatcher := dispatcher.New(exec, dispatcher.Config{
		Workers:           cfg.DispatcherWorkers,
		QueueSize:         cfg.DispatcherQueueSize,
		MaxAttempts:       cfg.DispatcherMaxAttempts,
		InitialBackoff:    cfg.DispatcherRetryInitial,
		BackoffMultiplier: cfg.DispatcherBackoffMultiplier,
		MaxBackoff:        cfg.DispatcherRetryMax,
	})

	// The handler keeps serving after run hands the router to serve, so the
	// store and dispatcher are released on context cancellation rather than
	// on return.
	go func() {
		<-ctx.Done()
		jobDispatcher.Shutdown(context.Background())
		store.Close()
	}()

	handler := webhook.NewHandler(cfg.GitHubWebhookSecret, cfg.TriggerKeyword, jobDispatcher, &headResolver{auth: appAuth}, appAuth)

	r := mux.NewRouter()

	r.HandleFunc("/webhook", handler.Handle).Methods("POST")

	r.HandleFunc("/runs", func(w http.ResponseWriter, req *http.Request) {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		runs, err := store.Recent(req.Context(), limit)
		if err != nil {
			http.Error(w, "Failed to list runs", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}).Methods("GET")

	r.HandleFunc("/runs/{id:[0-9]+}", func(w http.ResponseWriter, req *http.Request) {
		id, _ := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
		run, err := store.Get(req.Context(), id)
		if err != nil {
			http.Error(w, "Failed to get run", http.StatusInternalServerError)
			return
		}
		if run == nil {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)
	}).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"service":"pilot-swe","status":"running","trigger":"%s"}`, cfg.TriggerKeyword)
	}).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("Server listening on %s", addr)
	log.Printf("Webhook endpoint: http://localhost%s/webhook", addr)
	log.Printf("Health check: http://localhost%s/health", addr)
	log.Printf("Run history: http://localhost%s/runs", addr)

	if err := serve(addr, r); err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}

	return nil
}
