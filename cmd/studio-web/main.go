package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/ad-video-studio/internal/boot"
	"github.com/fpang/ad-video-studio/internal/credits"
	"github.com/fpang/ad-video-studio/internal/draft"
	"github.com/fpang/ad-video-studio/internal/logging"
	"github.com/fpang/ad-video-studio/internal/pipeline"
	"github.com/fpang/ad-video-studio/internal/provider"
)

// CLI flags
var (
	portFlag         int
	localFlag        bool
	localCreditsFlag int
	modelFlag        string
)

var rootCmd = &cobra.Command{
	Use:   "studio-web",
	Short: "Ad video generation studio server",
	Long: `Studio Web runs the ad video generation pipeline behind a REST API:
create a draft from a product image, an avatar, and a campaign brief, then
advance it through scenario, keyframe, clip, and merge generation. Drafts
persist between requests, so a failed scene can be retried and a closed
browser tab loses nothing.

Examples:
  studio-web
  studio-web --port 9090
  studio-web --local --local-credits 100`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")
	rootCmd.Flags().BoolVar(&localFlag, "local", false, "Run without AWS: in-memory drafts, local asset files")
	rootCmd.Flags().IntVar(&localCreditsFlag, "local-credits", 1000, "Starting credit balance per account in --local mode")
	rootCmd.Flags().StringVarP(&modelFlag, "model", "m", provider.DefaultScenarioModel, "Gemini model for scenario generation")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded environment from .env")
	}
	logging.Init()

	ctx := context.Background()

	var (
		draftStore draft.Store
		ledger     credits.Ledger
		uploader   provider.FrameUploader
		publisher  pipeline.AssetPublisher
		assetsDir  string
	)

	if localFlag {
		draftStore = draft.NewMemoryStore()
		ledger = credits.NewMemoryLedgerWithInitial(localCreditsFlag)

		la, err := newLocalAssets(fmt.Sprintf("http://localhost:%d/assets", portFlag))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create local asset directory")
		}
		uploader, publisher, assetsDir = la, la, la.dir
		log.Info().Str("dir", assetsDir).Msg("Running in local mode")
	} else {
		clients := boot.InitAWS()
		boot.LoadGeminiKey(clients.SSM)
		boot.LoadRenderCreds(clients.SSM)

		dynamoStore, dynamoLedger := boot.InitDynamo(clients.Config, "STUDIO_TABLE")
		pub := boot.InitPublisher(clients.Config, "STUDIO_BUCKET")
		draftStore, ledger, uploader, publisher = dynamoStore, dynamoLedger, pub, pub
	}

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		log.Fatal().Msg("GEMINI_API_KEY is required")
	}

	scenario, err := provider.NewScenarioProvider(ctx, apiKey, modelFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scenario provider")
	}

	gcpProject := os.Getenv("GCP_PROJECT_ID")
	gcpRegion := os.Getenv("GCP_REGION")
	if gcpRegion == "" {
		gcpRegion = "us-central1"
	}
	if gcpProject == "" {
		log.Fatal().Msg("GCP_PROJECT_ID is required for keyframe generation")
	}
	imagen := provider.NewImagenProvider(gcpProject, gcpRegion, os.Getenv("GCP_ACCESS_TOKEN"), uploader)

	renderBaseURL := os.Getenv("RENDER_API_BASE_URL")
	if renderBaseURL == "" {
		log.Fatal().Msg("RENDER_API_BASE_URL is required")
	}
	render := provider.NewRenderClient(renderBaseURL, os.Getenv("RENDER_API_KEY"))

	machine := pipeline.New(draftStore, ledger, pipeline.Providers{
		Scenario: scenario,
		Frame:    imagen,
		Clip:     render,
		Merge:    render,
	}, pipeline.DefaultPolicies(), publisher)

	srv := newServer(machine)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/drafts", srv.handleCreateDraft)
	mux.HandleFunc("GET /api/drafts/{id}", srv.handleGetDraft)
	mux.HandleFunc("DELETE /api/drafts/{id}", srv.handleDeleteDraft)
	mux.HandleFunc("POST /api/drafts/{id}/advance", srv.handleAdvance)
	mux.HandleFunc("POST /api/drafts/{id}/scenes/{index}/regenerate", srv.handleRegenerate)
	if assetsDir != "" {
		mux.Handle("GET /assets/", http.StripPrefix("/assets/", http.FileServer(http.Dir(assetsDir))))
	}

	handler := withLogging(withCORS(mux))

	addr := fmt.Sprintf(":%d", portFlag)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}()

	log.Info().Int("port", portFlag).Bool("local", localFlag).Msg("Starting studio server")

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// --- Middleware ---

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("API request")
		}
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only allow localhost origins; the studio UI runs on the developer's machine.
		origin := r.Header.Get("Origin")
		if origin != "" && (strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
