package server

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"apexrag/app/agent"
	"apexrag/app/api"
	"apexrag/engine"
	"apexrag/model"
	"apexrag/rag"
	"apexrag/store"

	"github.com/gofiber/fiber/v2"
)

var config = fiber.Config{
	ErrorHandler: api.ErrorHandler,
	BodyLimit:    50 * 1024 * 1024,
}

type Server struct {
	listenAddr string
	logger     *slog.Logger
	cancel     context.CancelFunc
}

func NewServer(addr string) *Server {
	return &Server{
		listenAddr: addr,
		logger:     slog.Default(),
	}
}

func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("server stopped")
}

func (s *Server) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	db, err := store.NewPostgresStore(ctx, primaryConnStr())
	if err != nil {
		log.Fatal("error to connect to Postgres database", err)
		return
	}
	if err := db.Init(ctx); err != nil {
		log.Fatal("error to create tables", err)
		return
	}

	dimension := envInt("EMBEDDING_DIM", model.DefaultDimension)
	vectors, err := store.NewPgVectorStore(ctx, vectorConnStr(), dimension)
	if err != nil {
		log.Fatal("error to connect to vector database", err)
		return
	}
	if err := vectors.Init(ctx); err != nil {
		log.Fatal("error to create vector tables", err)
		return
	}

	embedder, err := model.NewEmbedder(ctx, model.EmbedderConfig{
		Provider:     os.Getenv("EMBEDDING_PROVIDER"),
		Dimension:    dimension,
		OllamaURL:    os.Getenv("OLLAMA_EMBEDDING_URL"),
		OllamaModel:  os.Getenv("OLLAMA_EMBEDDING_MODEL"),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  os.Getenv("GEMINI_EMBEDDING_MODEL"),
	})
	if err != nil {
		log.Fatal("error to create embedder", err)
		return
	}

	eng := engine.New(engine.Config{
		UploadDir:    os.Getenv("UPLOAD_DIR"),
		ChunkSize:    envInt("CHUNK_SIZE", model.DefaultChunkSize),
		ChunkOverlap: envInt("CHUNK_OVERLAP", model.DefaultChunkOverlap),
	}, db, vectors, embedder)

	llm := agent.New(agent.Config{
		URL:   os.Getenv("LLM_URL"),
		Model: os.Getenv("LLM_MODEL"),
	})
	pipeline := rag.NewPipeline(embedder, vectors, llm)
	router := rag.NewRouter(llm, pipeline)

	reconciler := engine.NewReconciler(db, vectors, envDuration("RECONCILE_INTERVAL", time.Minute))
	go reconciler.Run(ctx)

	var (
		app             = fiber.New(config)
		checkHandler    = api.NewCheckHandler
		askHandler      = api.NewAskHandler(router)
		documentHandler = api.NewDocumentHandler(eng)
		check           = app.Group("/check")
		apiv1           = app.Group("/api/v1")
	)

	check.Get("/healthy", checkHandler().HandleHealthy)
	apiv1.Post("/ask", askHandler.HandleAsk)
	apiv1.Post("/documents/upload", documentHandler.HandleUpload)
	apiv1.Get("/documents", documentHandler.HandleList)
	apiv1.Get("/documents/:id", documentHandler.HandleDetail)
	apiv1.Post("/documents/:id/versions", documentHandler.HandleAddVersion)
	apiv1.Patch("/documents/:id", documentHandler.HandleUpdateMetadata)
	apiv1.Delete("/documents/:id", documentHandler.HandleArchive)
	apiv1.Delete("/documents/:id/purge", documentHandler.HandlePurge)
	apiv1.Delete("/documents/:id/versions/:version", documentHandler.HandleDeleteVersion)

	err = app.Listen(s.listenAddr)
	if err != nil {
		s.logger.Error("error to start server", "error", err.Error())
		return
	}
}

func primaryConnStr() string {
	port, _ := strconv.Atoi(os.Getenv("PG_PORT"))
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		os.Getenv("PG_HOST"), port, os.Getenv("PG_USER"), os.Getenv("PG_PASS"), os.Getenv("PG_DB_NAME"))
}

func vectorConnStr() string {
	port, _ := strconv.Atoi(os.Getenv("VECTOR_PG_PORT"))
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		os.Getenv("VECTOR_PG_HOST"), port, os.Getenv("VECTOR_PG_USER"), os.Getenv("VECTOR_PG_PASS"), os.Getenv("VECTOR_PG_DB_NAME"))
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
