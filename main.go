package main

import (
	"log"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/RomandemAi/emerlya-mvp-sub000/authorization"
	"github.com/RomandemAi/emerlya-mvp-sub000/brands"
	"github.com/RomandemAi/emerlya-mvp-sub000/chat"
	"github.com/RomandemAi/emerlya-mvp-sub000/knowledge"
	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
	"github.com/RomandemAi/emerlya-mvp-sub000/storage"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	r := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	r.Use(cors.New(corsConfig))

	db, err := brands.OpenDatabaseFromEnv()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	guard, err := authorization.NewGuardFromEnv()
	if err != nil {
		log.Fatalf("init auth guard: %v", err)
	}

	client, err := llm.NewChatClientFromEnv()
	if err != nil {
		log.Fatalf("init chat client: %v", err)
	}

	assets, err := storage.NewSourceStorageFromEnv()
	if err != nil {
		log.Fatalf("init source storage: %v", err)
	}
	if assets == nil {
		log.Printf("source storage disabled: MINIO_* not configured")
	}

	knowledgeModule, err := knowledge.RegisterRoutes(r, db, guard, assets)
	if err != nil {
		log.Fatalf("register knowledge routes: %v", err)
	}

	brandModule, err := brands.RegisterRoutes(r, db, client, guard)
	if err != nil {
		log.Fatalf("register brand routes: %v", err)
	}

	chatService := chat.NewService(db, client, brandModule.Service(),
		knowledgeModule.Retriever(), knowledgeModule.Service().Embedder())
	if _, err := chat.RegisterRoutes(r, db, chatService, guard); err != nil {
		log.Fatalf("register chat routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
