// mcp serves escrow administration and automation controls as MCP tools
// over stdio, acting as one operator against a running API.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/smartescrow/internal/apiclient"
	"github.com/mbd888/smartescrow/internal/logging"
	"github.com/mbd888/smartescrow/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()
	// stdout carries the protocol, so logs go to stderr.
	logger := logging.NewWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "json")

	cfg := apiclient.Config{
		APIURL:      os.Getenv("ESCROW_API_URL"),
		ActorID:     os.Getenv("ESCROW_OPERATOR_ID"),
		ActorRole:   os.Getenv("ESCROW_OPERATOR_ROLE"),
		AdminSecret: os.Getenv("ADMIN_SECRET"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if cfg.ActorID == "" {
		logger.Error("ESCROW_OPERATOR_ID is required")
		os.Exit(1)
	}

	logger.Info("serving MCP tools", "api", cfg.APIURL, "operator", cfg.ActorID)
	errLog := slog.NewLogLogger(logger.Handler(), slog.LevelError)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg), server.WithErrorLogger(errLog)); err != nil {
		logger.Error("MCP server stopped", "error", err)
		os.Exit(1)
	}
}
