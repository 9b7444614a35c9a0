// Creditscore MCP Server - Exposes credit profiles as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/creditscore/internal/client"
	"github.com/mbd888/creditscore/internal/mcpserver"
)

func main() {
	cfg := client.Config{
		APIURL: envOrDefault("CREDITSCORE_API_URL", "http://localhost:8080"),
		// Optional: reads are public, integration needs the owner's key
		APIKey: os.Getenv("CREDITSCORE_API_KEY"),
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
