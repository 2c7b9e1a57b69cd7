// backplane-cli is a small operator tool for poking a running backplane:
// listing lobbies, allocating codes and relay sessions, and checking health.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load(".env")

	base := flag.String("base", envOr("BACKPLANE_URL", "http://localhost:8080"), "backplane base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		return nil
	}

	client := &apiClient{base: *base, http: &http.Client{Timeout: 10 * time.Second}}

	switch args[0] {
	case "health":
		return client.get("/health")
	case "lobbies":
		return client.get("/api/lobbies")
	case "lobby":
		if len(args) < 2 {
			return fmt.Errorf("usage: lobby <code>")
		}
		return client.get("/api/lobbies/code/" + args[1])
	case "code":
		if len(args) < 2 {
			return fmt.Errorf("usage: code <lobby-id>")
		}
		return client.post("/api/lobbies/code", map[string]string{"LobbyId": args[1]})
	case "allocate":
		if len(args) < 2 {
			return fmt.Errorf("usage: allocate <lobby-id>")
		}
		return client.post("/api/relay/allocate", map[string]string{"LobbyId": args[1]})
	case "relay-stats":
		return client.get("/api/relay/stats")
	case "punch-info":
		return client.get("/api/punch/info")
	default:
		printUsage()
		return nil
	}
}

type apiClient struct {
	base string
	http *http.Client
}

func (c *apiClient) get(path string) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func (c *apiClient) post(path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = pretty.Bytes()
	}
	fmt.Println(string(body))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println(`backplane-cli [-base URL] <command>

Commands:
  health              show backplane health
  lobbies             list advertised lobbies
  lobby <code>        look a lobby up by join code
  code <lobby-id>     allocate a join code for a lobby
  allocate <lobby-id> allocate a relay session
  relay-stats         show relay counters
  punch-info          show punch server info`)
}
