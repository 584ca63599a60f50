// Package client provides a Go SDK for the TaskEngine HTTP/WebSocket API.
//
// The client is hand-written against internal/api/handlers' own request
// and response DTOs, plus a WebSocket client for real-time event
// streaming off the engine's eventbus.
//
// # Basic Usage
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Submit a task
//	t, err := c.SubmitTask(ctx, handlers.CreateTaskRequest{
//	    Classification: "email",
//	    Input:          json.RawMessage(`{"to":"user@example.com"}`),
//	})
//
// # WebSocket Events
//
//	err := c.ConnectWebSocket(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.CloseWebSocket()
//
//	for event := range c.Events() {
//	    fmt.Printf("Event: %s\n", event.Kind)
//	}
//
// # Configuration
//
// The client supports functional options for configuration:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30 * time.Second),
//	)
package client
