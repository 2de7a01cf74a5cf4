package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenRill/sdk/go/rill"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/streams", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(rill.Session{
				ID:        "sess-demo",
				Source:    "numbers",
				State:     "pending",
				CreatedAt: time.Now().Unix(),
			})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(rill.Session{
				ID:     "sess-demo",
				Source: "numbers",
				State:  "closed",
				Chunks: 3,
				Offset: "3",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/streams/chunks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for i := 1; i <= 3; i++ {
			fmt.Fprintf(w, `{"payload":{"n":%d},"offset":"%d"}`+"\n", i, i)
		}
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := rill.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.OpenStream(ctx, rill.OpenStreamRequest{Source: "numbers"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("opened session %s (state=%s)\n", session.ID, session.State)

	iterator, err := client.ReadChunks(ctx, session.ID)
	if err != nil {
		panic(err)
	}
	defer iterator.Close()

	for {
		chunk, err := iterator.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			panic(err)
		}
		fmt.Printf("chunk offset=%s payload=%s\n", chunk.Offset, chunk.Payload)
	}

	detail, err := client.GetStream(ctx, session.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("session %s finished with %d chunks at offset %s\n", detail.ID, detail.Chunks, detail.Offset)
}
