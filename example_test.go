package fliptengine_test

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/OrlandoBitencourt/fliptengine"
)

func Example() {
	ctx := context.Background()

	engine, err := fliptengine.New(ctx, "default",
		fliptengine.WithURL("http://localhost:8080"),
		fliptengine.WithClientToken("my-token"),
		fliptengine.WithUpdateInterval(30*time.Second),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	resp, err := engine.EvaluateVariant(ctx, fliptengine.NewRequest("checkout_theme", "user-123").
		WithContext("plan", "pro"))
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(resp.Match, resp.VariantKey, resp.GetString("color", "blue"))
}

func ExampleEngine_EvaluateBatch() {
	ctx := context.Background()

	engine, err := fliptengine.New(ctx, "default", fliptengine.WithURL("http://localhost:8080"))
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	batch, err := engine.EvaluateBatch(ctx, []fliptengine.EvaluationRequest{
		fliptengine.NewRequest("new_dashboard", "user-123"),
		fliptengine.NewRequest("checkout_theme", "user-123"),
	})
	if err != nil {
		log.Fatal(err)
	}

	for _, r := range batch.Responses {
		switch r.Type {
		case fliptengine.ResponseTypeBoolean:
			fmt.Println(r.Boolean.FlagKey, r.Boolean.Enabled)
		case fliptengine.ResponseTypeVariant:
			fmt.Println(r.Variant.FlagKey, r.Variant.VariantKey)
		case fliptengine.ResponseTypeError:
			fmt.Println(r.Error.FlagKey, r.Error.Reason)
		}
	}
}

func ExampleEngine_Middleware() {
	engine, err := fliptengine.New(context.Background(), "default",
		fliptengine.WithURL("wss://flipt.example.com"),
		fliptengine.WithFetchMode(fliptengine.FetchModeStreaming),
		fliptengine.WithSnapshotDir("/var/lib/myapp/flags"),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if fliptengine.BooleanFromContext(r.Context(), "new_dashboard") {
			fmt.Fprintln(w, "new dashboard")
			return
		}
		fmt.Fprintln(w, "classic dashboard")
	})

	log.Fatal(http.ListenAndServe(":3000", engine.Middleware(mux)))
}

func ExampleCreate() {
	h, err := fliptengine.Create("default", []byte(`{
		"url": "http://localhost:8080",
		"update_interval": 60,
		"authentication": {"client_token": "my-token"}
	}`))
	if err != nil {
		log.Fatal(err)
	}
	defer fliptengine.Destroy(h)

	out := fliptengine.EvaluateBooleanJSON(h, []byte(`{"flag_key":"new_dashboard","entity_id":"user-123","context":{}}`))
	fmt.Println(string(out))
}
