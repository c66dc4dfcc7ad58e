package chttp_test

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/ethanyzhang/chttp"
	"github.com/ethanyzhang/chttp/chttptest"
)

func ExampleSession_Query() {
	server := chttptest.NewMockServer()
	defer server.Close()
	server.AddQuery(&chttptest.QueryTemplate{
		SQL:     "SELECT 100",
		Body:    "100\n",
		Summary: map[string]string{"read_bytes": "10", "read_rows": "1"},
	})

	client, err := chttp.Open(server.URL() + "default?max_open_connections=2")
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	resp, err := client.Query(context.Background(), "SELECT 100")
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s", body)
	fmt.Println("read rows:", resp.Summary.ReadRows, "read bytes:", resp.Summary.ReadBytes)
	// Output:
	// 100
	// read rows: 1 read bytes: 10
}

func ExampleParseFactoryOptions() {
	options, err := chttp.ParseFactoryOptions(`a=1, b = 2, c='3\,5'`)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(options["a"], options["b"], options["c"])
	// Output: 1 2 '3,5'
}

func ExampleRegisterSocketFactory() {
	ctor, ok := chttp.LookupSocketFactory(chttp.RateLimitedSocketFactory)
	fmt.Println(ok)

	factory, err := ctor(map[string]string{"rate": "5", "burst": "2"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(factory.Supports(chttp.CapabilityConn))
	// Output:
	// true
	// true
}
