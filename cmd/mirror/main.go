// Command mirror runs either a "mirror" service server exposing the
// echo and reverse methods, or a client that alternates between
// calling them, mirroring the upstream mirror_server/mirror_client
// samples.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ecal-go/ecal"
	"github.com/ecal-go/ecal/cmn"
)

func main() {
	role := flag.String("role", "server", "server or client")
	flag.Parse()

	cfg := cmn.DefaultConfig()
	cfg.Loopback = true

	switch *role {
	case "server":
		runServer(cfg)
	case "client":
		runClient(cfg)
	default:
		fmt.Fprintf(os.Stderr, "mirror: unknown role %q, want server or client\n", *role)
		os.Exit(1)
	}
}

func runServer(cfg cmn.Config) {
	rt, err := ecal.New(cfg, "mirror server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirror server: init failed: %v\n", err)
		os.Exit(1)
	}
	defer rt.Finalize()

	srv, err := rt.CreateServer("mirror")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirror server: create server: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	bodyType := cmn.DataTypeInformation{Name: "string", Encoding: "raw"}
	srv.SetMethodCallback(cmn.MethodInformation{Name: "echo", RequestType: bodyType, ResponseType: bodyType},
		func(req []byte) ([]byte, error) {
			out := make([]byte, len(req))
			copy(out, req)
			fmt.Printf("echo    : %q\n", req)
			return out, nil
		})
	srv.SetMethodCallback(cmn.MethodInformation{Name: "reverse", RequestType: bodyType, ResponseType: bodyType},
		func(req []byte) ([]byte, error) {
			out := make([]byte, len(req))
			for i, b := range req {
				out[len(req)-1-i] = b
			}
			fmt.Printf("reverse : %q -> %q\n", req, out)
			return out, nil
		})

	fmt.Println("mirror server running, methods: echo, reverse")
	select {}
}

func runClient(cfg cmn.Config) {
	rt, err := ecal.New(cfg, "mirror client")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirror client: init failed: %v\n", err)
		os.Exit(1)
	}
	defer rt.Finalize()

	client := rt.NewServiceClient("mirror")

	methods := []string{"echo", "reverse"}
	for i := 0; ; i++ {
		method := methods[i%len(methods)]
		request := []byte("stressed")

		responses := client.CallWithResponse(method, request, 5000)
		if len(responses) == 0 {
			fmt.Println("waiting for a service ...")
			time.Sleep(time.Second)
			continue
		}
		for _, resp := range responses {
			fmt.Printf("method: %-8s state: %-9s response: %q\n", method, resp.State, resp.Bytes)
		}
		time.Sleep(time.Second)
	}
}
