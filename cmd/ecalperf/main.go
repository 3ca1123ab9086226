// Command ecalperf measures round-trip publisher/subscriber throughput
// over a single selectable transport layer, the way the upstream
// pubsub_throughput benchmark measures SHM vs UDP vs TCP.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/ecal-go/ecal"
	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/pubsub"
)

func main() {
	var (
		layer     = flag.String("layer", "shm", "transport layer to measure: shm, udp, or tcp")
		size      = flag.Int("size", 8*1024, "payload size in bytes")
		loops     = flag.Int("loops", 10000, "number of sends after warmup")
		preLoops  = flag.Int("preloops", 100, "warmup sends before measuring")
	)
	flag.Parse()

	cfg := cmn.DefaultConfig()
	cfg.Loopback = true
	cfg.Publisher.Shm.Enable = *layer == "shm"
	cfg.Publisher.LayerUdpEnable = *layer == "udp"
	cfg.Publisher.LayerTcpEnable = *layer == "tcp"
	cfg.Subscriber.LayerShmEnable = *layer == "shm"
	cfg.Subscriber.LayerUdpEnable = *layer == "udp"
	cfg.Subscriber.LayerTcpEnable = *layer == "tcp"

	rt, err := ecal.New(cfg, "ecalperf")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ecalperf: init failed: %v\n", err)
		os.Exit(1)
	}
	defer rt.Finalize()

	typ := cmn.DataTypeInformation{Name: "bytes", Encoding: "raw"}
	pub, err := rt.CreatePublisher("ecalperf_throughput", typ)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ecalperf: create publisher: %v\n", err)
		os.Exit(1)
	}
	defer pub.Close()

	sub, err := rt.CreateSubscriber(pub.Topic(), typ)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ecalperf: create subscriber: %v\n", err)
		os.Exit(1)
	}
	defer sub.Close()

	var received int64
	sub.SetReceiveCallback(func(p pubsub.ReceivedPayload) {
		atomic.AddInt64(&received, int64(len(p.Bytes)))
	})

	// let registration settle before sending anything.
	time.Sleep(2 * time.Second)

	payload := make([]byte, *size)
	for i := range payload {
		payload[i] = byte(i)
	}

	ctx := context.Background()
	for i := 0; i < *preLoops; i++ {
		_, _ = pub.Send(ctx, payload, 0)
	}
	time.Sleep(200 * time.Millisecond)
	atomic.StoreInt64(&received, 0)

	start := time.Now()
	var sent int64
	for i := 0; i < *loops; i++ {
		n, err := pub.Send(ctx, payload, 0)
		if err != nil {
			continue
		}
		sent += int64(n)
	}
	elapsed := time.Since(start)
	time.Sleep(200 * time.Millisecond)

	rcv := atomic.LoadInt64(&received)
	fmt.Printf("layer        : %s\n", *layer)
	fmt.Printf("elapsed      : %s\n", elapsed)
	fmt.Printf("sent         : %d bytes\n", sent)
	fmt.Printf("received     : %d bytes\n", rcv)
	if sent > 0 {
		fmt.Printf("lost         : %d bytes (%.2f%%)\n", sent-rcv, float64(sent-rcv)*100/float64(sent))
	}
	fmt.Printf("throughput   : %.2f MB/s\n", float64(rcv)/(1024*1024)/elapsed.Seconds())
}
