package main

import (
	"net"
	"net/url"

	"github.com/jsirois/bazel-buildfarm/pkg/instance"
	"github.com/jsirois/bazel-buildfarm/pkg/log"
	"github.com/jsirois/bazel-buildfarm/pkg/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// serveGrpc listens on a single configured address and serves the gRPC
// server. Registering the actual REAPI Execution/Operations/Watcher
// services against inst is the transport surface this module leaves out
// (§6); this only proves out the listener, keepalive and reflection
// wiring a real service registration would sit behind.
func serveGrpc(inst *instance.Instance, address string) {
	scheme, err := url.Parse(address)
	if err != nil {
		log.Fatal(err)
	}

	var network, listenAddr string
	switch scheme.Scheme {
	case "unix":
		network, listenAddr = "unix", scheme.Path
	default:
		network = "tcp"
		listenAddr, err = utils.ParseGrpcUrl(address)
		if err != nil {
			log.Fatal(err)
		}
	}

	socket, err := net.Listen(network, listenAddr)
	if err != nil {
		log.Fatal(err)
	}

	if network == "unix" {
		socket.(*net.UnixListener).SetUnlinkOnClose(true)
		log.Info("Listening on", network, scheme.Path)
	} else {
		log.Info("Listening on", network, socket.Addr())
	}

	opts := config.GRPCOptions.ToServerOptions()
	server := grpc.NewServer(opts...)
	reflection.Register(server)

	if err := server.Serve(socket); err != nil {
		log.Fatal(err)
	}
}
