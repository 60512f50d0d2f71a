package main

import (
	"fmt"
	"os"

	"github.com/jsirois/bazel-buildfarm/pkg/instance"
	"github.com/jsirois/bazel-buildfarm/pkg/log"
	"github.com/jsirois/bazel-buildfarm/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var config *Config

var rootCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Remote execution scheduler service",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("buildfarm")
		viper.AutomaticEnv()

		viper.SetConfigName("scheduler.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/buildfarm/")
		viper.AddConfigPath("$HOME/.config/buildfarm")
		viper.AddConfigPath(".")

		viper.ReadInConfig()

		if err := utils.UnmarshalConfig(*viper.GetViper(), &config); err != nil {
			log.Fatal(err)
		}

		config.Log()

		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			panic(err)
		}

		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		blobs := config.CAS.CreateBlobStore()

		inst := instance.New(instance.Options{
			Config: config.Lifecycle.ToLifecycleConfig(),
			Blobs:  blobs,
		})

		// Built so the action-cache binding (gRPC remote / in-process
		// delegate-CAS) is exercised at startup even though no collaborator
		// in this module consults it yet (cache-check is out of scope here).
		_ = config.ActionCache.Create(blobs)

		grpcUris := viper.GetStringSlice("listen_grpc")
		for _, uri := range grpcUris {
			go serveGrpc(inst, uri)
		}

		httpUris := viper.GetStringSlice("listen_http")
		for _, uri := range httpUris {
			go serveHttp(inst, uri)
		}

		select {}
	},
}

func init() {
	rootCmd.Flags().StringSliceP("listen-http", "l", []string{"tcp://:8080"}, "Addresses to listen on for HTTP connections")
	rootCmd.Flags().StringSliceP("listen-grpc", "g", []string{"tcp://:9090"}, "Addresses to listen on for GRPC connections")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("listen_grpc", rootCmd.Flags().Lookup("listen-grpc"))
	viper.BindPFlag("listen_http", rootCmd.Flags().Lookup("listen-http"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
