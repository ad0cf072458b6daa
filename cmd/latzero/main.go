package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Latency-Zero/server/pkg/config"
	"github.com/Latency-Zero/server/pkg/log"
	"github.com/Latency-Zero/server/pkg/protocol"
	"github.com/Latency-Zero/server/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgViper = config.New()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "latzero",
	Short: "LatZero - local process orchestration fabric",
	Long: `LatZero is a local-host orchestration fabric that routes triggers
between applications, manages shared memory blocks and keeps a durable
registry of apps and pools, all over a single framed TCP port.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"LatZero version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("host", "", "listen host")
	rootCmd.PersistentFlags().Int("port", 0, "listen port")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	cfgViper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	cfgViper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	cfgViper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	cfgViper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the LatZero server",
	Long: `Start the fabric on the configured port (default 45227, loopback only).

Configuration resolves from flags, LATZERO_* environment variables and an
optional config.yaml in the data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		memoryMode, _ := cmd.Flags().GetBool("memory")
		if memoryMode {
			cfgViper.Set("memory_mode", true)
		}

		cfg, err := config.Load(cfgViper)
		if err != nil {
			return err
		}

		var output io.Writer = os.Stdout
		logsDir := filepath.Join(cfg.DataDir, "logs")
		if err := os.MkdirAll(logsDir, 0700); err == nil {
			f, ferr := os.OpenFile(filepath.Join(logsDir, "latzero.log"),
				os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
			if ferr == nil {
				defer f.Close()
				output = io.MultiWriter(os.Stdout, f)
			}
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON, Output: output})

		if cfg.ClusterMode {
			log.Warn("--cluster is reserved; running single-node")
		}
		if cfg.EnableTLS {
			log.Warn("--tls is reserved; listening in plaintext")
		}

		srv, err := server.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize server: %v", err)
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %v", err)
		}

		fmt.Printf("LatZero listening on %s\n", srv.Addr())
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		srv.Shutdown()
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running server",
	Long:  `Connect to a running server and print its admin stats.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgViper)
		if err != nil {
			return err
		}

		conn, err := net.DialTimeout("tcp", cfg.Addr(), 3*time.Second)
		if err != nil {
			return fmt.Errorf("server not reachable at %s: %v", cfg.Addr(), err)
		}
		defer conn.Close()

		req := &protocol.Message{
			Type:      protocol.TypeAdmin,
			ID:        uuid.New().String(),
			Operation: protocol.AdminStats,
		}
		payload, err := protocol.Encode(req)
		if err != nil {
			return err
		}
		if err := protocol.WriteFrame(conn, payload); err != nil {
			return err
		}

		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		respPayload, err := protocol.ReadFrame(conn)
		if err != nil {
			return err
		}
		resp, err := protocol.Decode(respPayload)
		if err != nil {
			return err
		}
		if resp.Type == protocol.TypeError {
			return fmt.Errorf("%s: %s", resp.ErrCode, resp.ErrMsg)
		}

		var pretty map[string]interface{}
		if err := json.Unmarshal(resp.Result, &pretty); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running server",
	Long:  `Remote shutdown is not implemented; send SIGTERM to the server process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("remote shutdown is not implemented; send SIGTERM to the server process")
	},
}

func init() {
	startCmd.Flags().Bool("memory", false, "run with an in-memory store (no durability)")
	startCmd.Flags().Bool("cluster", false, "reserved: multi-node mode (not implemented)")
	startCmd.Flags().Bool("tls", false, "reserved: TLS on the listen socket (not implemented)")

	cfgViper.BindPFlag("cluster_mode", startCmd.Flags().Lookup("cluster"))
	cfgViper.BindPFlag("enable_tls", startCmd.Flags().Lookup("tls"))
}
