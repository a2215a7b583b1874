package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/cloudsim/internal/cluster"
	"github.com/dreamware/cloudsim/internal/coordinator"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		logFatal("config: %v", err)
	}
	interval, err := time.ParseDuration(getenv("CLOUDSIM_STATUS_INTERVAL", "30s"))
	if err != nil {
		logFatal("CLOUDSIM_STATUS_INTERVAL: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := coordinator.Start(ctx, cfg)
	if err != nil {
		logFatal("start cluster: %v", err)
	}

	// Files named on the command line are uploaded at startup
	for _, path := range os.Args[1:] {
		f, err := c.Upload(ctx, path)
		if err != nil {
			log.Printf("upload %s: %s: %v", path, coordinator.Category(err), err)
			continue
		}
		log.Printf("uploaded %s as %s (%d chunks)", path, f.ID, len(f.Chunks))
	}
	logStatus(c)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	for running := true; running; {
		select {
		case <-ticker.C:
			logStatus(c)
		case <-stop:
			running = false
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("cloudsim stopped")
}

// loadConfig builds the cluster config from defaults, the YAML file named by
// CLOUDSIM_CONFIG if any, and CLOUDSIM_* overrides, in that order
func loadConfig(getenv func(string) string) (cluster.Config, error) {
	cfg := cluster.DefaultConfig()
	if path := getenv("CLOUDSIM_CONFIG"); path != "" {
		var err error
		if cfg, err = cluster.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func logStatus(c *coordinator.Cluster) {
	st := c.Status()
	log.Printf("cluster: %d/%d nodes online, %d files, %d transfers (%d active), %d messages sent",
		st.Network.OnlineNodes, st.Network.TotalNodes, st.Files,
		st.Transfers.Total, st.Transfers.Active, st.Network.Stats.Sent)
	for _, n := range st.Nodes {
		log.Print(formatNode(n))
	}
}

// formatNode renders one status line: id, address, status and disk usage
func formatNode(n cluster.NodeInfo) string {
	pct := 0.0
	if n.TotalBlocks > 0 {
		pct = float64(n.UsedBlocks) / float64(n.TotalBlocks) * 100
	}
	return fmt.Sprintf("%-8s %-15s %-8s %d/%d blocks (%.1f%%) %d streams",
		n.ID, n.Addr(), n.Status, n.UsedBlocks, n.TotalBlocks, pct, n.Streams)
}

// getenv retrieves an environment variable with a default fallback value.
//
// Example:
//
//	interval := getenv("CLOUDSIM_STATUS_INTERVAL", "30s")
//	// Returns $CLOUDSIM_STATUS_INTERVAL if set, otherwise "30s"
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
