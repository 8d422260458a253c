// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/yukihamada/solusync-x/internal/config"
	"github.com/yukihamada/solusync-x/internal/daemon"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	dataDir  = flag.String("data", "data", "Directory for the telemetry database")
)

// daemonVersion is set at build time via -ldflags "-X main.daemonVersion=x.y.z"
var daemonVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("solusyncd v%s\n", daemonVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: config file path required")
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}

	runNode(args[0])
}

func runNode(cfgPathArg string) {
	cfgPath, err := filepath.Abs(cfgPathArg)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}

	printBanner(cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	if watcher, err := config.Watch(cfgPath, cfg); err != nil {
		log.Printf("config watch unavailable, continuing without live reload: %v", err)
	} else {
		defer watcher.Close()
		go watchConfigChanges(ctx, watcher)
	}

	if err := daemon.Run(ctx, daemon.Options{
		Cfg:     cfg,
		DataDir: *dataDir,
	}); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

// watchConfigChanges logs every on-disk config edit detected while the
// daemon is running. Role, transport, and cluster wiring are all
// established once at Run's staged construction (internal/daemon/run.go),
// so a change is surfaced rather than hot-applied — the operator restarts
// the process to pick it up.
func watchConfigChanges(ctx context.Context, watcher *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-watcher.Updates():
			if !ok {
				return
			}
			log.Printf("config changed on disk (role=%s); restart solusyncd to apply it", cfg.Node.Role)
		}
	}
}

func showUsage() {
	fmt.Println("solusyncd - SOLUSync-X clock-synchronized playback daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  solusyncd <config.json>")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -data <dir>   Directory for the telemetry database (default \"data\")")
	fmt.Println("  -h            Show this help message")
	fmt.Println("  -version      Show version information")
	fmt.Println()
	fmt.Println("If config.json does not exist, a default one is written in its place")
	fmt.Println("before the node role in it is honored (master, replica, or client).")
}

func printBanner(cfgPath string, cfg config.Config) {
	fmt.Println("================================================")
	fmt.Println(" SOLUSync-X node")
	fmt.Println("================================================")
	fmt.Printf("Config:   %s\n", cfgPath)
	fmt.Printf("Role:     %s\n", cfg.Node.Role)
	switch cfg.Node.Role {
	case config.RoleMaster, config.RoleReplica:
		fmt.Printf("Listen:   %s\n", cfg.Node.ListenAddr)
		fmt.Printf("P2P port: %d\n", cfg.Node.P2PListenPort)
	case config.RoleClient:
		fmt.Printf("Master:   %s\n", cfg.Node.MasterAddr)
	}
	fmt.Println("------------------------------------------------")
}
