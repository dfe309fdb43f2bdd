package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ergochat/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	omnisync "github.com/nvidia-omniverse/omnisync"
	"github.com/nvidia-omniverse/omnisync/sim"
	"github.com/nvidia-omniverse/omnisync/utils"
)

var (
	flagConfig  string
	flagServer  string
	flagJournal string
	flagMetrics string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "omnisync",
		Short: "Omniverse configurator state sync client",
		RunE:  runREPL,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to TOML config")
	root.PersistentFlags().StringVarP(&flagServer, "server", "s", "", "server address (overrides config)")
	root.PersistentFlags().StringVar(&flagJournal, "journal", "", "journal directory (overrides config)")
	root.PersistentFlags().StringVar(&flagMetrics, "metrics", "", "prometheus listen address")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run a simulated configurator server",
		RunE:  runServe,
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *utils.DefaultLogger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return utils.NewDefaultLogger(level)
}

func loadConfig() (omnisync.Config, error) {
	cfg, err := omnisync.LoadConfig(flagConfig)
	if err != nil {
		return cfg, err
	}
	if flagServer != "" {
		cfg.ServerAddr = flagServer
	}
	if flagJournal != "" {
		cfg.JournalDir = flagJournal
	}
	if flagMetrics != "" {
		cfg.MetricsAddr = flagMetrics
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()
	srv := sim.NewServer(log, sim.ServerOptions{
		AckDelay:  250 * time.Millisecond,
		FrameRate: 10,
		Prims: []sim.Prim{
			{Path: "/purse", Size: [3]float64{0.35, 0.25, 0.12}, World: [3]float64{0, 85, 0}},
			{Path: "/purse/flap", Size: [3]float64{0.33, 0.12, 0.01}, World: [3]float64{0, 95, 5}},
			{Path: "/purse/strap", Size: [3]float64{0.02, 0.6, 0.02}, World: [3]float64{0, 110, 0}},
		},
	})
	if err := srv.Listen("tcp://" + cfg.ServerAddr); err != nil {
		return err
	}
	defer srv.Close()
	log.Info("sim: serving", "addr", cfg.ServerAddr)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	return nil
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("set",
		readline.PcItem("color"),
		readline.PcItem("style"),
		readline.PcItem("environment"),
		readline.PcItem("camera"),
		readline.PcItem("viewingMode"),
		readline.PcItem("lightIntensity"),
		readline.PcItem("lightRotation"),
	),
	readline.PcItem("show"),
	readline.PcItem("resync"),
	readline.PcItem("track"),
	readline.PcItem("untrack"),
	readline.PcItem("prims"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func runREPL(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()

	var reg prometheus.Registerer
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		reg = registry
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics: listen failed", "err", err)
			}
		}()
	}

	session, err := omnisync.NewSession(log, cfg, omnisync.NewPurseAsset(), omnisync.SessionOptions{
		Registerer: reg,
	})
	if err != nil {
		return err
	}
	defer session.Close()
	session.Start()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "◌ ",
		HistoryFile:       ".omnisync_cmd_log.txt",
		AutoComplete:      completer,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt && len(line) != 0 {
			continue
		}
		if err == io.EOF || err == readline.ErrInterrupt {
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return nil
		case "help":
			fmt.Println("set <key> <value> | show | resync | track <path> | untrack <path> | prims | exit")
		case "set":
			doSet(session, fields[1:])
		case "show":
			doShow(session)
		case "resync":
			session.States().Resync()
		case "track":
			if len(fields) == 2 {
				session.Prims().Track(fields[1])
				session.Prims().Update(nil)
			}
		case "untrack":
			if len(fields) == 2 {
				session.Prims().Untrack(fields[1])
			}
		case "prims":
			session.Prims().Update(nil)
			for _, path := range session.Prims().Tracked() {
				c, _ := session.Prims().Component(path)
				fmt.Printf("%-30s %s\n", path, c.Stage())
			}
		default:
			fmt.Printf("unknown command %q, try help\n", fields[0])
		}
	}
}

func doSet(session *omnisync.Session, args []string) {
	if len(args) != 2 {
		fmt.Println("usage: set <key> <value>")
		return
	}
	v, ok := omnisync.ValueForKey(args[0], args[1])
	if !ok {
		fmt.Printf("no such value %q for key %q\n", args[1], args[0])
		return
	}
	if err := session.SetDesired(args[0], v); err != nil {
		fmt.Println(err)
	}
}

func doShow(session *omnisync.Session) {
	connected := "offline"
	if session.Connected() {
		connected = "connected"
	}
	if session.TimedOut() {
		connected += " (timed out)"
	}
	fmt.Println(connected)
	for _, spec := range session.Asset().Specs {
		des, _ := session.States().Desired(spec.Key)
		cur, _ := session.States().Current(spec.Key)
		curStr := "-"
		if cur != nil {
			curStr = cur.Variant()
		}
		marker := ""
		if session.States().Waiting(spec.Key) {
			marker = " (awaiting completion)"
		}
		fmt.Printf("%-16s desired=%-12s current=%-12s%s\n", spec.Key, des.Variant(), curStr, marker)
	}
	pending, channels := session.Dispatcher().Depth()
	fmt.Printf("queue=%d channels=%d\n", pending, channels)
}
