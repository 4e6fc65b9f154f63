package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"earshot/internal/bootstrap"
	"earshot/internal/config"
	"earshot/internal/domain"
	"earshot/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/earshot/config.yaml)")
	mode := flag.String("mode", "", "capture mode override: push_to_talk, continuous, voice_activated")
	backendName := flag.String("backend", "", "backend override: streaming or batch_remote")
	flag.Parse()

	path := *configPath
	if path == "" {
		if p := config.DefaultConfigPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *backendName != "" {
		cfg.Backend = *backendName
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel)
	defer logging.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := bootstrap.Build(ctx, cfg, &consoleSink{})
	if err != nil {
		logging.Errorw("startup failed", "err", err)
		fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		os.Exit(1)
	}
	controller := services.Controller

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		controller.SetMode(context.Background(), domain.ModePushToTalk)
		os.Exit(0)
	}()

	controller.SetMode(ctx, domain.CaptureMode(cfg.Mode))

	fmt.Println("earshot ready. Commands: start, stop, mode <m>, commit, edit <text>, discard, busy, free, status, quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")

		switch cmd {
		case "start":
			if err := controller.StartPushToTalk(ctx); err != nil {
				fmt.Printf("start: %v\n", err)
			}
		case "stop":
			text, err := controller.StopPushToTalk(ctx)
			if err != nil {
				fmt.Printf("stop: %v\n", err)
			} else if text == "" {
				fmt.Println("(no speech)")
			}
		case "mode":
			switch domain.CaptureMode(arg) {
			case domain.ModePushToTalk, domain.ModeContinuous, domain.ModeVoiceActivated:
				controller.SetMode(ctx, domain.CaptureMode(arg))
			default:
				fmt.Printf("unknown mode %q\n", arg)
			}
		case "commit":
			if _, ok := controller.CommitPending(); !ok {
				fmt.Println("(nothing pending)")
			}
		case "edit":
			controller.EditPending(arg)
		case "discard":
			controller.DiscardPending()
		case "busy":
			controller.OnUpstreamBusy(true)
		case "free":
			controller.OnUpstreamBusy(false)
		case "status":
			printStatus(controller.Status())
		case "quit", "exit":
			controller.SetMode(ctx, domain.ModePushToTalk)
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}

func printStatus(status domain.Status) {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		fmt.Printf("status: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

// consoleSink prints capture events to stdout so the pipeline can be
// exercised without a host application.
type consoleSink struct{}

func (consoleSink) CaptureStateChanged(state domain.CaptureState, reason domain.StateReason) {
	fmt.Printf("[state] %s (%s)\n", state, reason)
}

func (consoleSink) PartialTranscript(text string) {
	fmt.Printf("[partial] %s\n", text)
}

func (consoleSink) TranscriptCommitted(event domain.CommitEvent) {
	fmt.Printf("[commit] %s\n", event.Text)
}

func (consoleSink) CaptureError(code domain.ErrorCode, detail string) {
	fmt.Printf("[error] %s: %s\n", code, detail)
}

func (consoleSink) PermissionChanged(state domain.PermissionState) {
	fmt.Printf("[permission] %s\n", state)
}

func (consoleSink) ProcessingAudio(active bool) {
	if active {
		fmt.Println("[processing] transcribing...")
	}
}
