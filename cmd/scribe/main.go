// Command scribe is the clinician-side capture client: it records the visit,
// streams audio to the session gateway, prints live transcripts, and spools
// audio for upload whenever the live channel is unavailable.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mvasko/medscribe/internal/audio"
	"github.com/mvasko/medscribe/internal/clientcfg"
	"github.com/mvasko/medscribe/internal/session"
	"github.com/mvasko/medscribe/internal/stream"
)

func main() {
	configPath := flag.String("config", "scribe.yaml", "path to the client configuration file")
	patientID := flag.String("patient", "", "patient identifier for this session")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	flag.Parse()

	if *listDevices {
		if err := printInputDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "list devices: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := clientcfg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *patientID == "" {
		fmt.Fprintln(os.Stderr, "a -patient id is required to start a session")
		os.Exit(1)
	}

	logger, logClose, err := openLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log output: %v\n", err)
		os.Exit(1)
	}
	defer logClose()

	if err := run(cfg, *patientID, logger); err != nil {
		logger.Printf("scribe: %v", err)
		os.Exit(1)
	}
}

func run(cfg *clientcfg.Config, patientID string, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway := newGatewayAPI(cfg.Gateway.BaseURL, cfg.Gateway.Token)
	pipeline := newCapturePipeline(cfg, patientID, gateway, logger)
	controller := session.NewController(patientID, gateway, pipeline, session.NewCooldown(), logger)
	pipeline.onRateLimit = func(retryAfter time.Duration, message string) {
		controller.HandleRateLimit(context.Background(), retryAfter, message)
	}

	// The uploader drains the spool dir in the background, including files
	// left over from an earlier crashed run.
	uploaderCtx, cancelUploader := context.WithCancel(context.Background())
	defer cancelUploader()
	if cfg.Fallback.Enabled {
		if err := os.MkdirAll(cfg.Fallback.SpoolDir, 0o755); err != nil {
			return fmt.Errorf("create spool dir: %w", err)
		}
		uploader := stream.NewUploader(cfg.Fallback.SpoolDir, cfg.Gateway.BaseURL, cfg.Gateway.Token, nil, logger)
		go func() {
			if err := uploader.Run(uploaderCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("scribe: uploader stopped: %v", err)
			}
		}()
	}

	if err := controller.Start(ctx); err != nil {
		var cd *session.CooldownError
		switch {
		case errors.Is(err, session.ErrConsentMissing):
			return fmt.Errorf("cannot record: no consent on record for patient %s", patientID)
		case errors.As(err, &cd):
			return fmt.Errorf("cannot record yet: %v", cd)
		default:
			return err
		}
	}
	logger.Printf("scribe: recording session %s, 'p'+Enter pauses, Ctrl-C finishes", pipeline.SessionID())

	go readCommands(ctx, controller, logger)

	<-ctx.Done()
	stop()

	finalizeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := controller.Stop(finalizeCtx); err != nil {
		logger.Printf("scribe: stop: %v", err)
	}

	printNoteSummary(pipeline)

	if cfg.Fallback.Enabled {
		waitForSpoolDrain(cfg.Fallback.SpoolDir, 30*time.Second, logger)
	}
	return nil
}

// readCommands toggles pause from the terminal while the session records.
func readCommands(ctx context.Context, controller *session.Controller, logger *log.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
		case "p", "pause", "resume":
			if controller.State() == session.StatePaused {
				if err := controller.Resume(ctx); err != nil {
					logger.Printf("scribe: resume: %v", err)
					continue
				}
				logger.Printf("scribe: recording resumed")
			} else {
				if err := controller.Pause(ctx); err != nil {
					logger.Printf("scribe: pause: %v", err)
					continue
				}
				logger.Printf("scribe: recording paused, 'p'+Enter resumes")
			}
		}
	}
}

func printInputDevices() error {
	devices, err := audio.ListInputDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("[%d] %s (%d ch, %.0f Hz)\n", d.ID, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return nil
}

func printNoteSummary(p *capturePipeline) {
	n := p.Note()
	fmt.Println("--- session note ---")
	if n.ChiefComplaint != "" {
		fmt.Printf("Chief complaint: %s\n", n.ChiefComplaint)
	}
	if n.Subjective != "" {
		fmt.Printf("Subjective: %s\n", n.Subjective)
	}
	if n.Assessment != "" {
		fmt.Printf("Assessment: %s\n", n.Assessment)
	}
	if n.Plan != "" {
		fmt.Printf("Plan: %s\n", n.Plan)
	}
	if len(n.ExtractedSymptoms) > 0 {
		fmt.Printf("Symptoms: %s\n", strings.Join(n.ExtractedSymptoms, ", "))
	}
}

// waitForSpoolDrain gives the background uploader a bounded window to post
// any WAV files flushed at shutdown before the process exits.
func waitForSpoolDrain(dir string, timeout time.Duration, logger *log.Logger) {
	deadline := time.Now().Add(timeout)
	for {
		matches, err := filepath.Glob(filepath.Join(dir, "*.wav"))
		if err != nil || len(matches) == 0 {
			return
		}
		if time.Now().After(deadline) {
			logger.Printf("scribe: %d spooled file(s) left for the next run", len(matches))
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func openLogger(cfg clientcfg.LoggingConfig) (*log.Logger, func(), error) {
	var out io.Writer
	closeFn := func() {}
	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "stderr", "":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}
	return log.New(out, "", log.LstdFlags), closeFn, nil
}
