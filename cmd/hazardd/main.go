package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shachafemanoel/hazard-detection/capture"
	"github.com/shachafemanoel/hazard-detection/dispatch"
	"github.com/shachafemanoel/hazard-detection/engine"
	"github.com/shachafemanoel/hazard-detection/fallback"
	"github.com/shachafemanoel/hazard-detection/hazards"
	"github.com/shachafemanoel/hazard-detection/postprocess"
	"github.com/shachafemanoel/hazard-detection/preprocess"
	"github.com/shachafemanoel/hazard-detection/session"
)

func main() {
	var (
		frameDir  = flag.String("frames", "", "directory of frames to analyze")
		modelPath = flag.String("model", "", "path to the ONNX model for on-device inference")
		remoteURL = flag.String("remote", "", "base URL of the remote detection service")
		interval  = flag.Duration("interval", 100*time.Millisecond, "capture interval")
		threshold = flag.Float64("confidence", hazards.DefaultThreshold, "session confidence threshold")
	)
	flag.Parse()

	log := logrus.New()
	if os.Getenv("DEBUG") == "true" {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	if *frameDir == "" {
		log.Fatal("-frames is required")
	}
	if *modelPath == "" && *remoteURL == "" {
		log.Fatal("at least one of -model or -remote is required")
	}

	registry := hazards.Default()
	post := postprocess.New(registry)

	var client *session.Client
	if *remoteURL != "" {
		var err error
		client, err = session.NewClient(session.Config{
			BaseURL:             *remoteURL,
			ConfidenceThreshold: float32(*threshold),
			Source:              "hazardd",
			Registry:            registry,
		}, entry)
		if err != nil {
			log.WithError(err).Fatal("invalid remote config")
		}
	}

	engines := make(map[fallback.Tier]engine.Engine)
	defer func() {
		for _, eng := range engines {
			eng.Close()
		}
	}()

	chain, probes := buildChain(*modelPath, registry, client, engines, entry)
	controller := fallback.NewController(chain, probes, entry)
	controller.OnTransition(func(ev fallback.Event) {
		if ev.Degraded {
			log.Error("detection unavailable: all inference tiers exhausted")
			return
		}
		log.WithFields(logrus.Fields{"from": ev.From.String(), "to": ev.To.String()}).
			Warn("inference tier changed")
	})
	if err := controller.Start(); err != nil {
		log.WithError(err).Fatal("no inference tier available")
	}

	worker := preprocess.NewWorker(preprocess.DropNewest, entry)
	dispatcher := dispatch.New(dispatch.Config{
		Fallback: controller,
		Engines:  engines,
		Client:   client,
		Post:     post,
		Worker:   worker,
	}, entry)

	source, err := capture.NewDirSource(*frameDir)
	if err != nil {
		log.WithError(err).Fatal("cannot open frame source")
	}
	defer source.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go dispatcher.Run(ctx)
	go func() {
		for result := range dispatcher.Results() {
			if result.Err != nil {
				log.WithError(result.Err).WithField("request_id", result.RequestID).
					Warn("frame failed")
				continue
			}
			for _, det := range result.Detections {
				log.WithFields(logrus.Fields{
					"class":      det.ClassName,
					"confidence": det.Confidence,
					"center_x":   det.CenterX,
					"center_y":   det.CenterY,
					"tier":       result.Tier.String(),
				}).Info("hazard detected")
			}
		}
	}()

	pump := capture.NewPump(source, *interval, dispatcher.HandleFrame, entry)
	if err := pump.Run(ctx); err != nil && !errors.Is(err, capture.ErrExhausted) && ctx.Err() == nil {
		log.WithError(err).Error("capture loop stopped")
	}

	// Give the in-flight frame a moment, then end the remote session.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	cancel()
	if summary, err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("session shutdown failed")
	} else if summary != nil {
		log.WithFields(logrus.Fields{
			"session_id":       summary.SessionID,
			"total_detections": summary.TotalDetections,
		}).Info("session summary")
	}
	log.WithFields(logrus.Fields{
		"processed": dispatcher.Processed(),
		"dropped":   dispatcher.Dropped(),
	}).Info("pipeline stopped")
}

// buildChain assembles the tier chain in capability order. On-device tiers
// are only added when a model path is configured; the remote tier only when
// a service URL is.
func buildChain(
	modelPath string,
	registry *hazards.Registry,
	client *session.Client,
	engines map[fallback.Tier]engine.Engine,
	log *logrus.Entry,
) ([]fallback.Tier, map[fallback.Tier]fallback.Probe) {
	var chain []fallback.Tier
	probes := make(map[fallback.Tier]fallback.Probe)

	if modelPath != "" {
		chain = append(chain, fallback.TierGPU)
		probes[fallback.TierGPU] = func() error {
			eng, err := engine.NewONNXEngine(engine.ONNXConfig{
				ModelPath:  modelPath,
				NumClasses: registry.Len(),
				UseCUDA:    true,
			}, log)
			if err != nil {
				return err
			}
			engines[fallback.TierGPU] = eng
			return nil
		}

		chain = append(chain, fallback.TierCPU)
		probes[fallback.TierCPU] = func() error {
			if !fallback.HasAcceleratedCPU() {
				return &fallback.UnsupportedEnvironmentError{
					Tier:   fallback.TierCPU,
					Reason: "no SIMD extensions for real-time inference",
				}
			}
			eng, err := engine.NewONNXEngine(engine.ONNXConfig{
				ModelPath:  modelPath,
				NumClasses: registry.Len(),
			}, log)
			if err != nil {
				return err
			}
			engines[fallback.TierCPU] = eng
			return nil
		}
	}

	if client != nil {
		chain = append(chain, fallback.TierRemote)
		probes[fallback.TierRemote] = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			health, err := client.Health(ctx)
			if err != nil {
				return err
			}
			if health.Status != "ok" {
				return &fallback.UnsupportedEnvironmentError{
					Tier:   fallback.TierRemote,
					Reason: "service unhealthy: " + health.Status,
				}
			}
			return nil
		}
	}

	return chain, probes
}
