package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shachafemanoel/hazard-detection/engine"
	"github.com/shachafemanoel/hazard-detection/hazards"
	"github.com/shachafemanoel/hazard-detection/postprocess"
	"github.com/shachafemanoel/hazard-detection/preprocess"
	"github.com/shachafemanoel/hazard-detection/server"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:8080", "listen address")
		modelPath = flag.String("model", "models/road_damage.onnx", "path to the ONNX model")
		poolSize  = flag.Int("pool", engine.DefaultPoolSize, "inference engine pool size")
		useCUDA   = flag.Bool("cuda", false, "use the CUDA execution provider")
	)
	flag.Parse()

	log := logrus.New()
	if os.Getenv("DEBUG") == "true" {
		log.SetLevel(logrus.DebugLevel)
	}

	registry := hazards.Default()
	backend := "onnx-cpu"
	if *useCUDA {
		backend = "onnx-cuda"
	}

	pool, err := engine.NewPool(func() (engine.Engine, error) {
		return engine.NewONNXEngine(engine.ONNXConfig{
			ModelPath:  *modelPath,
			InputSize:  preprocess.DefaultTargetSize,
			NumClasses: registry.Len(),
			UseCUDA:    *useCUDA,
		}, logrus.NewEntry(log))
	}, *poolSize)
	if err != nil {
		log.WithError(err).Fatal("failed to create engine pool")
	}
	defer pool.Destroy()

	svc := server.New(server.Config{
		Pool:        pool,
		Registry:    registry,
		Post:        postprocess.New(registry),
		BackendType: backend,
		DeviceInfo:  fmt.Sprintf("%s pool=%d", backend, *poolSize),
	}, logrus.NewEntry(log))

	srv := &http.Server{
		Handler:      svc.Handler(),
		Addr:         *addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	log.WithField("addr", *addr).Info("starting detection service")
	if err := srv.ListenAndServe(); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
