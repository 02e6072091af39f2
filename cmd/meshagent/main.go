// Command meshagent runs a mesh process: it serves /health and the /mesh
// admin API, announces itself to the registry and deregisters on SIGINT
// or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kbukum/meshkit/component"
	"github.com/kbukum/meshkit/config"
	"github.com/kbukum/meshkit/logger"
	"github.com/kbukum/meshkit/mesh"
	"github.com/kbukum/meshkit/observability"
	"github.com/kbukum/meshkit/server"
	"github.com/kbukum/meshkit/version"
)

const serviceName = "meshagent"

func main() {
	configFile := flag.String("config", "", "path to config.yml")
	envFile := flag.String("env", "", "path to .env")
	flag.Parse()

	if err := run(*configFile, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "meshagent: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, envFile string) error {
	var opts []config.LoaderOption
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}
	if envFile != "" {
		opts = append(opts, config.WithEnvFile(envFile))
	}

	cfg := mesh.Config{}
	cfg.Name = serviceName
	if err := config.Load(serviceName, &cfg, opts...); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger.Init(&cfg.Logging)
	log := logger.GetGlobalLogger()

	rt, err := mesh.New(cfg, log)
	if err != nil {
		return err
	}

	components := component.NewRegistry(log)
	srv := server.New(cfg.Server, log)
	srv.ApplyMiddleware()
	srv.RegisterHealth(cfg.Name, components.HealthAll)
	if cfg.Server.AdminAPI {
		srv.RegisterMeshAPI(rt.Gateway(), rt.Clients().Stats)
	}

	// Stopped in reverse: deregister first, then close the port.
	list := []component.Component{
		observability.NewComponent(cfg.Observability, cfg.Name, cfg.Version, cfg.Environment, log),
	}
	if cfg.Server.Enabled {
		list = append(list, server.NewComponent(srv))
	}
	list = append(list, rt)
	for _, c := range list {
		if err := components.Register(c); err != nil {
			return err
		}
	}

	return serve(context.Background(), components, rt, func() {
		log.Info("meshagent ready", logger.Fields(
			logger.FieldAddress, srv.Addr(),
			logger.FieldServiceID, rt.SelfID(),
			"build", version.Get().String(),
		))
	})
}

// serve starts the components and blocks until shutdown has deregistered
// this process, then stops them. The signal watcher is armed before
// startup so a SIGTERM during StartAll still deregisters.
func serve(ctx context.Context, components *component.Registry, rt *mesh.Runtime, ready func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := rt.Registration().ShutdownOnSignal(ctx)

	if err := components.StartAll(ctx); err != nil {
		cancel()
		<-done
		return err
	}
	ready()
	<-done

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return components.StopAll(stopCtx)
}
