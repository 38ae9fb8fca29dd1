package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	courier "github.com/openhire/courier"
	"github.com/openhire/courier/internal/backoff"
	"github.com/openhire/courier/internal/config"
	"github.com/openhire/courier/internal/dao"
	"github.com/openhire/courier/internal/executor"
	"github.com/openhire/courier/internal/queue"
	"github.com/openhire/courier/internal/render"
	"github.com/openhire/courier/internal/scheduler"
	"github.com/openhire/courier/internal/smtpx"
	"github.com/openhire/courier/internal/trigger"
	"github.com/openhire/courier/internal/web"
	"github.com/openhire/courier/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {

	app := &cli.App{
		Name:   "courierd",
		Usage:  "a service delivering candidate notification emails",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Action: serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

func serve(c *cli.Context) error {
	logger := log.New()
	logger.AddHook(tools.LoggerWho{Name: "courierd"})
	lc := tools.LoggerCloner(logger)

	cfg := config.Get()

	logger.Infof("Starting server")

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		return err
	}

	transport := smtpx.NewRelay(smtpx.RelayConfig{
		Addr:      cfg.SMTPRelay,
		LocalName: cfg.SMTPLocalName,
		User:      cfg.SMTPUser,
		Password:  cfg.SMTPPassword,
		Timeout:   cfg.SendTimeout,
	})

	sched := scheduler.NewMemory(lc, cfg.Workers)
	strategy := backoff.NewExponentialWithJitter(cfg.RetryDelay, time.Hour)
	exec := executor.New(lc, db, transport, sched, strategy, cfg.MaxRetries, cfg.SMTPLocalName)
	sched.Start(exec.Process)

	q := queue.New(lc, db, sched, cfg.PollBatch)
	q.SetRunner(exec.Process)

	poller := scheduler.NewPoller(lc, cfg.PollInterval, q.ProcessQueue)
	poller.Start()

	renderer := render.New(db)
	engine, err := trigger.NewEngine(lc, db, db, q, renderer,
		courier.Address{Name: cfg.DefaultFromName, Email: cfg.DefaultFrom})
	if err != nil {
		return err
	}

	srv := web.New(lc, web.Config{Port: cfg.APIPort, APIKeys: cfg.APIKeys}, q, engine)
	srv.Start()

	services := []Stoppable{srv, poller, sched}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	logger.Infof("Got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				logger.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		logger.WithError(shutdownCtx.Err()).Warn("Shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	logger.Infof("Shutdown complete")
	return nil
}
