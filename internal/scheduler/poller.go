package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/openhire/courier/internal/signals"
	"github.com/openhire/courier/tools"
	"github.com/sirupsen/logrus"
)

// Poller periodically reconciles the queue by invoking the given process
// func, normally queue.ProcessQueue. It is the fallback path that picks up
// entries whose scheduler job was lost, eg across a restart, and it reacts to
// in-process enqueue signals so fresh entries do not wait out the interval.
type Poller struct {
	ctx    context.Context
	cancel func()

	log      *logrus.Logger
	interval time.Duration
	process  func()

	ostart  sync.Once
	ostop   sync.Once
	stopped chan struct{}
}

func NewPoller(lc *tools.Logger, interval time.Duration, process func()) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		ctx:      ctx,
		cancel:   cancel,
		log:      lc.New("poller"),
		interval: interval,
		process:  process,
		stopped:  make(chan struct{}),
	}
}

func (p *Poller) Start() {
	p.ostart.Do(func() {
		go p.start()
	})
}

func (p *Poller) start() {
	defer close(p.stopped)

	sig, cancel := signals.Listen(signals.NewEntryInQueue)
	defer cancel()

	p.log.Infof("poller; starting, interval %s", p.interval)
	for {
		select {
		case <-p.ctx.Done():
			p.log.Infof("poller; stopping")
			return
		case <-sig:
		case <-time.After(p.interval):
		}

		p.log.Debug("poller; processing queue")
		p.process()
	}
}

func (p *Poller) Stop(ctx context.Context) error {
	var err error
	p.ostop.Do(func() {
		p.cancel()
		select {
		case <-p.stopped:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
