package service

import (
	"context"
	"log/slog"
	"time"
)

// periodic — фоновая горутина с ticker: запускается Start, останавливается Stop.
type periodic struct {
	name     string
	interval time.Duration
	// immediate — первый прогон сразу после старта, не дожидаясь тика
	immediate bool
	run       func(ctx context.Context)
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (p *periodic) start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)

		p.logger.Info(p.name+" запущен", slog.String("interval", p.interval.String()))

		if p.immediate {
			p.run(ctx)
		}

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info(p.name + " остановлен")
				return
			case <-ticker.C:
				p.run(ctx)
			}
		}
	}()
}

func (p *periodic) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}
