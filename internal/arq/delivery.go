// =============================================================================
// 文件: internal/arq/delivery.go
// 描述: 可靠性引擎 - 向应用交付 (可选转发延迟, 保持 FIFO)
// =============================================================================
package arq

import (
	"time"

	"github.com/mrcgq/relm/internal/protocol"
)

// deliverer 应用交付器
type deliverer interface {
	deliver(msg protocol.Message)
	stop()
}

// immediateDeliverer 在引擎协程内直接交付
type immediateDeliverer struct {
	app Application
}

func (d immediateDeliverer) deliver(msg protocol.Message) {
	d.app.Deliver(msg.Tag, msg.Payload)
}

func (immediateDeliverer) stop() {}

type pendingDelivery struct {
	msg protocol.Message
	due time.Time
}

// delayedDeliverer 独立协程按入队顺序延迟交付
type delayedDeliverer struct {
	app   Application
	delay time.Duration
	queue *queue[pendingDelivery]
	quit  chan struct{}
}

func newDelayedDeliverer(app Application, delay time.Duration) *delayedDeliverer {
	d := &delayedDeliverer{
		app:   app,
		delay: delay,
		queue: newQueue[pendingDelivery](),
		quit:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *delayedDeliverer) deliver(msg protocol.Message) {
	d.queue.push(pendingDelivery{msg: msg, due: time.Now().Add(d.delay)})
}

func (d *delayedDeliverer) stop() {
	d.queue.close()
	close(d.quit)
}

func (d *delayedDeliverer) loop() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-d.quit:
			return
		case <-d.queue.wait():
		}

		for _, p := range d.queue.drain() {
			if wait := time.Until(p.due); wait > 0 {
				timer.Reset(wait)
				select {
				case <-d.quit:
					return
				case <-timer.C:
				}
			}
			d.app.Deliver(p.msg.Tag, p.msg.Payload)
		}
	}
}

func newDeliverer(app Application, delay time.Duration) deliverer {
	if delay <= 0 {
		return immediateDeliverer{app: app}
	}
	return newDelayedDeliverer(app, delay)
}
